package render

// Theme holds colors for stack and CFG rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Control-flow edges.
	EdgeTaken       string // conditional branch taken
	EdgeFallthrough string // conditional branch not taken
	EdgeDirect      string // unconditional, or caller to callee

	// Block fills by code region.
	PrologFill string
	EpilogFill string

	EntryBorder string // method entry block
	RefText     string // live references
	Transition  string // edges crossing native code
	ErrorText   string // walk failures

	// Cluster styling.
	ClusterBorder string // subgraph cluster border
	ClusterLabel  string // subgraph cluster label text
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeTaken:       "#0B3D91", // NASA blue
	EdgeFallthrough: "#FC3D21", // NASA red
	EdgeDirect:      "#424242", // dark gray

	PrologFill: "#ECEFF1", // blue-gray 50
	EpilogFill: "#FFF3E0", // orange 50

	EntryBorder: "#0B3D91",
	RefText:     "#00695C", // teal
	Transition:  "#E65100", // deep orange
	ErrorText:   "#FC3D21",

	ClusterBorder: "#BDBDBD",
	ClusterLabel:  "#757575",
}
