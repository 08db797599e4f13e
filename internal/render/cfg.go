package render

import (
	"fmt"
	"strings"

	"gcwalk/internal/codeman"
	"gcwalk/internal/disasm"
)

// maxBlockLines caps the instructions shown per block.
const maxBlockLines = 12

// CFGDOT renders a method CFG as DOT, one node per basic block. Prolog and
// epilog blocks are filled by region, and ann adds an inline note to each
// instruction it has one for.
func CFGDOT(cfg disasm.CFG, ann disasm.Annotator, t Theme) string {
	if len(cfg.Blocks) == 0 {
		return ""
	}

	var b strings.Builder
	header(&b, "cfg", "TB", cfg.Name, t)

	for _, blk := range cfg.Blocks {
		id := fmt.Sprintf("bb%d", blk.ID)

		var lines []string
		end := blk.End
		if end > len(cfg.Insts) {
			end = len(cfg.Insts)
		}
		for i := blk.Start; i < end; i++ {
			inst := cfg.Insts[i]
			line := fmt.Sprintf("0x%x: %s", inst.Addr, inst.Text)
			if ann != nil {
				if note := ann(inst); note != "" {
					line += "  ; " + truncLabel(note, 60)
				}
			}
			lines = append(lines, dotEscape(line))
		}
		if len(lines) > maxBlockLines {
			kept := append(lines[:5:5], fmt.Sprintf("... (%d more)", len(lines)-10))
			lines = append(kept, lines[len(lines)-5:]...)
		}
		label := strings.Join(lines, br) + br

		attrs := ""
		if blk.Entry {
			attrs = fmt.Sprintf(", penwidth=1.5, color=%q", t.EntryBorder)
		}
		switch blk.Region {
		case codeman.RegionProlog:
			attrs += fmt.Sprintf(", fillcolor=%q", t.PrologFill)
		case codeman.RegionEpilog:
			attrs += fmt.Sprintf(", fillcolor=%q", t.EpilogFill)
		}
		fmt.Fprintf(&b, "  %s [label=<%s>%s];\n", id, label, attrs)
	}
	b.WriteByte('\n')

	for _, blk := range cfg.Blocks {
		from := fmt.Sprintf("bb%d", blk.ID)
		for _, s := range blk.Succs {
			to := fmt.Sprintf("bb%d", s.BlockID)
			switch s.Cond {
			case "T":
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">T</font>>];\n",
					from, to, t.EdgeTaken, t.EdgeTaken)
			case "F":
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">F</font>>];\n",
					from, to, t.EdgeFallthrough, t.EdgeFallthrough)
			default:
				fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", from, to, t.EdgeDirect)
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}
