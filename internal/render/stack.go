package render

import (
	"fmt"
	"strings"

	"gcwalk/internal/stackwalk"
)

// Thread is one walked thread: its frames innermost first and the error
// that ended the walk, if any.
type Thread struct {
	ID     int
	Frames []stackwalk.Frame
	Err    error
}

func frameID(thread, i int) string { return dotID(fmt.Sprintf("t%d_f%d", thread, i)) }

// StackDOT renders each thread as a cluster of frames, callers above
// callees. Frame nodes list the live references found in them; edges that
// cross native code through a transition frame are dashed.
func StackDOT(threads []Thread, title string, t Theme) string {
	var b strings.Builder
	header(&b, "stacks", "BT", title, t)

	for _, th := range threads {
		fmt.Fprintf(&b, "  subgraph cluster_t%d {\n", th.ID)
		fmt.Fprintf(&b, "    color=%q;\n", t.ClusterBorder)
		fmt.Fprintf(&b, "    label=<<font point-size=\"8\" color=\"%s\">thread %d</font>>;\n", t.ClusterLabel, th.ID)
		for i, f := range th.Frames {
			lines := []string{
				"<b>" + dotEscape(fmt.Sprintf("%s+0x%x", f.Method.Name(), f.Offset)) + "</b>",
				dotEscape(fmt.Sprintf("pc=0x%x sp=0x%x %s", f.PC, f.SP, f.Region)),
			}
			for _, r := range f.Refs {
				lines = append(lines, fmt.Sprintf("<font color=\"%s\">%s</font>",
					t.RefText, dotEscape(fmt.Sprintf("%s = 0x%x", r.LiveRef, r.Value))))
			}
			fmt.Fprintf(&b, "    %s [label=<%s%s>];\n", frameID(th.ID, i), strings.Join(lines, br), br)
		}
		if th.Err != nil {
			fmt.Fprintf(&b, "    %s [label=<<font color=\"%s\">%s</font>>, style=dashed];\n",
				frameID(th.ID, len(th.Frames)), t.ErrorText, dotEscape(truncLabel(th.Err.Error(), 80)))
		}
		b.WriteString("  }\n")

		for i := 0; i+1 < len(th.Frames); i++ {
			caller, callee := frameID(th.ID, i+1), frameID(th.ID, i)
			if th.Frames[i+1].Transition != 0 {
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed, label=<<font point-size=\"7\" color=\"%s\">native</font>>];\n",
					caller, callee, t.Transition, t.Transition)
				continue
			}
			fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", caller, callee, t.EdgeDirect)
		}
		if th.Err != nil && len(th.Frames) > 0 {
			fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dotted];\n",
				frameID(th.ID, len(th.Frames)), frameID(th.ID, len(th.Frames)-1), t.ErrorText)
		}
	}

	b.WriteString("}\n")
	return b.String()
}
