package render

import (
	"errors"
	"strings"
	"testing"

	"gcwalk/internal/disasm"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/stackwalk"
	"gcwalk/internal/synth"
)

func TestDotID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"outer", "n_outer"},
		{"a.b", "n_a_002eb"},
		{"x+1", "n_x_002b1"},
	}
	for _, tt := range tests {
		if got := dotID(tt.in); got != tt.want {
			t.Errorf("dotID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := dotEscape(`<a & "b">`); got != "&lt;a &amp; &quot;b&quot;&gt;" {
		t.Errorf("dotEscape = %q", got)
	}
	if got := truncLabel("abcdefgh", 6); got != "abc..." {
		t.Errorf("truncLabel = %q", got)
	}
}

func TestCFGDOT(t *testing.T) {
	d, err := synth.NewDemo()
	if err != nil {
		t.Fatal(err)
	}
	outer, err := disasm.WithCode(d.Outer)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := disasm.MethodCFG(outer, gcfmt.Options{})
	if err != nil {
		t.Fatal(err)
	}
	dot := CFGDOT(cfg, disasm.MethodAnnotator(outer), NASA)
	for _, want := range []string{
		"digraph cfg {",
		"bb0 [label=<",
		NASA.PrologFill,
		NASA.EpilogFill,
		"safe point: x19 object",
		"bb1 -> bb2",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q", want)
		}
	}
	if CFGDOT(disasm.CFG{Name: "empty"}, nil, NASA) != "" {
		t.Error("empty CFG rendered")
	}
}

func TestStackDOT(t *testing.T) {
	d, err := synth.NewDemo()
	if err != nil {
		t.Fatal(err)
	}
	st, err := synth.Builder{}.Build(d.NativeChain(false))
	if err != nil {
		t.Fatal(err)
	}
	frames, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	dot := StackDOT([]Thread{
		{ID: 1, Frames: frames},
		{ID: 2, Frames: frames[:1], Err: errors.New("stackwalk: pc outside managed code")},
	}, "stacks", NASA)
	for _, want := range []string{
		"subgraph cluster_t1 {",
		"subgraph cluster_t2 {",
		"<b>middle+0x30</b>",
		"<b>entry+0x20</b>",
		"pc outside managed code",
		"style=dashed, label=<<font point-size=\"7\" color=\"" + NASA.Transition + "\">native</font>>",
		"n_t1_f1 -> n_t1_f0",
		"n_t2_f1 -> n_t2_f0",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q", want)
		}
	}
	if strings.Count(dot, "native</font>") != 1 {
		t.Errorf("want one native edge:\n%s", dot)
	}
}
