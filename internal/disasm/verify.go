package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gcwalk/internal/codeman"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/gcinfo"
)

var ErrNoCode = errors.New("disasm: method has no code bytes")

// WithCode returns a copy of mi carrying code assembled from its frame
// info.
func WithCode(mi *codeman.MethodInfo) (*codeman.MethodInfo, error) {
	h, err := mi.Header()
	if err != nil {
		return nil, err
	}
	epilogs, err := mi.Epilogs()
	if err != nil {
		return nil, err
	}
	sites, err := gcinfo.Callsites(mi.RawGCInfo(), h)
	if err != nil {
		return nil, err
	}
	code, err := Assemble(h, epilogs, sites, mi.CodeSize())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mi.Name(), err)
	}
	return codeman.NewMethodInfo(mi.Name(), mi.Code(), mi.CodeSize(), mi.RawGCInfo(), mi.EHInfo(), code), nil
}

func word(code []byte, off uint32) (uint32, bool) {
	if uint64(off)+4 > uint64(len(code)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(code[off:]), true
}

// checkSteps compares the instructions at off with want.
func checkSteps(diags *gcfmt.Diags, base uint64, code []byte, off uint32, what string, want []gcinfo.Step) {
	for i, s := range want {
		at := off + uint32(i)*gcinfo.InstSize
		raw, ok := word(code, at)
		if !ok {
			diags.Addf(base+uint64(at), gcfmt.DiagTruncated, "%s ends before %s", what, StepString(s))
			return
		}
		got, ok := DecodeStep(raw)
		switch {
		case !ok:
			diags.Addf(base+uint64(at), gcfmt.DiagUnknownInst, "%s: %q is not a frame instruction, want %s",
				what, DisasmOne(raw), StepString(s))
		case !stepEqual(got, s):
			diags.Addf(base+uint64(at), gcfmt.DiagMismatch, "%s: %s, want %s", what, StepString(got), StepString(s))
		}
	}
}

// VerifyProlog checks that mi's code starts with the prolog its header
// describes.
func VerifyProlog(mi *codeman.MethodInfo) (*gcfmt.Diags, error) {
	h, err := mi.Header()
	if err != nil {
		return nil, err
	}
	code := mi.CodeBytes()
	if code == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, mi.Name())
	}
	diags := &gcfmt.Diags{}
	if c := h.CanonicalPrologSize(); h.PrologSize != c {
		diags.Addf(mi.Code(), gcfmt.DiagUnsupported, "prolog size 0x%x, canonical 0x%x", h.PrologSize, c)
	}
	checkSteps(diags, mi.Code(), code, 0, "prolog", h.PrologSteps())
	return diags, nil
}

// VerifyEpilog checks every epilog window against the canonical epilog,
// and reports returns outside any window.
func VerifyEpilog(mi *codeman.MethodInfo) (*gcfmt.Diags, error) {
	h, err := mi.Header()
	if err != nil {
		return nil, err
	}
	epilogs, err := mi.Epilogs()
	if err != nil {
		return nil, err
	}
	code := mi.CodeBytes()
	if code == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, mi.Name())
	}
	diags := &gcfmt.Diags{}
	want := h.EpilogSteps()
	for i, e := range epilogs {
		what := fmt.Sprintf("epilog %d", i)
		if e.Size != h.CanonicalEpilogSize() {
			diags.Addf(mi.Code()+uint64(e.Start), gcfmt.DiagMismatch, "%s: size 0x%x, canonical 0x%x", what, e.Size, h.CanonicalEpilogSize())
		}
		checkSteps(diags, mi.Code(), code, e.Start, what, want)
	}
	for off := h.CanonicalPrologSize(); off+gcinfo.InstSize <= mi.CodeSize(); off += gcinfo.InstSize {
		raw, ok := word(code, off)
		if !ok {
			break
		}
		if b, ok := DecodeBranch(raw, mi.Code()+uint64(off)); !ok || !b.Ret {
			continue
		}
		inside := false
		for _, e := range epilogs {
			inside = inside || e.Contains(off)
		}
		if !inside {
			diags.Addf(mi.Code()+uint64(off), gcfmt.DiagMismatch, "ret outside every epilog")
		}
	}
	return diags, nil
}

// Verify runs VerifyProlog and VerifyEpilog.
func Verify(mi *codeman.MethodInfo) ([]gcfmt.Diag, error) {
	p, err := VerifyProlog(mi)
	if err != nil {
		return nil, err
	}
	e, err := VerifyEpilog(mi)
	if err != nil {
		return nil, err
	}
	return append(p.Items(), e.Items()...), nil
}
