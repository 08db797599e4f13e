// Package disasm encodes, decodes and lists the arm64 prologs and epilogs
// described by frame info, and checks method code against its header.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"gcwalk/internal/codeman"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/gcinfo"
)

// Inst is a decoded ARM64 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      uint32
	Mnemonic string
	Operands string
	Text     string
}

// Options controls disassembly. MaxSteps caps the instruction count.
type Options struct {
	BaseAddr uint64 // address of the first byte
	gcfmt.Options
}

// Disassemble decodes ARM64 instructions from a byte region.
func Disassemble(data []byte, opts Options) []Inst {
	n := len(data) / 4
	if limit := opts.EffectiveMaxSteps(); n > limit {
		n = limit
	}
	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := binary.LittleEndian.Uint32(data[off : off+4])
		inst := Inst{Addr: opts.BaseAddr + uint64(off), Raw: raw}

		dec, err := arm64asm.Decode(data[off : off+4])
		if err != nil {
			inst.Mnemonic = ".word"
			inst.Operands = fmt.Sprintf("0x%08x", raw)
			inst.Text = ".word " + inst.Operands
		} else {
			inst.Text = dec.String()
			parts := strings.SplitN(inst.Text, " ", 2)
			inst.Mnemonic = parts[0]
			if len(parts) > 1 {
				inst.Operands = parts[1]
			}
		}
		result = append(result, inst)
	}
	return result
}

// DisasmOne decodes a single instruction word, or returns "" if it is not
// a valid instruction.
func DisasmOne(raw uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], raw)
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return ""
	}
	return inst.String()
}

// Annotator returns an inline comment for an instruction, or "".
type Annotator func(inst Inst) string

// Format renders instructions one per line:
// <addr>  <bytes>  <disasm>  ; <comment>
// The first annotator with a comment wins.
func Format(insts []Inst, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%02x %02x %02x %02x  ",
			byte(inst.Raw), byte(inst.Raw>>8), byte(inst.Raw>>16), byte(inst.Raw>>24))
		b.WriteString(inst.Text)
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				fmt.Fprintf(&b, "  ; %s", s)
				break
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Method lists mi's code bytes. It returns nil if the method carries none.
func Method(mi *codeman.MethodInfo, opts gcfmt.Options) []Inst {
	return Disassemble(mi.CodeBytes(), Options{BaseAddr: mi.Code(), Options: opts})
}

// MethodAnnotator marks prolog and epilog instructions with the step they
// perform and safe points with their live slots.
func MethodAnnotator(mi *codeman.MethodInfo) Annotator {
	h, err := mi.Header()
	if err != nil {
		return func(Inst) string { return "" }
	}
	sites := map[uint32][]gcinfo.Slot{}
	if all, err := gcinfo.Callsites(mi.RawGCInfo(), h); err == nil {
		for _, cs := range all {
			sites[cs.Offset] = cs.Slots
		}
	}
	return func(inst Inst) string {
		if !mi.Contains(inst.Addr) {
			return ""
		}
		off := uint32(inst.Addr - mi.Code())
		var notes []string
		if region, err := codeman.CodeRegion(mi, off); err == nil && region != codeman.RegionBody {
			note := region.String()
			if s, ok := DecodeStep(inst.Raw); ok {
				note += " " + s.Op.String()
			}
			notes = append(notes, note)
		}
		if slots, ok := sites[off]; ok {
			parts := make([]string, len(slots))
			for i, s := range slots {
				parts[i] = s.String()
			}
			notes = append(notes, "safe point: "+strings.Join(parts, ", "))
		}
		return strings.Join(notes, "; ")
	}
}
