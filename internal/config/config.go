// Package config loads scenario files: the methods, objects and thread
// stacks a gcwalk run operates on.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/regdisplay"
)

var ErrScenario = errors.New("config: bad scenario")

// Scenario is the top level of a scenario file.
type Scenario struct {
	Modules []Module `yaml:"modules"`
	Methods []Method `yaml:"methods"`
	Objects []Object `yaml:"objects"`
	Statics []uint64 `yaml:"statics"`
	Threads []Thread `yaml:"threads"`
	Images  []Image  `yaml:"images"`
	// MaxFrames bounds each stack walk; 0 uses the walker's default.
	MaxFrames int `yaml:"max_frames"`

	// Dir resolves relative image paths. Load sets it to the file's
	// directory.
	Dir string `yaml:"-"`
}

// Image is memory captured to a file: a raw image mapped at Base, or,
// with Core set, the loadable segments of an ELF core file.
type Image struct {
	Path string `yaml:"path"`
	Base uint64 `yaml:"base,omitempty"`
	Core bool   `yaml:"core,omitempty"`
}

// Module groups methods. Methods that name no module belong to DefaultModule.
type Module struct {
	Name     string `yaml:"name"`
	ClassLib bool   `yaml:"class_lib"`
	// FinalizerInit gives the module a finalizer initialization callback.
	FinalizerInit bool `yaml:"finalizer_init"`
}

// DefaultModule holds methods without a module.
const DefaultModule = "app"

// Method describes one compiled method and its frame info.
type Method struct {
	Name       string     `yaml:"name"`
	Module     string     `yaml:"module"`
	Code       uint64     `yaml:"code"`
	Size       uint32     `yaml:"size"`
	Flags      []string   `yaml:"flags"` // fp, dynamic, rpi
	FrameSize  uint32     `yaml:"frame_size"`
	Saved      []string   `yaml:"saved"`
	PrologSize uint32     `yaml:"prolog_size"`
	Return     string     `yaml:"return"`
	RPIOffset  int64      `yaml:"rpi_offset"`
	Epilogs    []uint32   `yaml:"epilogs"`
	Callsites  []Callsite `yaml:"callsites"`
}

// Callsite lists live slots in the form ParseSlot accepts.
type Callsite struct {
	Offset uint32   `yaml:"offset"`
	Slots  []string `yaml:"slots"`
}

// Object is a heap object.
type Object struct {
	Name      string   `yaml:"name"`
	Addr      uint64   `yaml:"addr"`
	Size      uint64   `yaml:"size"`
	Refs      []uint64 `yaml:"refs"`
	Finalizer bool     `yaml:"finalizer"`
}

// Thread is a stack to lay out, outermost call first. A captured thread
// has no calls: it is walked from Context, or from the transition frame
// at Transition, over memory the scenario's images provide.
type Thread struct {
	ID       int    `yaml:"id"`
	StackTop uint64 `yaml:"stack_top,omitempty"`
	Calls    []Call `yaml:"calls,omitempty"`

	Context    map[string]uint64 `yaml:"context,omitempty"` // pc, sp and register names
	Transition uint64            `yaml:"transition,omitempty"`
}

// Call is one frame of a thread.
type Call struct {
	Method  string            `yaml:"method"`
	Offset  uint32            `yaml:"offset"`
	Regs    map[string]uint64 `yaml:"regs"`
	Stack   map[int64]uint64  `yaml:"stack"`
	Dynamic uint64            `yaml:"dynamic"`
	Native  bool              `yaml:"native"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.Dir = filepath.Dir(path)
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown keys are errors.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.UnmarshalStrict(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScenario, err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func bad(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrScenario, fmt.Sprintf(format, args...))
}

func (sc *Scenario) validate() error {
	mods := map[string]bool{DefaultModule: true}
	for _, m := range sc.Modules {
		if m.Name == "" || (mods[m.Name] && m.Name != DefaultModule) {
			return bad("module %q: empty or duplicate name", m.Name)
		}
		mods[m.Name] = true
	}
	methods := map[string]bool{}
	for _, m := range sc.Methods {
		if m.Name == "" || methods[m.Name] {
			return bad("method %q: empty or duplicate name", m.Name)
		}
		methods[m.Name] = true
		if m.Module != "" && !mods[m.Module] {
			return bad("method %s: unknown module %q", m.Name, m.Module)
		}
		if _, err := m.Spec(); err != nil {
			return err
		}
	}
	ids := map[int]bool{}
	for i, t := range sc.Threads {
		id := t.ThreadID(i)
		if ids[id] {
			return bad("duplicate thread id %d", id)
		}
		ids[id] = true
		captured := t.Context != nil || t.Transition != 0
		switch {
		case len(t.Calls) == 0 && !captured:
			return bad("thread %d: no calls", id)
		case len(t.Calls) > 0 && captured:
			return bad("thread %d: calls and a captured context", id)
		case t.Context != nil && t.Transition != 0:
			return bad("thread %d: context and transition", id)
		}
		if t.Context != nil {
			if _, err := t.Display(); err != nil {
				return bad("thread %d: %v", id, err)
			}
		}
		for _, c := range t.Calls {
			if !methods[c.Method] {
				return bad("thread %d: unknown method %q", id, c.Method)
			}
			if _, err := c.Registers(); err != nil {
				return bad("thread %d: %v", id, err)
			}
		}
	}
	for _, im := range sc.Images {
		if im.Path == "" {
			return bad("image without a path")
		}
		if im.Core && im.Base != 0 {
			return bad("image %s: a core file has no base", im.Path)
		}
	}
	for _, o := range sc.Objects {
		if o.Size == 0 {
			return bad("object %q at 0x%x: zero size", o.Name, o.Addr)
		}
	}
	return nil
}

// ThreadID returns the thread's id, defaulting to its position plus one.
func (t Thread) ThreadID(index int) int {
	if t.ID != 0 {
		return t.ID
	}
	return index + 1
}

// Display builds the register context of a captured thread. pc and sp
// are required; registers not listed are zero.
func (t Thread) Display() (*regdisplay.Display, error) {
	pc, okPC := t.Context["pc"]
	sp, okSP := t.Context["sp"]
	if !okPC || !okSP {
		return nil, fmt.Errorf("context needs pc and sp")
	}
	var regs [arch.NumRegs]uint64
	for name, v := range t.Context {
		if name == "pc" || name == "sp" {
			continue
		}
		r, err := arch.ParseReg(name)
		if err != nil {
			return nil, err
		}
		regs[r] = v
	}
	return regdisplay.NewContext(pc, sp, regs), nil
}

// Registers parses the register names of c.Regs.
func (c Call) Registers() (map[arch.Reg]uint64, error) {
	if len(c.Regs) == 0 {
		return nil, nil
	}
	out := make(map[arch.Reg]uint64, len(c.Regs))
	for name, v := range c.Regs {
		r, err := arch.ParseReg(name)
		if err != nil {
			return nil, err
		}
		out[r] = v
	}
	return out, nil
}

// Spec converts m to an encoder input.
func (m Method) Spec() (gcinfo.MethodSpec, error) {
	spec := gcinfo.MethodSpec{
		FrameSize:            m.FrameSize,
		PrologSize:           m.PrologSize,
		ReversePInvokeOffset: m.RPIOffset,
		EpilogStarts:         m.Epilogs,
	}
	if m.Size == 0 {
		return spec, bad("method %s: zero size", m.Name)
	}
	for _, f := range m.Flags {
		switch strings.ToLower(f) {
		case "fp":
			spec.Flags |= gcinfo.FlagFramePointer
		case "dynamic":
			spec.Flags |= gcinfo.FlagDynamicAlloc
		case "rpi":
			spec.Flags |= gcinfo.FlagReversePInvoke
		default:
			return spec, bad("method %s: unknown flag %q", m.Name, f)
		}
	}
	for _, s := range m.Saved {
		r, err := arch.ParseReg(s)
		if err != nil {
			return spec, bad("method %s: %v", m.Name, err)
		}
		bit := arch.MaskOf(r)
		if bit == 0 {
			return spec, bad("method %s: %s cannot be saved", m.Name, r)
		}
		spec.SavedRegs |= bit
	}
	switch strings.ToLower(m.Return) {
	case "", "scalar":
	case "object":
		spec.ReturnKind = gcinfo.ReturnObject
	case "byref":
		spec.ReturnKind = gcinfo.ReturnByref
	default:
		return spec, bad("method %s: unknown return kind %q", m.Name, m.Return)
	}
	for _, cs := range m.Callsites {
		site := gcinfo.Callsite{Offset: cs.Offset}
		for _, s := range cs.Slots {
			slot, err := ParseSlot(s)
			if err != nil {
				return spec, bad("method %s+0x%x: %v", m.Name, cs.Offset, err)
			}
			site.Slots = append(site.Slots, slot)
		}
		spec.Callsites = append(spec.Callsites, site)
	}
	return spec, nil
}

// ParseSlot parses a live slot: a location followed by an optional kind.
// Locations are a register ("x19"), or "sp" or "fp" with a signed offset
// ("sp+8", "fp-32", "[fp-32]"). Kinds are object (the default), interior
// and pinned.
func ParseSlot(s string) (gcinfo.Slot, error) {
	var slot gcinfo.Slot
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return slot, fmt.Errorf("bad slot %q", s)
	}
	if len(fields) == 2 {
		switch strings.ToLower(fields[1]) {
		case "object":
		case "interior":
			slot.Kind = gcinfo.RefInterior
		case "pinned":
			slot.Kind = gcinfo.RefPinned
		default:
			return slot, fmt.Errorf("bad slot kind %q", fields[1])
		}
	}
	loc := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(fields[0], "["), "]"))
	if len(loc) > 2 && (loc[:2] == "sp" || loc[:2] == "fp") {
		off, err := strconv.ParseInt(loc[2:], 0, 64)
		if err != nil {
			return slot, fmt.Errorf("bad slot offset %q", s)
		}
		slot.Base, slot.Offset = gcinfo.BaseSP, off
		if loc[:2] == "fp" {
			slot.Base = gcinfo.BaseFP
		}
		return slot, nil
	}
	r, err := arch.ParseReg(loc)
	if err != nil {
		return slot, err
	}
	slot.Base, slot.Reg = gcinfo.BaseRegister, r
	return slot, nil
}
