// Package synth lays out call stacks in a memory image by executing the
// canonical prolog and epilog of every frame, and records the register
// state each frame had so a walk can be checked against it.
package synth

import (
	"errors"
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/codeman"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
	"gcwalk/internal/stackwalk"
)

var ErrLayout = errors.New("synth: bad stack layout")

const (
	DefaultStackTop   = 0x7fff_0000
	DefaultStackSize  = 64 << 10
	DefaultNativeSize = 0x40
	DefaultDynamic    = 0x20

	// NativeReturn is the return address native code passes to managed
	// code it calls.
	NativeReturn = 0xdead_0000
)

// Call is one managed frame. Calls are listed outermost first.
type Call struct {
	Method *codeman.MethodInfo
	// Offset is the call site for outer frames and the stop position of the
	// innermost frame, which may be in the prolog or an epilog.
	Offset uint32
	// Regs and Stack are written in the body before the call: register
	// values, and words at SP-relative offsets.
	Regs  map[arch.Reg]uint64
	Stack map[int64]uint64
	// Dynamic is the extra stack a dynamic frame allocates in its body.
	Dynamic uint64
	// Native makes the call leave managed code. The next method, if any,
	// is entered from native code.
	Native bool
}

// Frame is the state a frame had at its call site or stop position.
type Frame struct {
	Method *codeman.MethodInfo
	PC     uint64
	SP     uint64
	Regs   map[arch.Reg]uint64 // callee-saved registers
}

// Stack is a laid-out thread stack.
type Stack struct {
	Mem *memory.Image
	Top uint64

	// Context is the innermost frame's register state, or nil when the
	// thread stopped in native code.
	Context *regdisplay.Display
	// Transition is the innermost transition frame when Context is nil.
	Transition uint64
	// Frames are innermost first.
	Frames []Frame
}

// Builder configures the stack area.
type Builder struct {
	Mem        *memory.Image // created when nil
	StackTop   uint64
	StackSize  int
	NativeSize uint64
}

type cpu struct {
	sp  uint64
	x   [arch.NumRegs]uint64
	mem memory.Memory
}

func (c *cpu) store(r arch.Reg, addr uint64) error { return c.mem.WriteWord(addr, c.x[r]) }

func (c *cpu) load(r arch.Reg, addr uint64) error {
	v, err := c.mem.ReadWord(addr)
	if err != nil {
		return err
	}
	c.x[r] = v
	return nil
}

func (c *cpu) exec(s gcinfo.Step) error {
	switch s.Op {
	case gcinfo.OpAllocFrame:
		c.sp -= uint64(s.Imm)
	case gcinfo.OpFreeFrame:
		c.sp += uint64(s.Imm)
	case gcinfo.OpSetFP:
		c.x[arch.FP] = c.sp + uint64(s.Imm)
	case gcinfo.OpResetSP:
		c.sp = c.x[arch.FP] - uint64(s.Imm)
	case gcinfo.OpStore, gcinfo.OpLoad:
		for i, r := range s.Regs {
			addr := c.sp + uint64(s.Imm) + uint64(i)*arch.PtrSize
			var err error
			if s.Op == gcinfo.OpStore {
				err = c.store(r, addr)
			} else {
				err = c.load(r, addr)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", s.Op, r, err)
			}
		}
	case gcinfo.OpReturn:
		return fmt.Errorf("%w: ret executed", ErrLayout)
	}
	return nil
}

func (c *cpu) calleeSaved() map[arch.Reg]uint64 {
	m := make(map[arch.Reg]uint64, 11)
	for r := arch.X19; r <= arch.FP; r++ {
		m[r] = c.x[r]
	}
	return m
}

// SeedValue is the value register r holds at the stack root.
func SeedValue(r arch.Reg) uint64 { return 0x5eed_0000 | uint64(r) }

// clobber is the value a frame leaves in a register it saved.
func clobber(frame int, r arch.Reg) uint64 {
	return 0xc0de_0000 | uint64(frame)<<8 | uint64(r)
}

func nativeValue(r arch.Reg) uint64 { return 0x0e7e_0000 | uint64(r) }

// Build lays out calls, outermost first.
func (b Builder) Build(calls []Call) (*Stack, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrLayout)
	}
	top := b.StackTop
	if top == 0 {
		top = DefaultStackTop
	}
	size := b.StackSize
	if size == 0 {
		size = DefaultStackSize
	}
	native := b.NativeSize
	if native == 0 {
		native = DefaultNativeSize
	}
	if top%arch.StackAlign != 0 || native%arch.StackAlign != 0 {
		return nil, fmt.Errorf("%w: stack top and native size must be 16-aligned", ErrLayout)
	}
	img := b.Mem
	if img == nil {
		img = memory.NewImage()
	}
	if _, err := img.Map(top-uint64(size), size); err != nil {
		return nil, err
	}

	c := &cpu{sp: top, mem: img}
	for r := arch.X19; r <= arch.X28; r++ {
		c.x[r] = SeedValue(r)
	}

	st := &Stack{Mem: img, Top: top}
	var frames []Frame
	var pending uint64 // transition frame a reverse P/Invoke method records
	fromNative := false

	for i, call := range calls {
		mi := call.Method
		h, err := mi.Header()
		if err != nil {
			return nil, err
		}
		if i > 0 && fromNative != h.HasReversePInvoke() {
			return nil, fmt.Errorf("%w: %s: reverse P/Invoke flag does not match how it is entered", ErrLayout, mi.Name())
		}
		region, err := codeman.CodeRegion(mi, call.Offset)
		if err != nil {
			return nil, err
		}
		last := i == len(calls)-1
		if (!last || call.Native) && region != codeman.RegionBody {
			return nil, fmt.Errorf("%w: %s+0x%x: call site not in the body", ErrLayout, mi.Name(), call.Offset)
		}
		if region != codeman.RegionBody && h.HasReversePInvoke() {
			return nil, fmt.Errorf("%w: %s: reverse P/Invoke frame stopped outside its body", ErrLayout, mi.Name())
		}

		prolog := h.PrologSteps()
		if region == codeman.RegionProlog {
			prolog = prolog[:call.Offset/gcinfo.InstSize]
		}
		for _, s := range prolog {
			if err := c.exec(s); err != nil {
				return nil, fmt.Errorf("%s prolog: %w", mi.Name(), err)
			}
		}
		if region != codeman.RegionProlog {
			if err := b.body(c, i, h, call, pending); err != nil {
				return nil, fmt.Errorf("%s: %w", mi.Name(), err)
			}
		}
		if region == codeman.RegionEpilog {
			eo, _, _, err := codeman.EpilogOffset(mi, call.Offset)
			if err != nil {
				return nil, err
			}
			for _, s := range h.EpilogSteps()[:eo/gcinfo.InstSize] {
				if err := c.exec(s); err != nil {
					return nil, fmt.Errorf("%s epilog: %w", mi.Name(), err)
				}
			}
		}

		pc := mi.Code() + uint64(call.Offset)
		frames = append(frames, Frame{Method: mi, PC: pc, SP: c.sp, Regs: c.calleeSaved()})

		switch {
		case call.Native:
			tf := &stackwalk.TransitionFrame{PC: pc, SP: c.sp, FP: c.x[arch.FP], Saved: 1<<10 - 1}
			for r := arch.X19; r <= arch.X28; r++ {
				tf.Regs[r] = c.x[r]
			}
			addr := c.sp - (tf.Size()+arch.StackAlign-1)&^(arch.StackAlign-1)
			if err := tf.Write(img, addr); err != nil {
				return nil, err
			}
			pending = addr
			c.sp = addr - native
			for r := arch.X19; r <= arch.FP; r++ {
				c.x[r] = nativeValue(r)
			}
			c.x[arch.LR] = NativeReturn
			fromNative = true
		case !last:
			c.x[arch.LR] = pc
			fromNative = false
		}
	}

	if calls[len(calls)-1].Native {
		st.Transition = pending
	} else {
		st.Context = regdisplay.NewContext(frames[len(frames)-1].PC, c.sp, c.x)
	}
	for i := len(frames) - 1; i >= 0; i-- {
		st.Frames = append(st.Frames, frames[i])
	}
	return st, nil
}

// body runs what a frame does between its prolog and its call site: grow a
// dynamic frame, record the native transition marker, use the registers it
// saved, and apply the caller-supplied writes.
func (b Builder) body(c *cpu, frame int, h gcinfo.Header, call Call, transition uint64) error {
	if h.HasDynamicAlloc() {
		dyn := call.Dynamic
		if dyn == 0 {
			dyn = DefaultDynamic
		}
		if dyn%arch.StackAlign != 0 {
			return fmt.Errorf("%w: dynamic size 0x%x not aligned", ErrLayout, dyn)
		}
		c.sp -= dyn
	}
	if h.HasReversePInvoke() {
		base := c.sp
		if h.HasFramePointer() {
			base = c.x[arch.FP]
		}
		addr := uint64(int64(base) + h.ReversePInvokeOffset)
		if err := c.mem.WriteWord(addr, transition); err != nil {
			return fmt.Errorf("transition marker: %w", err)
		}
	}
	for _, r := range h.SavedRegs.SlotOrder() {
		if r == arch.FP && h.HasFramePointer() {
			continue
		}
		c.x[r] = clobber(frame, r)
	}
	for r, v := range call.Regs {
		if !r.Valid() {
			return fmt.Errorf("%w: register %s", ErrLayout, r)
		}
		if r.CalleeSaved() && !h.SavedRegs.Has(r) {
			return fmt.Errorf("%w: %s is not saved by the frame", ErrLayout, r)
		}
		c.x[r] = v
	}
	for off, v := range call.Stack {
		if err := c.mem.WriteWord(uint64(int64(c.sp)+off), v); err != nil {
			return fmt.Errorf("stack write sp%+d: %w", off, err)
		}
	}
	return nil
}
