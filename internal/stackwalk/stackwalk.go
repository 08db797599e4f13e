// Package stackwalk walks a suspended thread's managed frames from the
// innermost outward, reporting the live references of each frame.
package stackwalk

import (
	"errors"
	"fmt"

	"gcwalk/internal/codeman"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
)

var (
	ErrUnknownCode   = errors.New("stackwalk: pc outside managed code")
	ErrTooManyFrames = errors.New("stackwalk: frame limit exceeded")
)

// DefaultMaxFrames bounds a walk when Options.MaxFrames is zero.
const DefaultMaxFrames = 10_000

// Options configures a walk.
type Options struct {
	MaxFrames int // 0 = DefaultMaxFrames
}

func (o Options) maxFrames() int {
	if o.MaxFrames > 0 {
		return o.MaxFrames
	}
	return DefaultMaxFrames
}

// Ref is a live reference together with the value it held during the walk.
type Ref struct {
	codeman.LiveRef
	Value uint64
}

// Frame is one managed frame.
type Frame struct {
	Method *codeman.MethodInfo
	PC     uint64
	SP     uint64
	Offset uint32
	Region codeman.Region
	Refs   []Ref
	// Transition is the transition frame the walk resumed from to reach
	// this frame, or 0.
	Transition uint64
}

func (f Frame) String() string {
	s := fmt.Sprintf("%s+0x%x sp=0x%x", f.Method.Name(), f.Offset, f.SP)
	if f.Region != codeman.RegionBody {
		s += " (" + f.Region.String() + ")"
	}
	return s
}

// Iterator steps through the frames of one thread. It owns its register
// display and must not be shared between goroutines.
type Iterator struct {
	reg  *codeman.Registry
	mem  memory.Reader
	opts Options

	ctx  *regdisplay.Display // thread context, nil when starting in native code
	regs *regdisplay.Display

	cur        Frame
	transition uint64
	started    bool
	done       bool
	n          int
	err        error
}

// New starts a walk at the thread context regs. regs is copied.
func New(reg *codeman.Registry, mem memory.Reader, regs *regdisplay.Display, opts Options) *Iterator {
	return &Iterator{reg: reg, mem: mem, opts: opts, ctx: regs.Clone(), regs: regs.Clone()}
}

// FromTransition starts a walk at the managed caller of a thread that is
// running native code and left the transition frame at addr.
func FromTransition(reg *codeman.Registry, mem memory.Reader, addr uint64, opts Options) (*Iterator, error) {
	tf, err := ReadTransitionFrame(mem, addr)
	if err != nil {
		return nil, err
	}
	return &Iterator{reg: reg, mem: mem, opts: opts, regs: tf.Display(addr), transition: addr}, nil
}

// Next advances to the next frame. It returns false when the walk is
// finished or failed; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.started {
		if err := it.step(); err != nil {
			return it.fail(err)
		}
		if it.done {
			return false
		}
	}
	it.started = true

	if it.regs.PC == 0 {
		it.done = true
		return false
	}
	mi, off, ok := it.reg.Lookup(it.regs.PC)
	if !ok {
		return it.fail(fmt.Errorf("%w: 0x%x", ErrUnknownCode, it.regs.PC))
	}
	if it.n >= it.opts.maxFrames() {
		return it.fail(fmt.Errorf("%w: %d", ErrTooManyFrames, it.n))
	}
	region, err := codeman.CodeRegion(mi, off)
	if err != nil {
		return it.fail(err)
	}
	refs, err := it.refs(mi, off)
	if err != nil {
		return it.fail(err)
	}
	it.cur = Frame{
		Method:     mi,
		PC:         it.regs.PC,
		SP:         it.regs.SP,
		Offset:     off,
		Region:     region,
		Refs:       refs,
		Transition: it.transition,
	}
	it.transition = 0
	it.n++
	return true
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}

func (it *Iterator) refs(mi *codeman.MethodInfo, off uint32) ([]Ref, error) {
	var live []codeman.LiveRef
	err := codeman.EnumGCRefs(mi, off, it.regs, codeman.VisitorFunc(func(r codeman.LiveRef) {
		live = append(live, r)
	}))
	if err != nil {
		return nil, err
	}
	out := make([]Ref, 0, len(live))
	for _, r := range live {
		v, err := it.Load(r.Loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", mi.Name(), r, err)
		}
		out = append(out, Ref{LiveRef: r, Value: v})
	}
	return out, nil
}

// Load reads the value stored at loc: target memory for stack locations,
// the thread context for registers.
func (it *Iterator) Load(loc regdisplay.Location) (uint64, error) {
	switch loc.Kind {
	case regdisplay.LocStack:
		return it.mem.ReadWord(loc.Addr)
	case regdisplay.LocRegister:
		if it.ctx != nil {
			if v, ok := it.ctx.Value(loc.Reg); ok {
				return v, nil
			}
		}
		return 0, fmt.Errorf("%w: %s not in the thread context", codeman.ErrUntrackedRegister, loc.Reg)
	}
	return 0, fmt.Errorf("%w: empty location", codeman.ErrUntrackedRegister)
}

// step moves from the current frame to its caller, crossing into the
// managed code below a native transition when the frame was entered from
// native code.
func (it *Iterator) step() error {
	f := it.cur
	addr, rpi, err := codeman.ReversePInvokeFrame(f.Method, it.regs)
	if err != nil {
		return err
	}
	if !rpi {
		return codeman.UnwindStackFrame(f.Method, f.Offset, it.regs, it.mem)
	}
	if f.Region != codeman.RegionBody {
		return fmt.Errorf("%w: %s+0x%x: native transition not established in %s",
			codeman.ErrUnsupportedFrame, f.Method.Name(), f.Offset, f.Region)
	}
	tfAddr, err := it.mem.ReadWord(addr)
	if err != nil {
		return fmt.Errorf("%s: transition marker: %w", f.Method.Name(), err)
	}
	if tfAddr == 0 {
		it.done = true
		return nil
	}
	tf, err := ReadTransitionFrame(it.mem, tfAddr)
	if err != nil {
		return err
	}
	it.regs = tf.Display(tfAddr)
	it.transition = tfAddr
	return nil
}

// Frame returns the current frame.
func (it *Iterator) Frame() Frame { return it.cur }

// Regs returns the register state of the current frame. It is updated in
// place by Next.
func (it *Iterator) Regs() *regdisplay.Display { return it.regs }

// Err returns the error that ended the walk, if any.
func (it *Iterator) Err() error { return it.err }

// Walk collects every frame of a walk. Any failure aborts the walk: a stack
// that cannot be fully scanned yields no frames.
func Walk(it *Iterator) ([]Frame, error) {
	var frames []Frame
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
