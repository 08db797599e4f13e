package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"gcwalk/internal/arch"
	"gcwalk/internal/codeman"
	"gcwalk/internal/disasm"
	"gcwalk/internal/finalizer"
	"gcwalk/internal/gcapi"
	"gcwalk/internal/heap"
	"gcwalk/internal/memory"
	"gcwalk/internal/modules"
	"gcwalk/internal/stackwalk"
	"gcwalk/internal/synth"
	"gcwalk/internal/thread"
)

// stackSpacing separates default stack tops of consecutive threads.
const stackSpacing = 0x10_0000

// World is a scenario laid out in memory.
type World struct {
	Code    *codeman.Registry
	Modules *modules.Registry
	Mem     *memory.Image
	Threads *thread.Store
	Stacks  map[int]*synth.Stack // by thread id
	Heap    *heap.Sim
	Objects map[string]*heap.Object
	Options stackwalk.Options

	// Set by FinalizerThread.
	Events   *finalizer.Events
	Complete *finalizer.Completion

	mu        sync.Mutex
	finalized []string
	inits     []string
}

// Finalized returns the names of objects whose finalizer ran, in order.
func (w *World) Finalized() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.finalized...)
}

// Inits returns the modules whose finalizer initialization callback ran.
func (w *World) Inits() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.inits...)
}

func (w *World) record(list *[]string, name string) {
	w.mu.Lock()
	*list = append(*list, name)
	w.mu.Unlock()
}

// Build encodes the methods and assembles their code, loads the modules, lays out every thread's
// stack in one memory image and populates the heap. The heap's roots are
// the threads' stacks.
func (sc *Scenario) Build() (*World, error) {
	w := &World{
		Code:    codeman.NewRegistry(),
		Mem:     memory.NewImage(),
		Threads: thread.NewStore(),
		Stacks:  make(map[int]*synth.Stack),
		Objects: make(map[string]*heap.Object),
		Options: stackwalk.Options{MaxFrames: sc.MaxFrames},
	}
	w.Modules = modules.NewRegistry(w.Code)

	byModule := map[string][]*codeman.MethodInfo{}
	for _, m := range sc.Methods {
		spec, err := m.Spec()
		if err != nil {
			return nil, err
		}
		mi, err := synth.NewMethod(m.Name, m.Code, m.Size, spec)
		if err != nil {
			return nil, err
		}
		if mi, err = disasm.WithCode(mi); err != nil {
			return nil, bad("method %s: %v", m.Name, err)
		}
		mod := m.Module
		if mod == "" {
			mod = DefaultModule
		}
		byModule[mod] = append(byModule[mod], mi)
	}
	declared := map[string]bool{}
	for _, m := range sc.Modules {
		declared[m.Name] = true
		mod := &modules.Module{Name: m.Name, ClassLib: m.ClassLib, Methods: byModule[m.Name]}
		if m.FinalizerInit {
			name := m.Name
			mod.FinalizerInit = func() { w.record(&w.inits, name) }
		}
		if err := w.Modules.Load(mod); err != nil {
			return nil, err
		}
	}
	if !declared[DefaultModule] && len(byModule[DefaultModule]) > 0 {
		if err := w.Modules.Load(&modules.Module{Name: DefaultModule, Methods: byModule[DefaultModule]}); err != nil {
			return nil, err
		}
	}

	for _, im := range sc.Images {
		if err := w.mapImage(sc.Dir, im); err != nil {
			w.Mem.Close()
			return nil, err
		}
	}

	for i, t := range sc.Threads {
		id := t.ThreadID(i)
		if len(t.Calls) == 0 {
			th := thread.NewNative(id, t.Transition)
			if t.Context != nil {
				ctx, err := t.Display()
				if err != nil {
					return nil, bad("thread %d: %v", id, err)
				}
				th = thread.New(id, ctx)
			}
			if err := w.Threads.Add(th); err != nil {
				return nil, err
			}
			continue
		}
		calls := make([]synth.Call, len(t.Calls))
		for j, c := range t.Calls {
			regs, err := c.Registers()
			if err != nil {
				return nil, bad("thread %d: %v", id, err)
			}
			calls[j] = synth.Call{
				Method:  w.Code.ByName(c.Method),
				Offset:  c.Offset,
				Regs:    regs,
				Stack:   c.Stack,
				Dynamic: c.Dynamic,
				Native:  c.Native,
			}
		}
		top := t.StackTop
		if top == 0 {
			top = synth.DefaultStackTop - uint64(i)*stackSpacing
		}
		st, err := synth.Builder{Mem: w.Mem, StackTop: top}.Build(calls)
		if err != nil {
			return nil, bad("thread %d: %v", id, err)
		}
		w.Stacks[id] = st
		th := thread.NewNative(id, st.Transition)
		if st.Context != nil {
			th = thread.New(id, st.Context)
		}
		if err := w.Threads.Add(th); err != nil {
			return nil, err
		}
	}

	w.Heap = heap.NewSim()
	w.Heap.Roots = gcapi.StackRoots(w.Threads, w.Code, w.Mem, w.Options)
	for _, o := range sc.Objects {
		obj := &heap.Object{Name: o.Name, Addr: o.Addr, Size: o.Size, Refs: o.Refs}
		if o.Finalizer {
			obj.Finalizer = func(obj *heap.Object) { w.record(&w.finalized, obj.Name) }
		}
		if err := w.Heap.Alloc(obj); err != nil {
			return nil, err
		}
		if o.Name != "" {
			w.Objects[o.Name] = obj
		}
	}
	for _, addr := range sc.Statics {
		w.Heap.AddStatic(addr)
	}
	return w, nil
}

// ThreadIDs returns the thread ids in order.
func (w *World) ThreadIDs() []int {
	threads := w.Threads.Threads()
	ids := make([]int, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
	}
	return ids
}

// Close unmaps file-backed images.
func (w *World) Close() error { return w.Mem.Close() }

func (w *World) mapImage(dir string, im Image) error {
	path := im.Path
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	if !im.Core {
		if _, err := w.Mem.MapFile(path, im.Base); err != nil {
			return bad("image %s: %v", im.Path, err)
		}
		return nil
	}
	core, err := memory.LoadCore(path)
	if err != nil {
		return bad("image %s: %v", im.Path, err)
	}
	for _, seg := range core.Segments() {
		if _, err := w.Mem.MapBytes(seg.Base, seg.Data); err != nil {
			return bad("image %s: %v", im.Path, err)
		}
	}
	return nil
}

// Capture saves every laid-out stack with write, as stack-<id>.bin, and
// returns a scenario that walks the same threads from those files. The
// methods, objects and modules of sc carry over.
func (w *World) Capture(sc *Scenario, write func(name string, data []byte) error) (*Scenario, error) {
	out := &Scenario{
		Modules:   sc.Modules,
		Methods:   sc.Methods,
		Objects:   sc.Objects,
		Statics:   sc.Statics,
		MaxFrames: sc.MaxFrames,
	}
	ids := make([]int, 0, len(w.Stacks))
	for id := range w.Stacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		st := w.Stacks[id]
		var seg *memory.Segment
		for _, s := range w.Mem.Segments() {
			if s.Base < st.Top && st.Top <= s.End() {
				seg = s
			}
		}
		if seg == nil {
			return nil, fmt.Errorf("thread %d: stack at 0x%x not mapped", id, st.Top)
		}
		name := fmt.Sprintf("stack-%d.bin", id)
		if err := write(name, seg.Data); err != nil {
			return nil, err
		}
		out.Images = append(out.Images, Image{Path: name, Base: seg.Base})

		t := Thread{ID: id}
		if ctx := st.Context; ctx != nil {
			t.Context = map[string]uint64{"pc": ctx.PC, "sp": ctx.SP}
			for r := arch.Reg(0); r < arch.NumRegs; r++ {
				if v, ok := ctx.Value(r); ok && v != 0 {
					t.Context[r.String()] = v
				}
			}
		} else {
			t.Transition = st.Transition
		}
		out.Threads = append(out.Threads, t)
	}
	return out, nil
}

// Marshal encodes sc as a scenario file.
func (sc *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(sc)
}

// FinalizerThread connects the heap to a new finalization queue and
// returns the runner that drains it. The runner collects the whole heap
// when woken for low memory. logf may be nil.
func (w *World) FinalizerThread(logf func(format string, args ...any)) *finalizer.Runner {
	ev := finalizer.NewEvents()
	q := &finalizer.Queue{}
	w.Heap.Queue = q
	w.Heap.OnFinalizable = ev.SignalWork
	w.Events, w.Complete = ev, &finalizer.Completion{}
	return &finalizer.Runner{
		Waiter:   ev.Waiter(),
		Queue:    q,
		Modules:  w.Modules,
		Collect:  func() error { return w.Heap.Collect(-1) },
		Complete: w.Complete,
		Logf:     logf,
	}
}

// API returns the collector control surface as seen from thread id. It is
// connected to the finalizer thread if FinalizerThread was called.
func (w *World) API(id int) (*gcapi.API, error) {
	th, ok := w.Threads.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: no thread %d", ErrScenario, id)
	}
	return &gcapi.API{Thread: th, Heap: w.Heap, Events: w.Events, Complete: w.Complete}, nil
}
