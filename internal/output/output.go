// Package output writes gcwalk results to a directory. A Writer holds an
// exclusive lock on the directory until it is closed, so concurrent runs
// pointed at the same directory do not interleave their files.
package output

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"gcwalk/internal/codeman"
	"gcwalk/internal/disasm"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/stackwalk"
)

// LockFile is created in every output directory.
const LockFile = ".gcwalk.lock"

var ErrLocked = errors.New("output: directory in use")

// Writer writes result files into one directory.
type Writer struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed and locks it. With wait unset Open fails
// with ErrLocked instead of blocking on another holder.
func Open(dir string, wait bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("output: mkdir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, LockFile))
	if wait {
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("output: lock %s: %w", dir, err)
		}
	} else {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("output: lock %s: %w", dir, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
	}
	return &Writer{dir: dir, lock: lock}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Close releases the directory lock.
func (w *Writer) Close() error { return w.lock.Unlock() }

// RefEntry is one live reference of a frame.
type RefEntry struct {
	Loc   string `json:"loc"`
	Kind  string `json:"kind"`
	Value uint64 `json:"value"`
}

// FrameEntry is one walked frame.
type FrameEntry struct {
	Method     string     `json:"method"`
	PC         uint64     `json:"pc"`
	SP         uint64     `json:"sp"`
	Offset     uint32     `json:"offset"`
	Region     string     `json:"region"`
	Transition uint64     `json:"transition,omitempty"`
	Refs       []RefEntry `json:"refs"`
}

// ThreadEntry is the walk of one thread.
type ThreadEntry struct {
	ID     int          `json:"id"`
	Frames []FrameEntry `json:"frames"`
	Error  string       `json:"error,omitempty"`
}

// Thread converts a walk result. err may be nil.
func Thread(id int, frames []stackwalk.Frame, err error) ThreadEntry {
	te := ThreadEntry{ID: id, Frames: make([]FrameEntry, 0, len(frames))}
	for _, f := range frames {
		fe := FrameEntry{
			Method:     f.Method.Name(),
			PC:         f.PC,
			SP:         f.SP,
			Offset:     f.Offset,
			Region:     f.Region.String(),
			Transition: f.Transition,
			Refs:       make([]RefEntry, 0, len(f.Refs)),
		}
		for _, r := range f.Refs {
			fe.Refs = append(fe.Refs, RefEntry{Loc: r.Loc.String(), Kind: r.Kind.String(), Value: r.Value})
		}
		te.Frames = append(te.Frames, fe)
	}
	if err != nil {
		te.Error = err.Error()
	}
	return te
}

// MethodEntry describes one method and its encoded frame info.
type MethodEntry struct {
	Name   string `json:"name"`
	Code   uint64 `json:"code"`
	Size   uint32 `json:"size"`
	GCInfo string `json:"gcinfo"` // hex
}

// Method converts mi.
func Method(mi *codeman.MethodInfo) MethodEntry {
	return MethodEntry{
		Name:   mi.Name(),
		Code:   mi.Code(),
		Size:   mi.CodeSize(),
		GCInfo: hex.EncodeToString(mi.RawGCInfo()),
	}
}

// MethodDiags groups the diagnostics of one method.
type MethodDiags struct {
	Method string       `json:"method"`
	Diags  []gcfmt.Diag `json:"diags"`
}

// WriteThreads writes threads.json.
func (w *Writer) WriteThreads(threads []ThreadEntry) error {
	return w.WriteJSON("threads.json", threads)
}

// WriteMethods writes methods.json.
func (w *Writer) WriteMethods(methods []MethodEntry) error {
	return w.WriteJSON("methods.json", methods)
}

// WriteDiags writes diags.json.
func (w *Writer) WriteDiags(diags []MethodDiags) error {
	return w.WriteJSON("diags.json", diags)
}

// WriteASM writes an annotated listing to asm/<name>.txt.
func (w *Writer) WriteASM(name string, insts []disasm.Inst, annotators ...disasm.Annotator) error {
	return w.WriteFile(filepath.Join("asm", name+".txt"), []byte(disasm.Format(insts, annotators...)))
}

// WriteGCInfo writes a raw frame info blob to gcinfo/<name>.bin.
func (w *Writer) WriteGCInfo(name string, blob []byte) error {
	return w.WriteFile(filepath.Join("gcinfo", name+".bin"), blob)
}

// WriteDOT writes dot/<name>.dot.
func (w *Writer) WriteDOT(name, dot string) error {
	return w.WriteFile(filepath.Join("dot", name+".dot"), []byte(dot))
}

// WriteFile writes data to rel inside the output directory.
func (w *Writer) WriteFile(rel string, data []byte) error {
	path := filepath.Join(w.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir %s: %w", filepath.Dir(rel), err)
	}
	return os.WriteFile(path, data, 0644)
}

// WriteJSON writes v as indented JSON to rel inside the output directory.
func (w *Writer) WriteJSON(rel string, v any) error {
	path := filepath.Join(w.dir, rel)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
