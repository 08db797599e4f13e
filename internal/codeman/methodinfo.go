// Package codeman answers stack-walk questions about compiled methods:
// which slots hold live references, how to step to the caller, and where
// the return address and native-transition marker live.
package codeman

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gcwalk/internal/gcinfo"
)

var (
	ErrUnsupportedFrame  = errors.New("codeman: unsupported frame shape")
	ErrUntrackedRegister = errors.New("codeman: register not tracked")
	ErrBadOffset         = errors.New("codeman: code offset outside method")
	ErrOverlap           = errors.New("codeman: method overlaps registered code")
)

// MethodInfo describes one compiled method body. It is immutable once
// created except for the decoded header cache.
type MethodInfo struct {
	name     string
	code     uint64
	codeSize uint32
	gcInfo   []byte
	ehInfo   []byte
	bytes    []byte // machine code, when available

	decoded atomic.Pointer[decodedInfo]
}

type decodedInfo struct {
	hdr     gcinfo.Header
	epilogs []gcinfo.Epilog
}

// NewMethodInfo creates a descriptor. ehInfo and code may be nil.
func NewMethodInfo(name string, codeStart uint64, codeSize uint32, gcInfo, ehInfo, code []byte) *MethodInfo {
	return &MethodInfo{
		name:     name,
		code:     codeStart,
		codeSize: codeSize,
		gcInfo:   gcInfo,
		ehInfo:   ehInfo,
		bytes:    code,
	}
}

func (mi *MethodInfo) Name() string      { return mi.name }
func (mi *MethodInfo) Code() uint64      { return mi.code }
func (mi *MethodInfo) CodeSize() uint32  { return mi.codeSize }
func (mi *MethodInfo) RawGCInfo() []byte { return mi.gcInfo }
func (mi *MethodInfo) EHInfo() []byte    { return mi.ehInfo }

// CodeBytes returns the method's machine code, or nil if not loaded.
func (mi *MethodInfo) CodeBytes() []byte { return mi.bytes }

// Contains reports whether pc lies in the method body.
func (mi *MethodInfo) Contains(pc uint64) bool {
	return pc >= mi.code && pc-mi.code < uint64(mi.codeSize)
}

func (mi *MethodInfo) String() string {
	return fmt.Sprintf("%s@0x%x+0x%x", mi.name, mi.code, mi.codeSize)
}

// info decodes the frame info on first use and publishes it. Concurrent
// callers may decode redundantly; all of them produce the same value and
// the first published one wins.
func (mi *MethodInfo) info() (*decodedInfo, error) {
	if d := mi.decoded.Load(); d != nil {
		return d, nil
	}
	hdr, err := gcinfo.Decode(mi.gcInfo)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mi.name, err)
	}
	epilogs, err := gcinfo.DecodeEpilogTable(mi.gcInfo, hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mi.name, err)
	}
	if hdr.PrologSize > mi.codeSize {
		return nil, fmt.Errorf("%s: %w: prolog size %d exceeds code size %d",
			mi.name, gcinfo.ErrMalformed, hdr.PrologSize, mi.codeSize)
	}
	for _, e := range epilogs {
		if uint64(e.Start)+uint64(e.Size) > uint64(mi.codeSize) {
			return nil, fmt.Errorf("%s: %w: epilog 0x%x+%d past code size %d",
				mi.name, gcinfo.ErrMalformed, e.Start, e.Size, mi.codeSize)
		}
	}
	mi.decoded.CompareAndSwap(nil, &decodedInfo{hdr: hdr, epilogs: epilogs})
	return mi.decoded.Load(), nil
}

// Header returns the decoded frame-info header.
func (mi *MethodInfo) Header() (gcinfo.Header, error) {
	d, err := mi.info()
	if err != nil {
		return gcinfo.Header{}, err
	}
	return d.hdr, nil
}

// Epilogs returns the method's epilog windows.
func (mi *MethodInfo) Epilogs() ([]gcinfo.Epilog, error) {
	d, err := mi.info()
	if err != nil {
		return nil, err
	}
	return d.epilogs, nil
}

// Registry maps code addresses to methods.
type Registry struct {
	mu      sync.RWMutex
	methods []*MethodInfo // sorted by Code, non-overlapping
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers mi.
func (r *Registry) Add(mi *MethodInfo) error {
	if mi.codeSize == 0 {
		return fmt.Errorf("codeman: %s has no code", mi.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.methods), func(i int) bool { return r.methods[i].code >= mi.code })
	end := mi.code + uint64(mi.codeSize)
	if i > 0 {
		prev := r.methods[i-1]
		if prev.code+uint64(prev.codeSize) > mi.code {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, prev, mi)
		}
	}
	if i < len(r.methods) && end > r.methods[i].code {
		return fmt.Errorf("%w: %s and %s", ErrOverlap, mi, r.methods[i])
	}
	r.methods = append(r.methods, nil)
	copy(r.methods[i+1:], r.methods[i:])
	r.methods[i] = mi
	return nil
}

// Lookup finds the method containing pc and the offset of pc within it.
func (r *Registry) Lookup(pc uint64) (*MethodInfo, uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.methods), func(i int) bool {
		m := r.methods[i]
		return m.code+uint64(m.codeSize) > pc
	})
	if i == len(r.methods) || !r.methods[i].Contains(pc) {
		return nil, 0, false
	}
	mi := r.methods[i]
	return mi, uint32(pc - mi.code), true
}

// ByName returns the first method with the given name.
func (r *Registry) ByName(name string) *MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.methods {
		if m.name == name {
			return m
		}
	}
	return nil
}

// Methods returns the registered methods in address order.
func (r *Registry) Methods() []*MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*MethodInfo(nil), r.methods...)
}
