// Package modules tracks loaded code modules and their one-shot finalizer
// thread initialization.
package modules

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gcwalk/internal/codeman"
)

// Module is one loaded code image.
type Module struct {
	Name string
	// ClassLib marks the class library module, the only kind that may
	// supply a finalizer initialization callback.
	ClassLib bool
	// FinalizerInit runs once on the finalizer thread before it starts
	// waiting. Nil if the module has none.
	FinalizerInit func()
	// Methods are the module's compiled methods.
	Methods []*codeman.MethodInfo

	initDone atomic.Bool
}

// FinalizerInitComplete reports whether the callback was already claimed.
func (m *Module) FinalizerInitComplete() bool { return m.initDone.Load() }

// ClaimFinalizerInit marks the module's finalizer initialization complete.
// It returns true for exactly one caller.
func (m *Module) ClaimFinalizerInit() bool { return m.initDone.CompareAndSwap(false, true) }

func (m *Module) String() string { return m.Name }

// Registry is the set of loaded modules.
type Registry struct {
	mu   sync.RWMutex
	mods []*Module
	code *codeman.Registry
}

// NewRegistry returns a registry whose modules' methods are added to code.
// code may be nil.
func NewRegistry(code *codeman.Registry) *Registry {
	return &Registry{code: code}
}

// Load adds a module and registers its methods.
func (r *Registry) Load(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.mods {
		if o.Name == m.Name {
			return fmt.Errorf("modules: %s already loaded", m.Name)
		}
	}
	if r.code != nil {
		for _, mi := range m.Methods {
			if err := r.code.Add(mi); err != nil {
				return fmt.Errorf("modules: %s: %w", m.Name, err)
			}
		}
	}
	r.mods = append(r.mods, m)
	return nil
}

// Modules returns the loaded modules in load order.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Module(nil), r.mods...)
}

// Code returns the method registry, or nil.
func (r *Registry) Code() *codeman.Registry { return r.code }
