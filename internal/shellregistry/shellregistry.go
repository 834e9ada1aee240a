// Package shellregistry tracks the host's open shells (file-manager
// views) so the coordinator can resolve a JSON-RPC request to a target
// adapter. See spec §3 (ShellDescriptor) and §4.10.
package shellregistry

import (
	"context"
	"sync"
)

// ShellAdapter is the host-provided capability set a registered shell
// exposes to the coordinator. See spec §4.11 / Glossary "Adapter". Every
// call takes a context so the coordinator can enforce the getMetadata
// deadline and propagate session cancellation (spec §5).
type ShellAdapter interface {
	GetState(ctx context.Context) (any, error)
	ListActions(ctx context.Context) (any, error)
	Navigate(ctx context.Context, path string) (any, error)
	GetMetadata(ctx context.Context, paths []string) (any, error)
	ExecuteAction(ctx context.Context, actionID string) (any, error)
}

// ShellDescriptor is the registry's record of one open shell. Adapter is
// omitted from JSON summaries; only the identifying fields are surfaced
// to clients (see coordinator's listShells).
type ShellDescriptor struct {
	ShellID  string
	WindowID int64
	TabID    string
	Active   bool
}

// ShellHandle bundles a descriptor with its adapter for coordinator use.
// A handle must not be retained past a single request (spec §9, cyclic
// shell↔runtime references).
type ShellHandle struct {
	Descriptor ShellDescriptor
	Adapter    ShellAdapter
}

// Registry tracks registered shells. Safe for concurrent use; List
// returns a stable snapshot copy.
type Registry struct {
	mu     sync.RWMutex
	shells map[string]*entry
}

type entry struct {
	descriptor ShellDescriptor
	adapter    ShellAdapter
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{shells: make(map[string]*entry)}
}

// Register adds or replaces a shell. If Active is set, active-shell
// bookkeeping is updated via SetActive semantics (at most one active
// shell per window); a shell registered without Active does not become
// active, even when it is the first one for its window.
func (r *Registry) Register(desc ShellDescriptor, adapter ShellAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shells[desc.ShellID] = &entry{descriptor: desc, adapter: adapter}
	if desc.Active {
		r.clearActiveForWindowLocked(desc.WindowID, desc.ShellID)
	}
}

// Unregister removes a shell. The stored adapter reference is dropped
// before the caller destroys the underlying adapter (spec §3 ownership
// summary: "cleared on unregister before release").
func (r *Registry) Unregister(shellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shells, shellID)
}

// GetByID resolves a shell by its opaque id.
func (r *Registry) GetByID(shellID string) (ShellHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.shells[shellID]
	if !ok {
		return ShellHandle{}, false
	}
	return ShellHandle{Descriptor: e.descriptor, Adapter: e.adapter}, true
}

// GetActiveForWindow returns the unique active shell for windowID, if
// any.
func (r *Registry) GetActiveForWindow(windowID int64) (ShellHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.shells {
		if e.descriptor.WindowID == windowID && e.descriptor.Active {
			return ShellHandle{Descriptor: e.descriptor, Adapter: e.adapter}, true
		}
	}
	return ShellHandle{}, false
}

// Any returns an arbitrary registered shell, for the coordinator's final
// fallback resolution step.
func (r *Registry) Any() (ShellHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.shells {
		return ShellHandle{Descriptor: e.descriptor, Adapter: e.adapter}, true
	}
	return ShellHandle{}, false
}

// SetActive atomically makes shellID the unique active shell for its
// window, clearing the active flag on any other shell in that window.
func (r *Registry) SetActive(shellID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.shells[shellID]
	if !ok {
		return false
	}
	r.clearActiveForWindowLocked(target.descriptor.WindowID, shellID)
	target.descriptor.Active = true
	return true
}

func (r *Registry) clearActiveForWindowLocked(windowID int64, exceptShellID string) {
	for id, e := range r.shells {
		if e.descriptor.WindowID == windowID {
			e.descriptor.Active = id == exceptShellID
		}
	}
}

// List returns a stable snapshot copy of all registered shell
// descriptors.
func (r *Registry) List() []ShellDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShellDescriptor, 0, len(r.shells))
	for _, e := range r.shells {
		out = append(out, e.descriptor)
	}
	return out
}
