package loops

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Registry owns the loop definitions for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	loops    map[string]Definition
	progress ProgressStore
}

func NewRegistry(progress ProgressStore) *Registry {
	if progress == nil {
		progress = NewMemoryProgressStore()
	}
	return &Registry{
		loops:    make(map[string]Definition),
		progress: progress,
	}
}

// NewDefaultRegistry registers every built-in loop over deps.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	deps = deps.withDefaults()
	r := NewRegistry(deps.Progress)
	for _, k := range Kinds() {
		d, err := New(k, deps)
		if err != nil {
			return nil, err
		}
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. A loop id can only be registered once.
func (r *Registry) Register(d Definition) error {
	if d == nil {
		return fmt.Errorf("loops: nil definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[d.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLoop, d.ID())
	}
	r.loops[d.ID()] = d
	return nil
}

// Get returns the definition of loopID.
func (r *Registry) Get(loopID string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.loops[loopID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}
	return d, nil
}

// IDs lists registered loop ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForTrigger returns the registered loops a trigger may start for a persona,
// in matrix priority order.
func (r *Registry) ForTrigger(t contracts.TriggerType, p contracts.Persona) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, k := range Candidates(t, p) {
		if d, ok := r.loops[k.ID()]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Progress returns the shared progress ledger.
func (r *Registry) Progress() ProgressStore {
	return r.progress
}
