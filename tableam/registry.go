package tableam

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrAccessMethodExists  = errors.New("access method already exists")
	ErrUnknownAccessMethod = errors.New("access method does not exist")
)

// Factory builds a routine bound to one backend's collaborators.
type Factory func(env Env) Routine

// Registry maps access method names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Wrap(ErrAccessMethodExists, name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownAccessMethod, name)
	}
	return f, nil
}

// Routine builds the named access method's routine for env.
func (r *Registry) Routine(name string, env Env) (Routine, error) {
	f, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return f(env), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
