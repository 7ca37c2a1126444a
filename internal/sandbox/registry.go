package sandbox

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps type names to their descriptors. Constructed explicitly
// at startup and handed to the manager — no module-level registration.
// Registration of a name that already exists overwrites it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry creates a registry pre-populated with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]Type)}
	for _, t := range builtinTypes() {
		r.types[t.Name] = t
	}
	return r
}

// Register adds or replaces a type. The descriptor is copied in; later
// mutation of the argument does not affect the registry.
func (r *Registry) Register(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("sandbox type name is required")
	}
	if t.Image == "" {
		return fmt.Errorf("sandbox type %q: image reference is required", t.Name)
	}
	if t.DefaultTimeout <= 0 {
		t.DefaultTimeout = defaultTypeTimeout
	}
	if t.Security == "" {
		t.Security = SecurityStrict
	}
	t.Env = cloneEnv(t.Env)

	r.mu.Lock()
	r.types[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the named type, or ErrUnknownType.
func (r *Registry) Get(name string) (Type, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	t.Env = cloneEnv(t.Env)
	return t, nil
}

// List returns all registered types sorted by name.
func (r *Registry) List() []Type {
	r.mu.RLock()
	out := make([]Type, 0, len(r.types))
	for _, t := range r.types {
		t.Env = cloneEnv(t.Env)
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered type names sorted.
func (r *Registry) Names() []string {
	types := r.List()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name
	}
	return names
}

const defaultTypeTimeout = 30 * time.Minute

// builtinTypes are the types every deployment starts with. Integrators
// add custom types through Register (or the gateway's type endpoint).
func builtinTypes() []Type {
	return []Type{
		{
			Name:           "base",
			Image:          "jkaninda/sanduku-base:latest",
			Security:       SecurityStrict,
			DefaultTimeout: 30 * time.Minute,
			MemoryMB:       256,
			CPUCores:       0.5,
			PIDsLimit:      64,
			Description:    "Shell and code execution, no network, no host mounts.",
		},
		{
			Name:           "filesystem",
			Image:          "jkaninda/sanduku-base:latest",
			Security:       SecurityStrict,
			DefaultTimeout: 30 * time.Minute,
			MemoryMB:       256,
			CPUCores:       0.5,
			PIDsLimit:      64,
			MountWorkdir:   true,
			Description:    "Base sandbox with the configured workdir mounted at /workspace.",
		},
		{
			Name:           "browser",
			Image:          "jkaninda/sanduku-browser:latest",
			Security:       SecurityStandard,
			DefaultTimeout: 60 * time.Minute,
			MemoryMB:       1024,
			CPUCores:       1.0,
			PIDsLimit:      256,
			Env:            map[string]string{"DISPLAY": ":99"},
			Description:    "Headless browser automation; networking enabled.",
		},
	}
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
