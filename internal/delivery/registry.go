package delivery

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps channel names to channels. It is built once at startup;
// adding a transport means registering another Channel.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates a registry holding channels. Duplicate names panic,
// since that is a wiring mistake.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		if err := r.Register(ch); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds ch under ch.Name().
func (r *Registry) Register(ch Channel) error {
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("register channel: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("register channel: %q already registered", name)
	}
	r.channels[name] = ch
	return nil
}

// Resolve returns the channel registered under name.
func (r *Registry) Resolve(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	return ch, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
