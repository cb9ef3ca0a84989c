// Package bridge defines the read-only view the dashboard holds on a running
// bridge worker, the registry of those views, and two implementations: an
// in-process worker backed by a queue store and a remote worker polled over
// HTTP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tohenk/bridgeui/internal/logs"
)

var (
	ErrDuplicateBridge = errors.New("bridge already registered")
	ErrEmptyName       = errors.New("bridge name is required")
)

// Handle is a capability reference to one bridge. Implementations own their
// state; callers only read through these methods.
//
// Last and Current return nil when the bridge has nothing to report.
type Handle interface {
	Name() string
	Stats(ctx context.Context) (map[string]int64, error)
	Last(ctx context.Context) (fmt.Stringer, error)
	Current(ctx context.Context) (fmt.Stringer, error)
	Logs(ctx context.Context, afterSeq uint64) ([]logs.Entry, error)
}

// Restarter is implemented by bridges that can be restarted on request.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Status is one consistent reading of a bridge's counters and references.
type Status struct {
	Stat    map[string]int64
	Last    fmt.Stringer
	Current fmt.Stringer
}

// StatusReader is implemented by bridges that can report Stats, Last and
// Current in a single read. Pollers prefer it over the three calls.
type StatusReader interface {
	Status(ctx context.Context) (Status, error)
}

// Text is a plain string reference, as reported by remote bridges.
type Text string

func (t Text) String() string { return string(t) }

// Registry maps bridge names to handles and remembers registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Handle
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Handle)}
}

func (r *Registry) Register(h Handle) error {
	if h == nil {
		return errors.New("nil bridge handle")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBridge, name)
	}
	r.byName[name] = h
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Handles returns the registered handles in registration order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

type NamedRestarter struct {
	Name string
	Restarter
}

// Restarters returns the handles that support Restart, in registration order.
func (r *Registry) Restarters() []NamedRestarter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedRestarter, 0, len(r.order))
	for _, name := range r.order {
		if rs, ok := r.byName[name].(Restarter); ok {
			out = append(out, NamedRestarter{Name: name, Restarter: rs})
		}
	}
	return out
}
