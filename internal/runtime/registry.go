package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/leopard/internal/runtime/errors"
)

// Endpoint is a named request handler. Subject defaults to Name; Queue and
// Group are optional.
type Endpoint struct {
	Name    string
	Subject string
	Queue   string
	Group   string
	Handler Handler
}

// Group is a named subject prefix. Parent names the enclosing group, if any.
type Group struct {
	Name   string
	Parent string
	Queue  string
}

// EndpointOption customises an endpoint at registration.
type EndpointOption func(*Endpoint)

// WithSubject overrides the subject the endpoint listens on.
func WithSubject(subject string) EndpointOption {
	return func(e *Endpoint) { e.Subject = subject }
}

// WithQueue sets the endpoint's queue group.
func WithQueue(queue string) EndpointOption {
	return func(e *Endpoint) { e.Queue = queue }
}

// InGroup attaches the endpoint under the named group.
func InGroup(group string) EndpointOption {
	return func(e *Endpoint) { e.Group = group }
}

// GroupOption customises a group at registration.
type GroupOption func(*Group)

// WithParent nests the group under parent.
func WithParent(parent string) GroupOption {
	return func(g *Group) { g.Parent = parent }
}

// WithGroupQueue sets the queue group inherited by the group's members.
func WithGroupQueue(queue string) GroupOption {
	return func(g *Group) { g.Queue = queue }
}

// Initializer runs once per worker after its service is registered and before
// endpoints are attached. An error aborts that worker's startup.
type Initializer func(ctx context.Context, inst Instance) error

// Registry collects endpoints, groups, middleware and initialisers. It is safe
// for concurrent use; workers only ever see a Snapshot.
type Registry struct {
	mu          sync.Mutex
	endpoints   []Endpoint
	endpointSet map[string]struct{}
	groups      map[string]Group
	groupOrder  []string
	middlewares []MiddlewareRegistration
	inits       []Initializer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpointSet: make(map[string]struct{}),
		groups:      make(map[string]Group),
	}
}

// Endpoint registers a handler under name.
func (r *Registry) Endpoint(name string, h Handler, opts ...EndpointOption) error {
	if name == "" {
		return errspkg.ErrEndpointNameRequired
	}
	if h == nil {
		return errspkg.NewConfigurationError(fmt.Sprintf("endpoint %q", name), errspkg.ErrHandlerRequired)
	}

	ep := Endpoint{Name: name, Handler: h}
	for _, opt := range opts {
		opt(&ep)
	}
	if ep.Subject == "" {
		ep.Subject = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.endpointSet[name]; dup {
		return errspkg.NewConfigurationError(fmt.Sprintf("endpoint %q", name), errors.New("already registered"))
	}
	r.endpointSet[name] = struct{}{}
	r.endpoints = append(r.endpoints, ep)
	return nil
}

// Group registers a group. Parents are checked when workers resolve the
// topology, so they may be declared in any order.
func (r *Registry) Group(name string, opts ...GroupOption) error {
	if name == "" {
		return errspkg.ErrGroupNameRequired
	}
	g := Group{Name: name}
	for _, opt := range opts {
		opt(&g)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.groups[name]; dup {
		return errspkg.NewConfigurationError(fmt.Sprintf("group %q", name), errors.New("already registered"))
	}
	r.groups[name] = g
	r.groupOrder = append(r.groupOrder, name)
	return nil
}

// Use appends a middleware. The first middleware registered is the outermost.
func (r *Registry) Use(reg MiddlewareRegistration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, reg)
	return nil
}

// Init registers a per-worker initialiser.
func (r *Registry) Init(fn Initializer) error {
	if fn == nil {
		return errspkg.NewConfigurationError("initializer", errors.New("function is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits = append(r.inits, fn)
	return nil
}

// Snapshot is an immutable copy of a Registry taken when workers are spawned.
type Snapshot struct {
	Endpoints    []Endpoint
	Groups       map[string]Group
	GroupOrder   []string
	Middlewares  []MiddlewareRegistration
	Initializers []Initializer
}

// Snapshot copies the registry. Later registrations do not affect it.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string]Group, len(r.groups))
	for k, v := range r.groups {
		groups[k] = v
	}
	return Snapshot{
		Endpoints:    append([]Endpoint(nil), r.endpoints...),
		Groups:       groups,
		GroupOrder:   append([]string(nil), r.groupOrder...),
		Middlewares:  append([]MiddlewareRegistration(nil), r.middlewares...),
		Initializers: append([]Initializer(nil), r.inits...),
	}
}
