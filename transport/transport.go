// Package transport defines the request/reply contract the worker runtime
// needs from a messaging system. Implementations live in sub-packages (nats,
// memory) and register a Dialer with the transport registry.
package transport

import (
	"context"
)

// Dialer opens a connection to the transport. Target is implementation
// specific, for NATS it is the server URL.
type Dialer interface {
	Dial(ctx context.Context, target string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target string) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (Connection, error) {
	return f(ctx, target)
}

// Connection is one worker's link to the transport.
type Connection interface {
	RegisterService(cfg ServiceConfig) (Service, error)
	Close() error
}

// Container is anything endpoints and groups can be attached to: the service
// root or a group.
type Container interface {
	AddGroup(cfg GroupConfig) (Group, error)
	AddEndpoint(cfg EndpointConfig, cb Callback) error
}

// Service is a registered micro-service. Stop detaches every endpoint.
type Service interface {
	Container
	Stop() error
}

// Group is a named subject prefix with an optional queue group that nested
// groups and endpoints inherit.
type Group interface {
	Container
	Name() string
}

// RawMessage is an inbound request as delivered by the transport.
type RawMessage interface {
	Subject() string
	Payload() []byte
	Headers() map[string]string
	Respond(data []byte) error
	RespondWithError(description string) error
}

// Callback receives every request delivered to an endpoint. It may be called
// concurrently.
type Callback func(RawMessage)

// ServiceConfig describes the service announced on the transport.
type ServiceConfig struct {
	Name        string
	Version     string
	Description string
	Metadata    map[string]string
	// QueueGroup is the default queue group for every endpoint. Empty keeps the
	// transport's default.
	QueueGroup string
}

// GroupConfig describes a group added to a Container.
type GroupConfig struct {
	Name       string
	QueueGroup string
}

// EndpointConfig describes an endpoint added to a Container. An empty Subject
// means the endpoint name is used.
type EndpointConfig struct {
	Name       string
	Subject    string
	QueueGroup string
	Metadata   map[string]string
}

// SubjectOrName returns the configured subject, falling back to the name.
func (c EndpointConfig) SubjectOrName() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Name
}
