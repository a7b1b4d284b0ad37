// Package nats provides the NATS transport for leopard, built on the nats.go
// micro-services API. Each worker gets its own connection and service
// registration; NATS queue groups balance requests across them.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/drblury/leopard/internal/runtime/metadata"
	"github.com/drblury/leopard/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ErrorCode is sent in the Nats-Service-Error-Code header of every error response.
const ErrorCode = "500"

// DefaultServiceVersion is announced when the service config carries no
// version; the micro API requires a semantic version.
const DefaultServiceVersion = "0.0.1"

type natsConn interface {
	Drain() error
	IsClosed() bool
}

// microService is the part of micro.Service the transport uses.
type microService interface {
	AddEndpoint(name string, handler micro.Handler, opts ...micro.EndpointOpt) error
	AddGroup(name string, opts ...micro.GroupOpt) micro.Group
	Stop() error
}

// connect and addService are swapped out in tests.
var connect = func(url string, opts ...nats.Option) (natsConn, error) {
	return nats.Connect(url, opts...)
}

var addService = func(nc natsConn, cfg micro.Config) (microService, error) {
	conn, ok := nc.(*nats.Conn)
	if !ok {
		return nil, fmt.Errorf("nats: unexpected connection type %T", nc)
	}
	return micro.AddService(conn, cfg)
}

func init() {
	Register()
}

// Register adds the NATS dialer to the default transport registry.
func Register() {
	transport.Register(TransportName, &Dialer{})
}

// Dialer connects workers to a NATS server. Options are passed to nats.Connect
// for every connection.
type Dialer struct {
	Options []nats.Option
}

// Dial connects to the NATS server at target (a nats:// URL, or a comma
// separated list of them).
func (d *Dialer) Dial(ctx context.Context, target string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target == "" {
		target = nats.DefaultURL
	}
	nc, err := connect(target, d.Options...)
	if err != nil {
		return nil, err
	}
	return &connection{nc: nc}, nil
}

type connection struct {
	nc natsConn
}

func (c *connection) RegisterService(cfg transport.ServiceConfig) (transport.Service, error) {
	version := cfg.Version
	if version == "" {
		version = DefaultServiceVersion
	}
	svc, err := addService(c.nc, micro.Config{
		Name:        cfg.Name,
		Version:     version,
		Description: cfg.Description,
		Metadata:    cfg.Metadata,
		QueueGroup:  cfg.QueueGroup,
	})
	if err != nil {
		return nil, err
	}
	return &service{svc: svc}, nil
}

// Close drains the connection so replies already in flight are flushed.
func (c *connection) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

type service struct {
	svc microService
}

func (s *service) AddGroup(cfg transport.GroupConfig) (transport.Group, error) {
	return addGroup(s.svc, cfg)
}

func (s *service) AddEndpoint(cfg transport.EndpointConfig, cb transport.Callback) error {
	return s.svc.AddEndpoint(cfg.Name, handler(cb), endpointOptions(cfg)...)
}

func (s *service) Stop() error {
	return s.svc.Stop()
}

type groupAdder interface {
	AddGroup(name string, opts ...micro.GroupOpt) micro.Group
}

func addGroup(parent groupAdder, cfg transport.GroupConfig) (transport.Group, error) {
	if cfg.Name == "" {
		return nil, errors.New("nats: group name is required")
	}
	var opts []micro.GroupOpt
	if cfg.QueueGroup != "" {
		opts = append(opts, micro.WithGroupQueueGroup(cfg.QueueGroup))
	}
	g := parent.AddGroup(cfg.Name, opts...)
	if g == nil {
		return nil, fmt.Errorf("nats: could not add group %q", cfg.Name)
	}
	return &group{name: cfg.Name, g: g}, nil
}

type group struct {
	name string
	g    micro.Group
}

func (g *group) Name() string { return g.name }

func (g *group) AddGroup(cfg transport.GroupConfig) (transport.Group, error) {
	return addGroup(g.g, cfg)
}

func (g *group) AddEndpoint(cfg transport.EndpointConfig, cb transport.Callback) error {
	return g.g.AddEndpoint(cfg.Name, handler(cb), endpointOptions(cfg)...)
}

func endpointOptions(cfg transport.EndpointConfig) []micro.EndpointOpt {
	opts := []micro.EndpointOpt{micro.WithEndpointSubject(cfg.SubjectOrName())}
	if cfg.QueueGroup != "" {
		opts = append(opts, micro.WithEndpointQueueGroup(cfg.QueueGroup))
	}
	if len(cfg.Metadata) > 0 {
		opts = append(opts, micro.WithEndpointMetadata(cfg.Metadata))
	}
	return opts
}

func handler(cb transport.Callback) micro.Handler {
	return micro.HandlerFunc(func(req micro.Request) {
		cb(&request{req: req})
	})
}

// request adapts micro.Request to transport.RawMessage.
type request struct {
	req micro.Request
}

func (r *request) Subject() string { return r.req.Subject() }

func (r *request) Payload() []byte { return r.req.Data() }

func (r *request) Headers() map[string]string {
	return metadata.FromHeaders(map[string][]string(r.req.Headers()))
}

func (r *request) Respond(data []byte) error { return r.req.Respond(data) }

func (r *request) RespondWithError(description string) error {
	return r.req.Error(ErrorCode, description, nil)
}
