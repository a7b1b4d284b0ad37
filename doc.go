// Package leopard runs request/reply micro-services on NATS. An application
// registers endpoints and groups on a Registry and hands it to Run, which
// starts a pool of workers. Each worker dials the transport, announces the
// service through the NATS micro API and attaches every endpoint, so NATS
// spreads requests across the workers of a queue group.
//
// Handlers receive a *Message and return an Outcome: Success(v) sends v back
// as the response, Failure(v) sends an error response described by v. Errors
// and panics raised by a handler become error responses too; the request is
// always answered exactly once.
//
// # Groups
//
// Groups give endpoints a subject prefix and an optional queue group. A group
// may name a parent group; the chain is resolved when the worker starts and
// a missing parent or a cycle is reported as a ConfigurationError.
//
// # Middleware
//
// Middleware wraps the dispatch of a message. Registrations added with
// Registry.Use run innermost, RunOptions.Middlewares outside them.
// DefaultMiddlewares derives the framework chain from Config: correlation
// IDs, payload logging, OpenTelemetry tracing, Prometheus metrics and rate
// limiting. HooksMiddleware and RecovererMiddleware are opt-in.
//
// # Configuration
//
// LoadConfig reads a YAML file and LEOPARD_* environment overrides, BindFlags
// exposes the common settings as command line flags and RunWithConfig turns
// the result into a running pool, including the optional status API and the
// request journal.
//
// # Shutdown
//
// SIGINT, SIGTERM and SIGQUIT, cancelling the context passed to Run, or
// calling Pool.Shutdown stop every worker once. Further signals are ignored.
package leopard
