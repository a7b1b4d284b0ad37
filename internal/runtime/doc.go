/*
Package runtime implements request/response services on top of a transport
such as NATS.

# Architecture Overview

Applications describe their service with a Registry: named endpoints, optional
groups that prefix endpoint subjects, middleware and per-worker initialisers.
Run takes a snapshot of the registry and starts a Pool of workers. Each Worker
owns its own transport connection and service registration and attaches every
endpoint to it, so requests are spread across workers by the transport's queue
groups.

# Package Structure

## Registration (registry.go, typed.go)

  - Registry.Endpoint registers a Handler under a name, optionally with a
    subject, queue group or group.
  - Registry.Group declares a group; parents may be declared in any order.
  - JSONHandler and ProtoHandler decode the payload into a typed value.

## Topology (topology.go)

Groups are resolved parent first and created once per worker. A missing parent
or a parent cycle is a ConfigurationError naming the group.

## Dispatch (pipeline.go, message.go, outcome.go)

Every request becomes a Message and runs through the composed middleware
chain. The innermost stage calls the handler and turns its Outcome into one
response:

  - Success(v) sends v, encoded as JSON unless it is a string, bytes or a
    protobuf message.
  - Failure(v) sends an error response described by v.
  - A handler error or panic sends an error response with the error text.
  - The zero Outcome sends nothing and is reported as a ResultError.

## Middleware (middleware.go, hooks.go)

Built-ins cover correlation ids, message logging, tracing, Prometheus metrics,
rate limiting, panic recovery, the request journal and lifecycle hooks.
DefaultMiddlewares derives the framework chain from configuration.

## Workers and Pool (worker.go, pool.go, status.go)

Run waits until every worker is set up. A termination signal, cancellation of
the Run context or Pool.Shutdown triggers a single shutdown that stops every
worker, waits for them, closes the status server and the journal, and then
closes Pool.Done.

## Stats (stats.go, resources.go)

Per-endpoint counters, latency percentiles and throughput are shared by all
workers of a pool. The optional status server serves them on /api/endpoints,
the workers on /api/workers and process CPU and memory on /api/process.
*/
package runtime
