package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	"github.com/drblury/leopard/transport"
)

// ServiceOptions describe the service each worker registers.
type ServiceOptions struct {
	Name        string
	Version     string
	Description string
	Metadata    map[string]string
	// QueueGroup is the default queue group for endpoints without one of
	// their own or inherited from a group.
	QueueGroup string
}

func (o ServiceOptions) transportConfig() transport.ServiceConfig {
	return transport.ServiceConfig{
		Name:        o.Name,
		Version:     o.Version,
		Description: o.Description,
		Metadata:    o.Metadata,
		QueueGroup:  o.QueueGroup,
	}
}

// WorkerDeps are the collaborators a worker needs.
type WorkerDeps struct {
	Dialer transport.Dialer
	Logger loggingpkg.ServiceLogger
	// Middlewares run outside the registry's middleware.
	Middlewares  []MiddlewareRegistration
	Stats        *StatsRegistry
	InstanceArgs map[string]any
}

// Worker owns one transport connection and one service registration, with
// every registry endpoint attached to it.
type Worker struct {
	id       int
	snapshot Snapshot
	deps     WorkerDeps
	instance Instance
	logger   loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	serviceName string
	conn        transport.Connection
	svc         transport.Service
	groups      map[string]*GroupHandle
	attached    []AttachedEndpoint

	stopOnce sync.Once
	stopErr  error
	stopped  atomic.Bool
	done     chan struct{}
}

// NewWorker prepares a worker. Nothing touches the transport until Setup.
func NewWorker(id int, snapshot Snapshot, deps WorkerDeps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:       id,
		snapshot: snapshot,
		deps:     deps,
		instance: Instance{ID: id, Args: deps.InstanceArgs},
		logger:   logger.With(loggingpkg.LogFields{"instance": id}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) Instance() Instance { return w.instance }

func (w *Worker) Logger() loggingpkg.ServiceLogger { return w.logger }

// Context is cancelled when the worker stops.
func (w *Worker) Context() context.Context { return w.ctx }

// ServiceName returns the name the worker registered under, once set up.
func (w *Worker) ServiceName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.serviceName
}

// Endpoints lists the endpoints attached by Setup.
func (w *Worker) Endpoints() []AttachedEndpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]AttachedEndpoint(nil), w.attached...)
}

// Groups returns the resolved group handles keyed by group name.
func (w *Worker) Groups() map[string]*GroupHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*GroupHandle, len(w.groups))
	for k, v := range w.groups {
		out[k] = v
	}
	return out
}

// Done is closed once Stop has completed.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Stopped() bool { return w.stopped.Load() }

// Setup dials target, registers the service, runs initialisers, builds the
// middleware chain, resolves groups and attaches endpoints. On failure
// everything acquired so far is released and the worker is stopped.
func (w *Worker) Setup(ctx context.Context, target string, opts ServiceOptions) error {
	if w.deps.Dialer == nil {
		return errspkg.ErrDialerRequired
	}
	if opts.Name == "" {
		return errspkg.ErrServiceNameRequired
	}

	conn, err := w.deps.Dialer.Dial(ctx, target)
	if err != nil {
		w.Stop()
		return errspkg.NewConnectionError(target, err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	svc, err := conn.RegisterService(opts.transportConfig())
	if err != nil {
		w.Stop()
		return errspkg.NewConnectionError(target, fmt.Errorf("register service %q: %w", opts.Name, err))
	}
	w.mu.Lock()
	w.svc = svc
	w.serviceName = opts.Name
	w.mu.Unlock()
	w.logger = w.logger.With(loggingpkg.LogFields{"service": opts.Name})

	if err := w.setupService(ctx, svc, opts); err != nil {
		w.Stop()
		return err
	}

	w.logger.Info("Worker ready", loggingpkg.LogFields{"endpoints": len(w.Endpoints())})
	return nil
}

func (w *Worker) setupService(ctx context.Context, svc transport.Service, opts ServiceOptions) error {
	for _, initFn := range w.snapshot.Initializers {
		if err := initFn(ctx, w.instance); err != nil {
			return fmt.Errorf("worker %d initializer: %w", w.id, err)
		}
	}

	mws, err := w.buildMiddlewares()
	if err != nil {
		return err
	}

	groups, err := resolveGroups(svc, w.snapshot.Groups, w.snapshot.GroupOrder)
	if err != nil {
		return err
	}

	attached, err := attachEndpoints(svc, opts.QueueGroup, groups, w.snapshot.Endpoints, func(ep Endpoint) transport.Callback {
		return w.callback(ep, Compose(handlerStage(ep.Handler, w.logger), mws))
	})

	w.mu.Lock()
	w.groups = groups
	w.attached = attached
	w.mu.Unlock()
	return err
}

func (w *Worker) buildMiddlewares() ([]Middleware, error) {
	regs := make([]MiddlewareRegistration, 0, len(w.deps.Middlewares)+len(w.snapshot.Middlewares))
	regs = append(regs, w.deps.Middlewares...)
	regs = append(regs, w.snapshot.Middlewares...)

	mws := make([]Middleware, 0, len(regs))
	for _, reg := range regs {
		mw, err := reg.build(w)
		if err != nil {
			return nil, err
		}
		if mw != nil {
			mws = append(mws, mw)
		}
	}
	return mws, nil
}

// callback is what the transport invokes for every request to ep.
func (w *Worker) callback(ep Endpoint, app MessageFunc) transport.Callback {
	return func(raw transport.RawMessage) {
		msg := newMessage(w.ctx, raw, ep.Name, w.instance)

		var stats *EndpointStats
		if w.deps.Stats != nil {
			stats = w.deps.Stats.endpoint(AttachedEndpoint{Name: ep.Name, Subject: raw.Subject(), Group: ep.Group})
			stats.onStart()
		}
		start := time.Now()

		err := app(msg)

		if stats != nil {
			resErr := msg.Err()
			if err != nil {
				resErr = err
			}
			stats.onFinish(time.Since(start), msg.Result(), resErr)
		}
		if err == nil {
			return
		}

		fields := messageFields(msg)
		if errspkg.IsResult(err) {
			w.logger.Error("Handler broke the outcome contract, no response sent", err, fields)
			return
		}
		w.logger.Error("Message pipeline failed", err, fields)
	}
}

// Stop stops the service and closes the connection. It is idempotent and safe
// to call from any goroutine; every call returns the first call's result.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		svc, conn := w.svc, w.conn
		w.mu.Unlock()

		var errs []error
		if svc != nil {
			if err := svc.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop service: %w", err))
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		w.cancel()
		w.stopErr = errors.Join(errs...)
		w.stopped.Store(true)
		close(w.done)

		if svc != nil {
			w.logger.Info("Worker stopped", nil)
		}
	})
	return w.stopErr
}
