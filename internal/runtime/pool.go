package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/leopard/internal/runtime/config"
	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	"github.com/drblury/leopard/internal/runtime/journal"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	"github.com/drblury/leopard/transport"
)

// DefaultSignals trigger the shutdown protocol unless RunOptions overrides them.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}

// notifySignals registers ch for sigs and returns a function undoing it.
var notifySignals = func(ch chan<- os.Signal, sigs ...os.Signal) func() {
	signal.Notify(ch, sigs...)
	return func() { signal.Stop(ch) }
}

// RunOptions configure a worker pool.
type RunOptions struct {
	// Target is the transport address each worker dials.
	Target  string
	Service ServiceOptions
	// Instances is the number of workers; zero means one.
	Instances int
	// InstanceArgs must be a map (or nil). Every worker receives its own
	// shallow copy keyed by fmt.Sprint of the original keys. Two keys that
	// print the same, such as 1 and "1", are a configuration error.
	InstanceArgs any
	// Blocking makes Run return only after the pool has shut down.
	Blocking bool

	// Dialer connects workers to the transport. When nil it is looked up by
	// Transport in transport.DefaultRegistry.
	Dialer    transport.Dialer
	Transport string
	Logger    loggingpkg.ServiceLogger
	// Middlewares run outside the registry's middleware, in order.
	Middlewares []MiddlewareRegistration

	// Signals overrides DefaultSignals. IgnoreSignals disables signal handling.
	Signals       []os.Signal
	IgnoreSignals bool

	// StatusAddr enables the status HTTP server when set.
	StatusAddr               string
	StatusCORSAllowedOrigins []string
	StatusMetrics            bool
	ShutdownTimeout          time.Duration

	// Journal, when set, receives a record for every request and is closed
	// on shutdown.
	Journal *journal.Journal
}

// Pool is the live set of workers started by Run.
type Pool struct {
	opts   RunOptions
	logger loggingpkg.ServiceLogger
	stats  *StatsRegistry
	eg     *errgroup.Group

	mu      sync.Mutex
	workers []*Worker

	status      *statusServer
	stopSignals func()

	closing     atomic.Bool
	done        chan struct{}
	shutdownErr error
}

// Run starts opts.Instances workers serving the endpoints in reg and waits
// until every one of them is set up. If any worker fails to start, the pool
// is shut down and the joined startup errors are returned.
func Run(ctx context.Context, reg *Registry, opts RunOptions) (*Pool, error) {
	if reg == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts, args, err := normalizeRunOptions(opts)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		opts:   opts,
		logger: opts.Logger.With(loggingpkg.LogFields{"service": opts.Service.Name}),
		stats:  NewStatsRegistry(),
		eg:     &errgroup.Group{},
		done:   make(chan struct{}),
	}
	p.eg.SetLimit(opts.Instances)

	if err := p.start(ctx, reg.Snapshot(), args); err != nil {
		return nil, err
	}

	p.superviseSignals(ctx)

	if opts.Blocking {
		<-p.done
		return p, p.shutdownErr
	}
	return p, nil
}

func normalizeRunOptions(opts RunOptions) (RunOptions, map[string]any, error) {
	if opts.Instances < 0 {
		return opts, nil, errspkg.NewConfigurationError("instances", fmt.Errorf("must not be negative, got %d", opts.Instances))
	}
	if opts.Instances == 0 {
		opts.Instances = configpkg.DefaultInstances
	}
	args, err := instanceArgs(opts.InstanceArgs)
	if err != nil {
		return opts, nil, err
	}
	if opts.Service.Name == "" {
		return opts, nil, errspkg.ErrServiceNameRequired
	}
	if opts.Dialer == nil {
		name := opts.Transport
		if name == "" {
			name = configpkg.DefaultTransport
		}
		dialer, err := transport.Lookup(name)
		if err != nil {
			return opts, nil, errspkg.NewConfigurationError("transport", err)
		}
		opts.Dialer = dialer
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewSlogServiceLogger(slog.Default())
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = configpkg.DefaultShutdownTimeout
	}
	if opts.Signals == nil {
		opts.Signals = DefaultSignals
	}
	if opts.Journal != nil {
		opts.Middlewares = append(append([]MiddlewareRegistration(nil), opts.Middlewares...), JournalMiddleware(opts.Journal))
	}
	return opts, args, nil
}

// instanceArgs accepts nil or any map kind and converts it to map[string]any.
// Keys whose printed forms collide are rejected.
func instanceArgs(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, errspkg.NewConfigurationError("instance args", fmt.Errorf("must be a map, got %T", v))
	}
	if rv.IsNil() {
		return nil, nil
	}
	out := make(map[string]any, rv.Len())
	origin := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().Interface()
		name := fmt.Sprint(key)
		if prev, ok := origin[name]; ok {
			return nil, errspkg.NewConfigurationError("instance args", fmt.Errorf("keys %#v and %#v both print as %q", prev, key, name))
		}
		origin[name] = key
		out[name] = iter.Value().Interface()
	}
	return out, nil
}

func (p *Pool) start(ctx context.Context, snapshot Snapshot, args map[string]any) error {
	n := p.opts.Instances
	ready := make(chan error, n)

	p.logger.Info("Starting worker pool", loggingpkg.LogFields{"instances": n, "target": p.opts.Target})

	for i := 1; i <= n; i++ {
		w := NewWorker(i, snapshot, WorkerDeps{
			Dialer:       p.opts.Dialer,
			Logger:       p.opts.Logger,
			Middlewares:  p.opts.Middlewares,
			Stats:        p.stats,
			InstanceArgs: maps.Clone(args),
		})
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()

		p.eg.Go(func() error {
			if err := w.Setup(ctx, p.opts.Target, p.opts.Service); err != nil {
				err = fmt.Errorf("worker %d: %w", w.ID(), err)
				ready <- err
				return err
			}
			ready <- nil
			<-w.Done()
			return nil
		})
	}

	var errs []error
	for i := 0; i < n; i++ {
		if err := <-ready; err != nil {
			p.logger.Error("Worker failed to start", err, nil)
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 && p.opts.StatusAddr != "" {
		status := newStatusServer(p.stats, p.Workers, p.opts.StatusCORSAllowedOrigins, p.opts.StatusMetrics, p.logger)
		if err := status.start(p.opts.StatusAddr); err != nil {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		} else {
			p.status = status
		}
	}

	if len(errs) > 0 {
		startErr := errors.Join(errs...)
		if err := p.Shutdown(); err != nil {
			return errors.Join(startErr, err)
		}
		return startErr
	}

	p.logger.Info("Worker pool started", loggingpkg.LogFields{"instances": n})
	return nil
}

// superviseSignals starts the goroutine that turns a termination signal or
// ctx cancellation into one call to Shutdown. Signals arriving while the
// shutdown runs stay registered and are dropped.
func (p *Pool) superviseSignals(ctx context.Context) {
	var sigCh chan os.Signal
	if !p.opts.IgnoreSignals && len(p.opts.Signals) > 0 {
		sigCh = make(chan os.Signal, 1)
		p.stopSignals = notifySignals(sigCh, p.opts.Signals...)
	}

	go func() {
		select {
		case sig := <-sigCh:
			p.logger.Info("Received signal, shutting down", loggingpkg.LogFields{"signal": sig.String()})
		case <-ctx.Done():
			p.logger.Info("Context cancelled, shutting down", nil)
		case <-p.done:
			return
		}
		_ = p.Shutdown()
	}()
}

// Shutdown stops every worker, waits for their goroutines, closes the status
// server and the journal, and then closes Done. It runs once; later calls
// wait for the first to finish and return its result.
func (p *Pool) Shutdown() error {
	if !p.closing.CompareAndSwap(false, true) {
		<-p.done
		return p.shutdownErr
	}

	workers := p.Workers()
	p.logger.Info("Shutting down worker pool", loggingpkg.LogFields{"workers": len(workers)})

	var errs []error
	for _, w := range workers {
		if err := w.Stop(); err != nil {
			p.logger.Error("Failed to stop worker", err, loggingpkg.LogFields{"instance": w.ID()})
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID(), err))
		}
	}

	if err := p.eg.Wait(); err != nil {
		p.logger.Debug("Worker group finished with startup error", loggingpkg.LogFields{"error": err.Error()})
	}

	if p.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
		if err := p.status.close(ctx); err != nil {
			p.logger.Error("Failed to close status server", err, nil)
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
		cancel()
	}

	if p.opts.Journal != nil {
		if err := p.opts.Journal.Close(); err != nil {
			p.logger.Error("Failed to close journal", err, nil)
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}

	if p.stopSignals != nil {
		p.stopSignals()
	}

	p.shutdownErr = errors.Join(errs...)
	close(p.done)
	p.logger.Info("Worker pool shut down", nil)
	return p.shutdownErr
}

// Done is closed once shutdown has completed.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Wait blocks until the pool has shut down and returns the shutdown result.
func (p *Pool) Wait() error {
	<-p.done
	return p.shutdownErr
}

// Closed reports whether shutdown has started.
func (p *Pool) Closed() bool { return p.closing.Load() }

// Workers returns the workers started by Run.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// Stats returns the endpoint statistics shared by all workers.
func (p *Pool) Stats() *StatsRegistry { return p.stats }

// StatusAddr returns the bound status server address, or "" when disabled.
func (p *Pool) StatusAddr() string {
	if p.status == nil {
		return ""
	}
	return p.status.addr()
}
