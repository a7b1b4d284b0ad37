package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	configpkg "github.com/drblury/leopard/internal/runtime/config"
	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	idspkg "github.com/drblury/leopard/internal/runtime/ids"
	"github.com/drblury/leopard/internal/runtime/journal"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	"github.com/drblury/leopard/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a middleware for one worker. Returning a nil
// middleware and nil error skips it.
type MiddlewareBuilder func(*Worker) (Middleware, error)

// MiddlewareRegistration captures a middleware added to the pipeline, either
// ready-made or built per worker.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

func (r MiddlewareRegistration) displayName() string {
	if r.Name == "" {
		return "anonymous_middleware"
	}
	return r.Name
}

func (r MiddlewareRegistration) validate() error {
	if r.Middleware == nil && r.Builder == nil {
		return errspkg.NewConfigurationError(fmt.Sprintf("middleware %q", r.displayName()), errors.New("registration requires Middleware or Builder"))
	}
	return nil
}

func (r MiddlewareRegistration) build(w *Worker) (Middleware, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.Middleware != nil {
		return r.Middleware, nil
	}
	mw, err := r.Builder(w)
	if err != nil {
		return nil, fmt.Errorf("build middleware %s: %w", r.displayName(), err)
	}
	return mw, nil
}

// DefaultMiddlewares returns the framework chain selected by cfg. It runs
// outside the middleware registered on the Registry.
func DefaultMiddlewares(cfg configpkg.Config) []MiddlewareRegistration {
	regs := []MiddlewareRegistration{CorrelationIDMiddleware()}
	if cfg.LogMessages {
		regs = append(regs, LogMessagesMiddleware(nil))
	}
	if cfg.TracingEnabled {
		regs = append(regs, TracerMiddleware())
	}
	if cfg.MetricsEnabled {
		regs = append(regs, MetricsMiddleware(nil))
	}
	if cfg.RateLimit > 0 {
		regs = append(regs, RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	return regs
}

// CorrelationIDMiddleware ensures each request carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: MiddlewareFunc(func(next MessageFunc) MessageFunc {
			return func(msg *Message) error {
				if msg.Headers.Get(metadata.KeyCorrelationID) == "" {
					msg.Headers[metadata.KeyCorrelationID] = idspkg.CreateULID()
				}
				return next(msg)
			}
		}),
	}
}

// LogMessagesMiddleware logs the payload and headers of every request at
// debug level. A nil logger uses the worker's.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(w *Worker) (Middleware, error) {
			l := logger
			if l == nil {
				l = w.Logger()
			}
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) error {
					l.Debug("Processing message", withField(withField(messageFields(msg), "payload", string(msg.Payload())), "headers", msg.Headers))
					return next(msg)
				}
			}), nil
		},
	}
}

const tracerName = "github.com/drblury/leopard"

// TracerMiddleware continues the caller's trace from the request headers and
// wraps processing in a server span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(w *Worker) (Middleware, error) {
			tracer := otel.Tracer(tracerName)
			service := w.ServiceName()
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) error {
					ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Headers))
					ctx, span := tracer.Start(ctx, msg.Endpoint(),
						trace.WithSpanKind(trace.SpanKindServer),
						trace.WithAttributes(
							attribute.String("messaging.destination.name", msg.Subject()),
							attribute.String("leopard.service", service),
							attribute.String("leopard.endpoint", msg.Endpoint()),
							attribute.Int("leopard.instance", msg.Instance().ID),
						),
					)
					defer span.End()
					msg.SetContext(ctx)

					err := next(msg)

					result := msg.Result()
					span.SetAttributes(attribute.String("leopard.result", string(result)))
					switch {
					case err != nil:
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
					case result.Failed():
						desc := string(result)
						if resErr := msg.Err(); resErr != nil {
							desc = resErr.Error()
						}
						span.SetStatus(codes.Error, desc)
					default:
						span.SetStatus(codes.Ok, "")
					}
					return err
				}
			}), nil
		},
	}
}

type messageMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	metricsMu    sync.Mutex
	metricsByReg = map[prometheus.Registerer]*messageMetrics{}
)

// sharedMetrics registers the collectors once per registerer so every worker
// of every pool reports into the same series.
func sharedMetrics(reg prometheus.Registerer) (*messageMetrics, error) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if m, ok := metricsByReg[reg]; ok {
		return m, nil
	}

	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leopard",
		Name:      "messages_total",
		Help:      "Requests handled, by service, endpoint and result.",
	}, []string{"service", "endpoint", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leopard",
		Name:      "message_duration_seconds",
		Help:      "Time spent processing a request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "endpoint"})

	var err error
	if total, err = registerCollector(reg, total); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}

	m := &messageMetrics{total: total, duration: duration}
	metricsByReg[reg] = m
	return m, nil
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// MetricsMiddleware records request counts and durations in Prometheus. A nil
// registerer uses prometheus.DefaultRegisterer.
func MetricsMiddleware(reg prometheus.Registerer) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(w *Worker) (Middleware, error) {
			r := reg
			if r == nil {
				r = prometheus.DefaultRegisterer
			}
			m, err := sharedMetrics(r)
			if err != nil {
				return nil, err
			}
			service := w.ServiceName()
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) error {
					start := time.Now()
					err := next(msg)
					result := string(msg.Result())
					if err != nil && result == "" {
						result = string(ResultError)
					}
					m.total.WithLabelValues(service, msg.Endpoint(), result).Inc()
					m.duration.WithLabelValues(service, msg.Endpoint()).Observe(time.Since(start).Seconds())
					return err
				}
			}), nil
		},
	}
}

// ErrRateLimited is the description sent when RateLimitMiddleware rejects a request.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware applies a token bucket per endpoint on each worker.
// Requests over the limit get an error response without reaching the handler.
// A burst below one is raised to one.
func RateLimitMiddleware(rps float64, burst int) MiddlewareRegistration {
	if burst <= 0 {
		burst = 1
	}
	return MiddlewareRegistration{
		Name: "rate_limit",
		Builder: func(w *Worker) (Middleware, error) {
			if rps <= 0 {
				return nil, nil
			}
			limiter := &endpointLimiter{limit: rate.Limit(rps), burst: burst, byEndpoint: map[string]*rate.Limiter{}}
			logger := w.Logger()
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) error {
					if limiter.allow(msg.Endpoint()) {
						return next(msg)
					}
					msg.SetResult(ResultRejected, ErrRateLimited)
					logger.Debug("Rate limit exceeded", messageFields(msg))
					return msg.RespondWithError(ErrRateLimited)
				}
			}), nil
		},
	}
}

type endpointLimiter struct {
	limit      rate.Limit
	burst      int
	mu         sync.Mutex
	byEndpoint map[string]*rate.Limiter
}

func (l *endpointLimiter) allow(endpoint string) bool {
	l.mu.Lock()
	lim, ok := l.byEndpoint[endpoint]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byEndpoint[endpoint] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RecovererMiddleware contains panics raised by the middleware registered
// after it. The panic is logged, answered with an error response if nothing
// was sent yet, and returned as an error.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(w *Worker) (Middleware, error) {
			logger := w.Logger()
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) (err error) {
					defer func() {
						r := recover()
						if r == nil {
							return
						}
						panicErr := errspkg.NewPanicError(r)
						if msg.Result() == ResultPending {
							msg.SetResult(ResultError, panicErr)
						}
						logger.Error("Recovered panic in middleware", panicErr, withField(messageFields(msg), "stack", panicErr.StackTrace()))
						if !msg.Responded() {
							_ = msg.RespondWithError(panicErr.Error())
						}
						err = panicErr
					}()
					return next(msg)
				}
			}), nil
		},
	}
}

// JournalMiddleware publishes one record per request once the rest of the
// chain has finished. Publish failures are logged and do not affect the reply.
func JournalMiddleware(j *journal.Journal) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "journal",
		Builder: func(w *Worker) (Middleware, error) {
			if j == nil {
				return nil, nil
			}
			service := w.ServiceName()
			logger := w.Logger()
			return MiddlewareFunc(func(next MessageFunc) MessageFunc {
				return func(msg *Message) error {
					start := time.Now()
					err := next(msg)

					rec := journal.Record{
						Time:          msg.ReceivedAt().UTC(),
						Service:       service,
						Instance:      msg.Instance().ID,
						Endpoint:      msg.Endpoint(),
						Subject:       msg.Subject(),
						Result:        string(msg.Result()),
						DurationMs:    float64(time.Since(start).Microseconds()) / 1000,
						CorrelationID: msg.CorrelationID(),
					}
					switch {
					case err != nil:
						rec.Error = err.Error()
						if rec.Result == "" {
							rec.Result = string(ResultError)
						}
					case msg.Err() != nil:
						rec.Error = msg.Err().Error()
					}
					if pubErr := j.Publish(msg.Context(), rec); pubErr != nil {
						logger.Error("Failed to publish journal record", pubErr, messageFields(msg))
					}
					return err
				}
			}), nil
		},
	}
}
