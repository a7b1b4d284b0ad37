package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	"github.com/drblury/leopard/internal/runtime/metadata"
)

// RequestContext provides information about a request to hooks.
type RequestContext struct {
	Endpoint      string
	Subject       string
	CorrelationID string
	Headers       metadata.Metadata
	Context       context.Context
	Instance      int
	StartedAt     time.Time
	// Duration and Result are only set in OnDone and OnError.
	Duration time.Duration
	Result   Result
}

// Hooks defines callbacks for request lifecycle events. Nil hooks are skipped.
type Hooks struct {
	// OnStart is called before the rest of the pipeline runs.
	OnStart func(ctx RequestContext)
	// OnDone is called when the request ended in a success response.
	OnDone func(ctx RequestContext)
	// OnError is called for failures, handler errors, rejected requests and
	// pipeline errors.
	OnError func(ctx RequestContext, err error)
}

// Merge combines two Hooks; the hooks from other run after those of h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(RequestContext)) func(RequestContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RequestContext, error)) func(RequestContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes hooks around the rest of the pipeline.
func HooksMiddleware(hooks Hooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "hooks",
		Middleware: MiddlewareFunc(func(next MessageFunc) MessageFunc { return hooksStage(hooks, next) }),
	}
}

func hooksStage(hooks Hooks, next MessageFunc) MessageFunc {
	return func(msg *Message) error {
		reqCtx := RequestContext{
			Endpoint:      msg.Endpoint(),
			Subject:       msg.Subject(),
			CorrelationID: msg.CorrelationID(),
			Headers:       msg.Headers,
			Context:       msg.Context(),
			Instance:      msg.Instance().ID,
			StartedAt:     time.Now(),
		}
		if hooks.OnStart != nil {
			hooks.OnStart(reqCtx)
		}

		err := next(msg)

		reqCtx.Duration = time.Since(reqCtx.StartedAt)
		reqCtx.Result = msg.Result()
		reqCtx.CorrelationID = msg.CorrelationID()

		failure := err
		if failure == nil && reqCtx.Result.Failed() {
			failure = msg.Err()
		}
		switch {
		case failure != nil:
			if hooks.OnError != nil {
				hooks.OnError(reqCtx, failure)
			}
		case hooks.OnDone != nil:
			hooks.OnDone(reqCtx)
		}
		return err
	}
}

// LoggingHooks returns hooks that log request lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnStart: func(ctx RequestContext) {
			logger.Debug("Request started", loggingpkg.LogFields{
				"endpoint":       ctx.Endpoint,
				"subject":        ctx.Subject,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnDone: func(ctx RequestContext) {
			logger.Info("Request completed", loggingpkg.LogFields{
				"endpoint":       ctx.Endpoint,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx RequestContext, err error) {
			logger.Error("Request failed", err, loggingpkg.LogFields{
				"endpoint":       ctx.Endpoint,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"result":         string(ctx.Result),
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for every failed request.
func AlertingHooks(alertFunc func(ctx RequestContext, err error)) Hooks {
	return Hooks{OnError: alertFunc}
}
