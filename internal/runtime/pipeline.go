package runtime

import (
	"errors"

	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
)

// Handler processes one request. Returning an error, or panicking, produces an
// error response carrying the error text.
type Handler func(*Message) (Outcome, error)

// MessageFunc is one stage of the dispatch pipeline.
type MessageFunc func(*Message) error

// Middleware wraps the next stage of the pipeline.
type Middleware interface {
	Wrap(next MessageFunc) MessageFunc
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(next MessageFunc) MessageFunc

func (f MiddlewareFunc) Wrap(next MessageFunc) MessageFunc { return f(next) }

// Compose builds the pipeline around terminal. The first middleware in mws is
// the outermost one and sees the message first. Nil entries are skipped.
func Compose(terminal MessageFunc, mws []Middleware) MessageFunc {
	app := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		app = mws[i].Wrap(app)
	}
	return app
}

// handlerStage returns the innermost pipeline stage for h.
func handlerStage(h Handler, logger loggingpkg.ServiceLogger) MessageFunc {
	return func(msg *Message) error {
		return handleMessage(msg, h, logger)
	}
}

// handleMessage is the failure boundary around a handler: errors and panics
// become error responses and never reach the transport.
func handleMessage(msg *Message, h Handler, logger loggingpkg.ServiceLogger) error {
	outcome, err := invokeHandler(msg, h)
	if err != nil {
		msg.SetResult(ResultError, err)
		logger.Error("Error processing message", err, messageFields(msg))
		return respondError(msg, err.Error(), logger)
	}
	return processResult(msg, outcome, logger)
}

func invokeHandler(msg *Message, h Handler) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.NewPanicError(r)
		}
	}()
	return h(msg)
}

// processResult turns a handler outcome into exactly one response.
func processResult(msg *Message, outcome Outcome, logger loggingpkg.ServiceLogger) error {
	switch {
	case outcome.IsSuccess():
		data, err := jsoncodec.EncodePayload(outcome.Value())
		if err != nil {
			msg.SetResult(ResultError, err)
			logger.Error("Failed to encode response", err, messageFields(msg))
			return respondError(msg, err.Error(), logger)
		}
		msg.SetResult(ResultSuccess, nil)
		if err := msg.respondRaw(data); err != nil {
			return ignoreAlreadyResponded(msg, err, logger)
		}
		return nil

	case outcome.IsFailure():
		desc := errorDescription(outcome.Value())
		msg.SetResult(ResultFailure, errors.New(desc))
		logger.Error("Handler returned failure", nil, withField(messageFields(msg), "failure", outcome.Value()))
		return respondError(msg, desc, logger)

	default:
		resErr := errspkg.NewResultError(msg.Endpoint(), outcome.Value())
		msg.SetResult(ResultInvalid, resErr)
		return resErr
	}
}

func respondError(msg *Message, desc string, logger loggingpkg.ServiceLogger) error {
	if err := msg.RespondWithError(desc); err != nil {
		return ignoreAlreadyResponded(msg, err, logger)
	}
	return nil
}

// A handler may answer through msg.Respond itself; the dispatcher's own
// response is then dropped.
func ignoreAlreadyResponded(msg *Message, err error, logger loggingpkg.ServiceLogger) error {
	if errors.Is(err, errspkg.ErrAlreadyResponded) {
		logger.Debug("Message already answered by handler", messageFields(msg))
		return nil
	}
	return err
}

func withField(f loggingpkg.LogFields, key string, value any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}

func messageFields(msg *Message) loggingpkg.LogFields {
	f := loggingpkg.LogFields{
		"endpoint": msg.Endpoint(),
		"subject":  msg.Subject(),
	}
	if id := msg.CorrelationID(); id != "" {
		f["correlation_id"] = id
	}
	return f
}
