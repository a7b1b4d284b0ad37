package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	"github.com/drblury/leopard/internal/runtime/metadata"
	"github.com/drblury/leopard/transport"
)

// Instance identifies the worker a message was delivered to.
type Instance struct {
	// ID is 1-based and unique within a pool.
	ID int
	// Args is this worker's copy of the pool's instance arguments.
	Args map[string]any
}

// Message is an inbound request as seen by middleware and handlers. Data holds
// the decoded JSON payload, or the raw payload as a string when it is not JSON.
type Message struct {
	Data    any
	Headers metadata.Metadata

	raw        transport.RawMessage
	endpoint   string
	instance   Instance
	receivedAt time.Time

	ctxMu sync.RWMutex
	ctx   context.Context

	responded atomic.Bool

	resultMu sync.Mutex
	result   Result
	err      error
}

func newMessage(ctx context.Context, raw transport.RawMessage, endpoint string, inst Instance) *Message {
	headers := metadata.Metadata(raw.Headers())
	if headers == nil {
		headers = metadata.Metadata{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Message{
		Data:       jsoncodec.DecodePayload(raw.Payload()),
		Headers:    headers,
		raw:        raw,
		endpoint:   endpoint,
		instance:   inst,
		receivedAt: time.Now(),
		ctx:        ctx,
	}
}

// Context returns the message context. It is cancelled when the worker stops.
func (m *Message) Context() context.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.ctx
}

// SetContext replaces the message context, for example with one carrying a span.
func (m *Message) SetContext(ctx context.Context) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.ctx = ctx
}

// Endpoint returns the name of the endpoint the message was delivered to.
func (m *Message) Endpoint() string { return m.endpoint }

// Subject returns the subject the request was published on.
func (m *Message) Subject() string { return m.raw.Subject() }

// Payload returns the undecoded request body.
func (m *Message) Payload() []byte { return m.raw.Payload() }

func (m *Message) Instance() Instance { return m.instance }

func (m *Message) ReceivedAt() time.Time { return m.receivedAt }

// CorrelationID returns the correlation_id header, if any.
func (m *Message) CorrelationID() string { return m.Headers.Get(metadata.KeyCorrelationID) }

// Bind decodes the JSON payload into v.
func (m *Message) Bind(v any) error {
	return jsoncodec.Unmarshal(m.raw.Payload(), v)
}

// BindProto decodes the JSON payload into a protobuf message.
func (m *Message) BindProto(pm proto.Message) error {
	return jsoncodec.UnmarshalProto(m.raw.Payload(), pm)
}

// Responded reports whether a response has been sent.
func (m *Message) Responded() bool { return m.responded.Load() }

// Respond encodes v and sends it as the success response. Only the first
// response of a message is sent; later calls return ErrAlreadyResponded.
func (m *Message) Respond(v any) error {
	data, err := jsoncodec.EncodePayload(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return m.respondRaw(data)
}

func (m *Message) respondRaw(data []byte) error {
	if !m.responded.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyResponded
	}
	return m.raw.Respond(data)
}

// RespondWithError sends an error response whose description is derived
// from v: strings and errors are used as-is, other values are JSON encoded.
func (m *Message) RespondWithError(v any) error {
	if !m.responded.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyResponded
	}
	return m.raw.RespondWithError(errorDescription(v))
}

// Result returns how the dispatcher finished the message.
func (m *Message) Result() Result {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	return m.result
}

// Err returns the error behind a non-success result.
func (m *Message) Err() error {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	return m.err
}

// SetResult records the outcome of a message. Middleware that answers a
// request itself should set ResultRejected.
func (m *Message) SetResult(r Result, err error) {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	m.result = r
	m.err = err
}

func errorDescription(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case error:
		return val.Error()
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := jsoncodec.EncodePayload(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
