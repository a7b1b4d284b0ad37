package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
	"github.com/drblury/leopard/transport"
	"github.com/drblury/leopard/transport/memory"
)

// fakeRaw is a transport.RawMessage that records every response attempt.
type fakeRaw struct {
	subject string
	payload []byte
	headers map[string]string

	mu        sync.Mutex
	responses [][]byte
	errors    []string
	sendErr   error
}

func newFakeRaw(subject string, payload string, headers map[string]string) *fakeRaw {
	return &fakeRaw{subject: subject, payload: []byte(payload), headers: headers}
}

func (f *fakeRaw) Subject() string            { return f.subject }
func (f *fakeRaw) Payload() []byte            { return f.payload }
func (f *fakeRaw) Headers() map[string]string { return f.headers }

func (f *fakeRaw) Respond(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, data)
	return f.sendErr
}

func (f *fakeRaw) RespondWithError(desc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, desc)
	return f.sendErr
}

// total is the number of responses of either kind.
func (f *fakeRaw) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses) + len(f.errors)
}

func (f *fakeRaw) lastResponse() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return ""
	}
	return string(f.responses[len(f.responses)-1])
}

func (f *fakeRaw) lastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errors) == 0 {
		return ""
	}
	return f.errors[len(f.errors)-1]
}

func newTestMessage(endpoint, payload string) (*Message, *fakeRaw) {
	raw := newFakeRaw(endpoint, payload, nil)
	return newMessage(context.Background(), raw, endpoint, Instance{ID: 1}), raw
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger is a ServiceLogger that keeps every entry, including those
// written through loggers derived with With.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), (*l.entries)...)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	for _, e := range l.all() {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *recordingLogger) count(msg string) int {
	n := 0
	for _, e := range l.all() {
		if e.msg == msg {
			n++
		}
	}
	return n
}

// fakeContainer records topology calls. It implements transport.Service and
// transport.Group.
type fakeContainer struct {
	name   string
	parent *fakeContainer

	mu        *sync.Mutex
	groupAdds *[]string
	endpoints *[]transport.EndpointConfig
	callbacks map[string]transport.Callback

	failGroup    string
	failEndpoint string
	stopped      bool
	stopErr      error
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{
		mu:        &sync.Mutex{},
		groupAdds: &[]string{},
		endpoints: &[]transport.EndpointConfig{},
		callbacks: map[string]transport.Callback{},
	}
}

func (c *fakeContainer) Name() string { return c.name }

func (c *fakeContainer) AddGroup(cfg transport.GroupConfig) (transport.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Name == c.failGroup {
		return nil, errors.New("group refused")
	}
	*c.groupAdds = append(*c.groupAdds, cfg.Name)
	return &fakeContainer{
		name:         cfg.Name,
		parent:       c,
		mu:           c.mu,
		groupAdds:    c.groupAdds,
		endpoints:    c.endpoints,
		callbacks:    c.callbacks,
		failGroup:    c.failGroup,
		failEndpoint: c.failEndpoint,
	}, nil
}

func (c *fakeContainer) AddEndpoint(cfg transport.EndpointConfig, cb transport.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Name == c.failEndpoint {
		return errors.New("endpoint refused")
	}
	*c.endpoints = append(*c.endpoints, cfg)
	c.callbacks[cfg.Name] = cb
	return nil
}

func (c *fakeContainer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return c.stopErr
}

func (c *fakeContainer) groupsAdded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), (*c.groupAdds)...)
}

// fakeConn hands out a fakeContainer as its only service.
type fakeConn struct {
	svc         *fakeContainer
	registerErr error

	mu       sync.Mutex
	closed   int
	closeErr error
}

func (c *fakeConn) RegisterService(cfg transport.ServiceConfig) (transport.Service, error) {
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	return c.svc, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

func (c *fakeConn) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// request sends payload through broker and fails the test on transport errors.
func request(t *testing.T, broker *memory.Broker, subject, payload string) *memory.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := broker.Request(ctx, subject, []byte(payload), nil)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return reply
}

// testRunOptions returns options for a non-blocking pool on broker that does
// not install signal handlers.
func testRunOptions(broker *memory.Broker, logger loggingpkg.ServiceLogger) RunOptions {
	return RunOptions{
		Target:        "memory://test",
		Service:       ServiceOptions{Name: "test-service", Version: "1.0.0"},
		Dialer:        broker,
		Logger:        logger,
		IgnoreSignals: true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
