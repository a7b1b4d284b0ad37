// Package memory provides an in-process request/reply transport. It mirrors
// the NATS micro semantics leopard relies on (group subject prefixes, queue
// group inheritance, one delivery per queue group) and is used by tests and
// examples that should not need a server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/leopard/internal/runtime/metadata"
	"github.com/drblury/leopard/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultQueueGroup is used when neither the endpoint, its groups nor the
// service name one. It matches the NATS micro default.
const DefaultQueueGroup = "q"

var (
	// ErrNoResponders is returned by Request when nothing listens on the subject.
	ErrNoResponders = errors.New("memory: no responders available for request")
	// ErrConnectionClosed is returned when a closed connection is used.
	ErrConnectionClosed = errors.New("memory: connection closed")
)

// Default is the broker registered under TransportName.
var Default = NewBroker()

func init() {
	transport.Register(TransportName, Default)
}

// Reply is the response to a Request.
type Reply struct {
	Data []byte
	// Error holds the description of an error response. Empty for successes.
	Error   string
	IsError bool
}

// EndpointInfo describes an attached endpoint.
type EndpointInfo struct {
	Service    string
	Connection int
	Name       string
	Subject    string
	QueueGroup string
}

// Broker routes requests between connections in the same process.
type Broker struct {
	mu        sync.Mutex
	subs      []*subscription
	nextConn  int
	rr        map[string]int
	dialErr   error
	dials     int
	extra     int
	delivered int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{rr: make(map[string]int)}
}

// FailDial makes every following Dial return err. Pass nil to clear it.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials reports how many Dial calls the broker has seen.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Dial implements transport.Dialer. The target is ignored.
func (b *Broker) Dial(ctx context.Context, _ string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.nextConn++
	return &connection{broker: b, id: b.nextConn}, nil
}

// Endpoints lists attached endpoints ordered by subject, then connection.
func (b *Broker) Endpoints() []EndpointInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EndpointInfo, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Connection < out[j].Connection
	})
	return out
}

// DuplicateResponses counts responses sent after a request was already answered.
func (b *Broker) DuplicateResponses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extra
}

// Delivered counts requests handed to an endpoint callback.
func (b *Broker) Delivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}

// Request sends payload to subject and waits for the first response or for
// ctx to end. Each queue group listening on the subject receives one copy.
func (b *Broker) Request(ctx context.Context, subject string, payload []byte, headers map[string]string) (*Reply, error) {
	targets := b.pick(subject)
	if len(targets) == 0 {
		return nil, ErrNoResponders
	}

	replies := make(chan *Reply, 1)
	for _, sub := range targets {
		msg := &rawMessage{
			broker:  b,
			subject: subject,
			payload: append([]byte(nil), payload...),
			headers: metadata.Metadata(headers).Clone(),
			replies: replies,
		}
		go sub.cb(msg)
	}

	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pick chooses one subscription per queue group, round-robin.
func (b *Broker) pick(subject string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	byQueue := map[string][]*subscription{}
	var queues []string
	for _, s := range b.subs {
		if s.info.Subject != subject {
			continue
		}
		q := s.info.QueueGroup
		if _, seen := byQueue[q]; !seen {
			queues = append(queues, q)
		}
		byQueue[q] = append(byQueue[q], s)
	}

	picked := make([]*subscription, 0, len(queues))
	for _, q := range queues {
		members := byQueue[q]
		key := subject + "|" + q
		picked = append(picked, members[b.rr[key]%len(members)])
		b.rr[key]++
		b.delivered++
	}
	return picked
}

func (b *Broker) add(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subs {
		if existing.svc == s.svc && existing.info.Name == s.info.Name {
			return fmt.Errorf("memory: endpoint %q already registered", s.info.Name)
		}
	}
	b.subs = append(b.subs, s)
	return nil
}

func (b *Broker) removeWhere(match func(*subscription) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
}

type subscription struct {
	conn *connection
	svc  *service
	info EndpointInfo
	cb   transport.Callback
}

type connection struct {
	broker *Broker
	id     int

	mu     sync.Mutex
	closed bool
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) RegisterService(cfg transport.ServiceConfig) (transport.Service, error) {
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}
	if cfg.Name == "" {
		return nil, errors.New("memory: service name is required")
	}
	queue := cfg.QueueGroup
	if queue == "" {
		queue = DefaultQueueGroup
	}
	return &service{conn: c, name: cfg.Name, queue: queue}, nil
}

// Close detaches every endpoint still registered through the connection.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.removeWhere(func(s *subscription) bool { return s.conn == c })
	return nil
}

type service struct {
	conn  *connection
	name  string
	queue string

	mu      sync.Mutex
	stopped bool
}

func (s *service) AddGroup(cfg transport.GroupConfig) (transport.Group, error) {
	return newGroup(s, "", s.queue, cfg)
}

func (s *service) AddEndpoint(cfg transport.EndpointConfig, cb transport.Callback) error {
	return s.attach("", s.queue, cfg, cb)
}

func (s *service) attach(prefix, inheritedQueue string, cfg transport.EndpointConfig, cb transport.Callback) error {
	if cfg.Name == "" {
		return errors.New("memory: endpoint name is required")
	}
	if cb == nil {
		return errors.New("memory: endpoint callback is required")
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.conn.isClosed() {
		return ErrConnectionClosed
	}

	queue := inheritedQueue
	if cfg.QueueGroup != "" {
		queue = cfg.QueueGroup
	}
	return s.conn.broker.add(&subscription{
		conn: s.conn,
		svc:  s,
		cb:   cb,
		info: EndpointInfo{
			Service:    s.name,
			Connection: s.conn.id,
			Name:       cfg.Name,
			Subject:    joinSubject(prefix, cfg.SubjectOrName()),
			QueueGroup: queue,
		},
	})
}

// Stop detaches the service's endpoints. It is safe to call more than once.
func (s *service) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.conn.broker.removeWhere(func(sub *subscription) bool { return sub.svc == s })
	return nil
}

type group struct {
	svc    *service
	name   string
	prefix string
	queue  string
}

func newGroup(svc *service, parentPrefix, inheritedQueue string, cfg transport.GroupConfig) (transport.Group, error) {
	if cfg.Name == "" {
		return nil, errors.New("memory: group name is required")
	}
	queue := inheritedQueue
	if cfg.QueueGroup != "" {
		queue = cfg.QueueGroup
	}
	return &group{
		svc:    svc,
		name:   cfg.Name,
		prefix: joinSubject(parentPrefix, cfg.Name),
		queue:  queue,
	}, nil
}

func (g *group) Name() string { return g.name }

func (g *group) AddGroup(cfg transport.GroupConfig) (transport.Group, error) {
	return newGroup(g.svc, g.prefix, g.queue, cfg)
}

func (g *group) AddEndpoint(cfg transport.EndpointConfig, cb transport.Callback) error {
	return g.svc.attach(g.prefix, g.queue, cfg, cb)
}

func joinSubject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return strings.Join([]string{prefix, subject}, ".")
}

type rawMessage struct {
	broker  *Broker
	subject string
	payload []byte
	headers map[string]string
	replies chan *Reply

	once sync.Once
}

func (m *rawMessage) Subject() string            { return m.subject }
func (m *rawMessage) Payload() []byte            { return m.payload }
func (m *rawMessage) Headers() map[string]string { return m.headers }

func (m *rawMessage) Respond(data []byte) error {
	m.send(&Reply{Data: append([]byte(nil), data...)})
	return nil
}

func (m *rawMessage) RespondWithError(description string) error {
	m.send(&Reply{Error: description, IsError: true})
	return nil
}

func (m *rawMessage) send(r *Reply) {
	first := false
	m.once.Do(func() { first = true })
	if !first {
		m.broker.mu.Lock()
		m.broker.extra++
		m.broker.mu.Unlock()
		return
	}
	select {
	case m.replies <- r:
	default:
		// another queue group answered first
	}
}
