package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/leopard/transport"
)

func register(t *testing.T, b *Broker, name, queue string) transport.Service {
	t.Helper()
	conn, err := b.Dial(context.Background(), "")
	require.NoError(t, err)
	svc, err := conn.RegisterService(transport.ServiceConfig{Name: name, QueueGroup: queue})
	require.NoError(t, err)
	return svc
}

func echo(prefix string) transport.Callback {
	return func(m transport.RawMessage) {
		_ = m.Respond(append([]byte(prefix), m.Payload()...))
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	d, err := transport.Lookup(TransportName)
	require.NoError(t, err)
	assert.Same(t, Default, d)
}

func TestRequestReply(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "echo", "")
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo"}, echo("")))

	r, err := b.Request(context.Background(), "echo", []byte("hi"), map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "hi", string(r.Data))
	assert.False(t, r.IsError)
}

func TestRequestErrorReply(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "echo", "")
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo_fail"}, func(m transport.RawMessage) {
		_ = m.RespondWithError("failed")
	}))

	r, err := b.Request(context.Background(), "echo_fail", nil, nil)
	require.NoError(t, err)
	assert.True(t, r.IsError)
	assert.Equal(t, "failed", r.Error)
}

func TestRequestNoResponders(t *testing.T) {
	_, err := NewBroker().Request(context.Background(), "nobody", nil, nil)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "silent", "")
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "silent"}, func(transport.RawMessage) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "silent", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGroupSubjectsAndQueueInheritance(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "animals", "")

	mammal, err := svc.AddGroup(transport.GroupConfig{Name: "mammal", QueueGroup: "mq"})
	require.NoError(t, err)
	feline, err := mammal.AddGroup(transport.GroupConfig{Name: "feline"})
	require.NoError(t, err)

	require.NoError(t, feline.AddEndpoint(transport.EndpointConfig{Name: "meow"}, echo("")))
	require.NoError(t, feline.AddEndpoint(transport.EndpointConfig{Name: "hiss", Subject: "angry", QueueGroup: "own"}, echo("")))
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "root"}, echo("")))

	eps := b.Endpoints()
	require.Len(t, eps, 3)
	bySubject := map[string]EndpointInfo{}
	for _, e := range eps {
		bySubject[e.Subject] = e
	}
	assert.Equal(t, "mq", bySubject["mammal.feline.meow"].QueueGroup)
	assert.Equal(t, "own", bySubject["mammal.feline.angry"].QueueGroup)
	assert.Equal(t, DefaultQueueGroup, bySubject["root"].QueueGroup)

	r, err := b.Request(context.Background(), "mammal.feline.meow", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(r.Data))
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	b := NewBroker()
	var mu sync.Mutex
	counts := map[string]int{}

	for _, id := range []string{"a", "b", "c"} {
		id := id
		svc := register(t, b, "echo", "")
		require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo"}, func(m transport.RawMessage) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
			_ = m.Respond([]byte(id))
		}))
	}

	for i := 0; i < 9; i++ {
		_, err := b.Request(context.Background(), "echo", nil, nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, counts)
	assert.Equal(t, 9, b.Delivered())
}

func TestDuplicateResponsesAreCounted(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "echo", "")
	done := make(chan struct{})
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "twice"}, func(m transport.RawMessage) {
		_ = m.Respond([]byte("one"))
		_ = m.RespondWithError("two")
		close(done)
	}))

	r, err := b.Request(context.Background(), "twice", nil, nil)
	require.NoError(t, err)
	<-done
	assert.Equal(t, "one", string(r.Data))
	assert.Equal(t, 1, b.DuplicateResponses())
}

func TestStopAndCloseDetachEndpoints(t *testing.T) {
	b := NewBroker()
	conn, err := b.Dial(context.Background(), "")
	require.NoError(t, err)
	svc, err := conn.RegisterService(transport.ServiceConfig{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo"}, echo("")))
	require.Len(t, b.Endpoints(), 1)

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.Empty(t, b.Endpoints())
	assert.ErrorIs(t, svc.AddEndpoint(transport.EndpointConfig{Name: "late"}, echo("")), ErrConnectionClosed)

	svc2, err := conn.RegisterService(transport.ServiceConfig{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, svc2.AddEndpoint(transport.EndpointConfig{Name: "echo"}, echo("")))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Empty(t, b.Endpoints())

	_, err = conn.RegisterService(transport.ServiceConfig{Name: "echo"})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDuplicateEndpointRejected(t *testing.T) {
	b := NewBroker()
	svc := register(t, b, "echo", "")
	require.NoError(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo"}, echo("")))
	assert.Error(t, svc.AddEndpoint(transport.EndpointConfig{Name: "echo"}, echo("")))
}

func TestValidation(t *testing.T) {
	b := NewBroker()
	conn, err := b.Dial(context.Background(), "")
	require.NoError(t, err)

	_, err = conn.RegisterService(transport.ServiceConfig{})
	assert.Error(t, err)

	svc, err := conn.RegisterService(transport.ServiceConfig{Name: "x"})
	require.NoError(t, err)
	assert.Error(t, svc.AddEndpoint(transport.EndpointConfig{}, echo("")))
	assert.Error(t, svc.AddEndpoint(transport.EndpointConfig{Name: "n"}, nil))
	_, err = svc.AddGroup(transport.GroupConfig{})
	assert.Error(t, err)
}

func TestFailDial(t *testing.T) {
	b := NewBroker()
	boom := errors.New("refused")
	b.FailDial(boom)

	_, err := b.Dial(context.Background(), "")
	assert.ErrorIs(t, err, boom)

	b.FailDial(nil)
	_, err = b.Dial(context.Background(), "")
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Dials())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Dial(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
