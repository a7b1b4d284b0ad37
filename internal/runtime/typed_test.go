package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
)

type greeting struct {
	Name string `json:"name"`
}

func TestJSONHandler(t *testing.T) {
	h := JSONHandler(func(ctx context.Context, in greeting, msg *Message) (Outcome, error) {
		require.NotNil(t, ctx)
		return Success(map[string]string{"hello": in.Name}), nil
	})

	msg, raw := newTestMessage("greet", `{"name":"leopard"}`)
	require.NoError(t, handleMessage(msg, h, loggingpkg.NewNopServiceLogger()))
	assert.Equal(t, `{"hello":"leopard"}`, raw.lastResponse())
}

func TestJSONHandlerDecodeErrorBecomesErrorResponse(t *testing.T) {
	called := false
	h := JSONHandler(func(context.Context, greeting, *Message) (Outcome, error) {
		called = true
		return Success(nil), nil
	})

	msg, raw := newTestMessage("greet", `not json`)
	require.NoError(t, handleMessage(msg, h, loggingpkg.NewNopServiceLogger()))
	assert.False(t, called)
	assert.Contains(t, raw.lastError(), "decode runtime.greeting")
	assert.Equal(t, ResultError, msg.Result())
}

func TestProtoHandler(t *testing.T) {
	h := ProtoHandler(func(_ context.Context, in *structpb.Struct, _ *Message) (Outcome, error) {
		return Success(wrapperspb.String(in.Fields["sound"].GetStringValue())), nil
	})

	msg, raw := newTestMessage("sound", `{"sound":"meow"}`)
	require.NoError(t, handleMessage(msg, h, loggingpkg.NewNopServiceLogger()))
	assert.Equal(t, `"meow"`, raw.lastResponse())
}

func TestProtoHandlerDecodeError(t *testing.T) {
	h := ProtoHandler(func(context.Context, *wrapperspb.Int64Value, *Message) (Outcome, error) {
		return Success(nil), nil
	})
	msg, raw := newTestMessage("n", `{"value":`)
	require.NoError(t, handleMessage(msg, h, loggingpkg.NewNopServiceLogger()))
	assert.Contains(t, raw.lastError(), "decode google.protobuf.Int64Value")
}
