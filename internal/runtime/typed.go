package runtime

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// JSONHandler adapts a handler taking a decoded JSON payload of type T. A
// payload that does not decode into T produces an error response.
func JSONHandler[T any](fn func(ctx context.Context, in T, msg *Message) (Outcome, error)) Handler {
	return func(msg *Message) (Outcome, error) {
		var in T
		if err := msg.Bind(&in); err != nil {
			return Outcome{}, fmt.Errorf("decode %T: %w", in, err)
		}
		return fn(msg.Context(), in, msg)
	}
}

// ProtoHandler adapts a handler taking a protobuf message decoded from the
// JSON payload. T must be a pointer to a generated message type.
func ProtoHandler[T proto.Message](fn func(ctx context.Context, in T, msg *Message) (Outcome, error)) Handler {
	newT, err := protoFactory[T]()
	if err != nil {
		return func(*Message) (Outcome, error) { return Outcome{}, err }
	}
	return func(msg *Message) (Outcome, error) {
		in := newT()
		if err := msg.BindProto(in); err != nil {
			return Outcome{}, fmt.Errorf("decode %s: %w", in.ProtoReflect().Descriptor().FullName(), err)
		}
		return fn(msg.Context(), in, msg)
	}
}

func protoFactory[T proto.Message]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("proto handler needs a pointer message type, got %v", typ)
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
