// Package jsoncodec centralises JSON handling on sonic and implements the
// payload codec used by the dispatch pipeline.
package jsoncodec

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var defaultConfig = sonic.ConfigStd

// Raw is an already encoded JSON value embedded verbatim.
type Raw = json.RawMessage

var protoMarshal = protojson.MarshalOptions{UseProtoNames: true}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// DecodePayload parses data as JSON. Payloads that are not valid JSON come back
// unchanged as a string; decode failure is not an error.
func DecodePayload(data []byte) any {
	var out any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// EncodePayload renders a response value for the wire. Strings and byte slices
// are sent verbatim, protobuf messages go through protojson and everything else
// is JSON encoded.
func EncodePayload(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	case proto.Message:
		return protoMarshal.Marshal(val)
	default:
		return defaultConfig.Marshal(v)
	}
}

// UnmarshalProto decodes a JSON document into a protobuf message, ignoring
// fields the message does not know.
func UnmarshalProto(data []byte, m proto.Message) error {
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
}
