// Package codec provides the wire codecs used for broker payloads: UTF-8
// strings, JSON documents, and protobuf-encoded records.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes a single payload shape. Decode failures are
// per-message errors (a *DecodeError), never connection errors.
type Codec interface {
	Encode(v any) ([]byte, error)
	// Decode unmarshals data into v, which must be a pointer of the shape
	// the codec expects.
	Decode(data []byte, v any) error
	Name() string
}

// DecodeError wraps a per-message decode failure with the codec that
// produced it.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode (%s): %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// String is a UTF-8 passthrough codec. Encode accepts string or []byte;
// Decode requires a *string.
var String Codec = stringCodec{}

type stringCodec struct{}

func (stringCodec) Name() string { return "string" }

func (stringCodec) Encode(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	default:
		return nil, fmt.Errorf("string codec: cannot encode %T", v)
	}
}

func (stringCodec) Decode(data []byte, v any) error {
	p, ok := v.(*string)
	if !ok {
		return &DecodeError{Codec: "string", Err: fmt.Errorf("target must be *string, got %T", v)}
	}
	*p = string(data)
	return nil
}

// JSON is a structural serialize/deserialize codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Codec: "json", Err: err}
	}
	return nil
}

// Proto is a binary codec for protobuf messages, used for cross-service
// event payloads that must stay compact and strongly typed.
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proto codec: %w", err)
	}
	return data, nil
}

func (protoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return &DecodeError{Codec: "proto", Err: fmt.Errorf("target %T is not a proto.Message", v)}
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return &DecodeError{Codec: "proto", Err: err}
	}
	return nil
}
