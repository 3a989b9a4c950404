// Package codec defines the serializer used by durable stores and relays,
// plus a registry that maps stable type names to Go types so envelope
// payloads survive the trip through bytes.
//
// The default codec is JSON with number-preserving decoding: integers that
// fit in 64 bits round-trip exactly, including through any-typed payloads,
// and arbitrary-precision decimals survive as json.Number.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec serializes values to bytes and back. Implementations must satisfy
// the round-trip law: Unmarshal(Marshal(v)) yields a value equal to v for
// all supported types.
type Codec interface {
	// Name identifies the encoding, for store metadata and diagnostics.
	Name() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the default JSON codec. Decoding uses json.Number so
// numeric payloads keep full 64-bit integer precision even when the
// destination is an interface value.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
