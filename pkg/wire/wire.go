// Package wire holds the binary codec shared by every serialized message in
// the module: hash maps, batch requests and replies, published parameters and
// the gRPC payloads.
package wire

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// Handle returns the Binc handle used for all encodings. Structs are encoded
// as arrays so that field names never appear on the wire.
func Handle() codec.Handle {
	h := codec.BincHandle{}
	h.StructToArray = true
	return &h
}

var handle = Handle()

// Marshal encodes v with the module codec.
func Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", v, err)
	}
	return out, nil
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, handle).Decode(v); err != nil {
		return fmt.Errorf("wire: decode %T: %w", v, err)
	}
	return nil
}
