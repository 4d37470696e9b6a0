package batchpirv1

import (
	"google.golang.org/grpc/encoding"

	"github.com/opaque/batchpir/pkg/wire"
)

// CodecName is the gRPC content subtype of the BatchPIR service.
const CodecName = "batchpir-binc"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec frames BatchPIR messages with the Binc wire format.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return wire.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return wire.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
