// Package batchpirv1 defines the BatchPIR gRPC service: its messages, the
// service descriptor and a client stub. Messages travel in the Binc codec
// registered under CodecName; opaque payloads (parameters, hash map, keys,
// requests and replies) are the binary encodings of the pkg/batch types.
package batchpirv1

type GetParamsRequest struct{}

type GetParamsResponse struct {
	Params []byte
}

type GetHashMapRequest struct{}

type GetHashMapResponse struct {
	HashMap []byte
	Digest  []byte
}

type RegisterKeysRequest struct {
	ClientId          string
	EvaluationKeys    []byte
	HashMapDigest     []byte
	SessionTtlSeconds int32
}

type RegisterKeysResponse struct {
	SessionId         string
	SessionTtlSeconds int32
}

type GenerateResponseRequest struct {
	SessionId string
	Request   []byte
}

type GenerateResponseResponse struct {
	Reply []byte
}

type HealthCheckRequest struct{}

type HealthCheckResponse_ServingStatus int32

const (
	HealthCheckResponse_UNKNOWN     HealthCheckResponse_ServingStatus = 0
	HealthCheckResponse_SERVING     HealthCheckResponse_ServingStatus = 1
	HealthCheckResponse_NOT_SERVING HealthCheckResponse_ServingStatus = 2
)

type HealthCheckResponse struct {
	Status           HealthCheckResponse_ServingStatus
	Message          string
	ActiveSessions   int64
	EntryCount       int64
	BatchesPerMinute int64
}

// PayloadSize reports the opaque payload bytes a message carries.
func (m *GetParamsResponse) PayloadSize() int { return len(m.Params) }
func (m *GetHashMapResponse) PayloadSize() int { return len(m.HashMap) }
func (m *RegisterKeysRequest) PayloadSize() int { return len(m.EvaluationKeys) }
func (m *GenerateResponseRequest) PayloadSize() int { return len(m.Request) }
func (m *GenerateResponseResponse) PayloadSize() int { return len(m.Reply) }
