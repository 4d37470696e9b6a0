package batchpirv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	BatchPIR_GetParams_FullMethodName        = "/batchpir.v1.BatchPIR/GetParams"
	BatchPIR_GetHashMap_FullMethodName       = "/batchpir.v1.BatchPIR/GetHashMap"
	BatchPIR_RegisterKeys_FullMethodName     = "/batchpir.v1.BatchPIR/RegisterKeys"
	BatchPIR_GenerateResponse_FullMethodName = "/batchpir.v1.BatchPIR/GenerateResponse"
	BatchPIR_HealthCheck_FullMethodName      = "/batchpir.v1.BatchPIR/HealthCheck"
)

// BatchPIRClient is the client API for the BatchPIR service.
type BatchPIRClient interface {
	GetParams(ctx context.Context, in *GetParamsRequest, opts ...grpc.CallOption) (*GetParamsResponse, error)
	GetHashMap(ctx context.Context, in *GetHashMapRequest, opts ...grpc.CallOption) (*GetHashMapResponse, error)
	RegisterKeys(ctx context.Context, in *RegisterKeysRequest, opts ...grpc.CallOption) (*RegisterKeysResponse, error)
	GenerateResponse(ctx context.Context, in *GenerateResponseRequest, opts ...grpc.CallOption) (*GenerateResponseResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

type batchPIRClient struct {
	cc grpc.ClientConnInterface
}

// NewBatchPIRClient wraps a connection. Every call is sent with the Binc
// content subtype.
func NewBatchPIRClient(cc grpc.ClientConnInterface) BatchPIRClient {
	return &batchPIRClient{cc}
}

func (c *batchPIRClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *batchPIRClient) GetParams(ctx context.Context, in *GetParamsRequest, opts ...grpc.CallOption) (*GetParamsResponse, error) {
	out := new(GetParamsResponse)
	if err := c.invoke(ctx, BatchPIR_GetParams_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchPIRClient) GetHashMap(ctx context.Context, in *GetHashMapRequest, opts ...grpc.CallOption) (*GetHashMapResponse, error) {
	out := new(GetHashMapResponse)
	if err := c.invoke(ctx, BatchPIR_GetHashMap_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchPIRClient) RegisterKeys(ctx context.Context, in *RegisterKeysRequest, opts ...grpc.CallOption) (*RegisterKeysResponse, error) {
	out := new(RegisterKeysResponse)
	if err := c.invoke(ctx, BatchPIR_RegisterKeys_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchPIRClient) GenerateResponse(ctx context.Context, in *GenerateResponseRequest, opts ...grpc.CallOption) (*GenerateResponseResponse, error) {
	out := new(GenerateResponseResponse)
	if err := c.invoke(ctx, BatchPIR_GenerateResponse_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchPIRClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.invoke(ctx, BatchPIR_HealthCheck_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchPIRServer is the server API for the BatchPIR service.
type BatchPIRServer interface {
	GetParams(context.Context, *GetParamsRequest) (*GetParamsResponse, error)
	GetHashMap(context.Context, *GetHashMapRequest) (*GetHashMapResponse, error)
	RegisterKeys(context.Context, *RegisterKeysRequest) (*RegisterKeysResponse, error)
	GenerateResponse(context.Context, *GenerateResponseRequest) (*GenerateResponseResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
	mustEmbedUnimplementedBatchPIRServer()
}

// UnimplementedBatchPIRServer must be embedded by implementations.
type UnimplementedBatchPIRServer struct{}

func (UnimplementedBatchPIRServer) GetParams(context.Context, *GetParamsRequest) (*GetParamsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetParams not implemented")
}
func (UnimplementedBatchPIRServer) GetHashMap(context.Context, *GetHashMapRequest) (*GetHashMapResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetHashMap not implemented")
}
func (UnimplementedBatchPIRServer) RegisterKeys(context.Context, *RegisterKeysRequest) (*RegisterKeysResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterKeys not implemented")
}
func (UnimplementedBatchPIRServer) GenerateResponse(context.Context, *GenerateResponseRequest) (*GenerateResponseResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GenerateResponse not implemented")
}
func (UnimplementedBatchPIRServer) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}
func (UnimplementedBatchPIRServer) mustEmbedUnimplementedBatchPIRServer() {}

// RegisterBatchPIRServer registers srv on s.
func RegisterBatchPIRServer(s grpc.ServiceRegistrar, srv BatchPIRServer) {
	s.RegisterService(&BatchPIR_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(BatchPIRServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BatchPIRServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BatchPIRServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BatchPIR_ServiceDesc is the grpc.ServiceDesc for the BatchPIR service.
var BatchPIR_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "batchpir.v1.BatchPIR",
	HandlerType: (*BatchPIRServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetParams",
			Handler:    unaryHandler(BatchPIR_GetParams_FullMethodName, BatchPIRServer.GetParams),
		},
		{
			MethodName: "GetHashMap",
			Handler:    unaryHandler(BatchPIR_GetHashMap_FullMethodName, BatchPIRServer.GetHashMap),
		},
		{
			MethodName: "RegisterKeys",
			Handler:    unaryHandler(BatchPIR_RegisterKeys_FullMethodName, BatchPIRServer.RegisterKeys),
		},
		{
			MethodName: "GenerateResponse",
			Handler:    unaryHandler(BatchPIR_GenerateResponse_FullMethodName, BatchPIRServer.GenerateResponse),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unaryHandler(BatchPIR_HealthCheck_FullMethodName, BatchPIRServer.HealthCheck),
		},
	},
	Streams: []grpc.StreamDesc{},
}
