package grpcserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"path"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	pb "github.com/opaque/batchpir/api/batchpirv1"
)

// RecoveryUnaryInterceptor returns a unary interceptor that recovers from panics.
func RecoveryUnaryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("method", info.FullMethod).Errorf("panic: %v\n%s", r, debug.Stack())
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

type payloadSizer interface {
	PayloadSize() int
}

func payloadSize(msg any) int {
	if p, ok := msg.(payloadSizer); ok {
		return p.PayloadSize()
	}
	return 0
}

// LoggingUnaryInterceptor returns a unary interceptor that logs each RPC with
// its status, latency and payload sizes. Health checks log at Debug.
func LoggingUnaryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   path.Base(info.FullMethod),
			"code":     status.Code(err).String(),
			"duration": time.Since(start).Round(time.Microsecond),
			"in_kb":    payloadSize(req) >> 10,
		})
		switch {
		case err != nil:
			entry.WithError(err).Warn("grpc call failed")
		case info.FullMethod == pb.BatchPIR_HealthCheck_FullMethodName:
			entry.Debug("grpc call")
		default:
			entry.WithField("out_kb", payloadSize(resp)>>10).Info("grpc call")
		}
		return resp, err
	}
}

// LoadTLSCredentials loads a TLS certificate and key for server-side TLS.
func LoadTLSCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}
