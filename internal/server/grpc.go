package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// NewGRPCServer creates a gRPC server carrying the standard interceptor
// chain. Services register their own handlers on the returned server before
// calling Serve. Chain order matters: recovery wraps everything, correlation
// runs before auth so rejections still carry an id, and logging runs last so
// it observes the authenticated caller.
func NewGRPCServer(auth AuthConfig, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoveryInterceptor,
		CorrelationInterceptor,
		AuthInterceptor(auth),
		LoggingInterceptor,
	))

	srv := grpc.NewServer(opts...)
	reflection.Register(srv)

	return srv
}
