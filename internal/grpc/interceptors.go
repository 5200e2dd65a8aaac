package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recoveryInterceptor turns handler panics into Internal errors.
func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"method", info.FullMethod,
					"error", rec,
					"stack_trace", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// streamRecoveryInterceptor turns stream handler panics into Internal errors.
func (s *Server) streamRecoveryInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"method", info.FullMethod,
					"error", rec,
					"stack_trace", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

// loggingInterceptor returns a unary server interceptor that logs requests. Health probes and
// successful heartbeats log at debug since nodes send them continuously.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := status.Code(err)
		log := s.logger.Debug
		if code != codes.OK {
			log = s.logger.Warn
		}
		log("grpc request",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", duration,
		)
		return resp, err
	}
}

// streamLoggingInterceptor returns a stream server interceptor that logs requests.
func (s *Server) streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		duration := time.Since(start)

		s.logger.Info("grpc stream",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", duration,
		)
		return err
	}
}
