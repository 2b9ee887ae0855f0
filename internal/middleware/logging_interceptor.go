package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func requestIDFromMetadata(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get("x-request-id"); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func logRPC(logger *zap.Logger, msg, method, requestID string, start time.Time, err error) {
	level := zapcore.InfoLevel
	if err != nil {
		level = zapcore.ErrorLevel
	}
	logger.Check(level, msg).Write(
		zap.String("method", method),
		zap.String("request_id", requestID),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()),
		zap.Error(err),
	)
}

// UnaryLoggingInterceptor logs unary RPC calls with timing and errors.
// Health probes that succeed are logged at debug so polling stays quiet.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if err == nil && info.FullMethod == "/grpc.health.v1.Health/Check" {
			logger.Debug("health check", zap.Duration("duration", time.Since(start)))
			return resp, nil
		}
		logRPC(logger, "unary RPC", info.FullMethod, requestIDFromMetadata(ctx), start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs streaming RPC calls (health Watch) with
// timing and errors.
func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		requestID := requestIDFromMetadata(ss.Context())

		logger.Debug("stream RPC started",
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
		)

		err := handler(srv, ss)
		if status.Code(err) == codes.Canceled {
			// client went away, the normal end of a Watch
			err = nil
		}
		logRPC(logger, "stream RPC", info.FullMethod, requestID, start, err)
		return err
	}
}
