package api

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call with its status code and
// duration. Health probes are frequent and logged at trace level.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if isProbe(info.FullMethod) {
			event = logger.Trace()
		}
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")

		return resp, err
	}
}

// isProbe reports whether method belongs to the health service
func isProbe(method string) bool {
	// e.g. "/grpc.health.v1.Health/Check"
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return false
	}
	return parts[1] == "grpc.health.v1.Health"
}
