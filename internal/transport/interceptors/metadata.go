package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// MetadataRequestID — ключ метаданных корреляции.
const MetadataRequestID = "x-request-id"

// RequestID возвращает x-request-id из исходящих метаданных или "".
func RequestID(ctx context.Context) string {
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if v := md.Get(MetadataRequestID); len(v) > 0 {
			return v[0]
		}
	}

	return ""
}

// WithMetadata добавляет в исходящий вызов x-request-id (новый uuid, если его нет)
// и user-agent (если задан).
func WithMetadata(userAgent string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var pairs []string

		if RequestID(ctx) == "" {
			pairs = append(pairs, MetadataRequestID, uuid.NewString())
		}
		if userAgent != "" {
			pairs = append(pairs, "user-agent", userAgent)
		}
		if len(pairs) > 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
		}

		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
