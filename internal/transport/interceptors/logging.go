// interceptors — клиентские gRPC-интерсепторы: метаданные, таймаут, логирование.
package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
)

// Logging — логирование исходящих unary-вызовов.
// Кладёт в контекст логгер с request_id/method/target и пишет одну итоговую
// запись msg="grpc" с code и dur. Payload и заголовки не логируются.
func Logging(base *slog.Logger) grpc.UnaryClientInterceptor {
	base = log.Or(base)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()

		target := "-"
		if cc != nil && cc.Target() != "" {
			target = cc.Target()
		}

		l := base.With(
			slog.String("request_id", RequestID(ctx)),
			slog.String("method", method),
			slog.String("target", target),
		)
		ctx = log.Into(ctx, l)

		err := invoker(ctx, method, req, reply, cc, opts...)

		l.Info("grpc",
			slog.String("code", status.Code(err).String()),
			slog.Duration("dur", time.Since(start)),
		)

		return err
	}
}
