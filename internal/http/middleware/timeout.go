package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Timeout ограничивает запрос дедлайном d. Существующий дедлайн не продлевается.
// Если обработчик вернулся по истечении дедлайна, ничего не записав, клиент
// получает 504 в конверте {success:false, message}.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			if sw.status == 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				writeEnvelope(sw, http.StatusGatewayTimeout, "Tempo de resposta esgotado")
			}
		})
	}
}
