package middleware

import (
	"log/slog"
	"net/http"

	logctx "github.com/pribylovaa/betforbes-session/internal/pkg/log"
)

// Recover перехватывает panic и отвечает 500 в конверте {success:false, message}.
// Детали паники не утекают на клиент.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logctx.From(r.Context()).
						LogAttrs(r.Context(), slog.LevelError, "panic",
							slog.String("path", r.URL.Path),
							slog.Any("reason", rec),
						)

					writeEnvelope(w, http.StatusInternalServerError, "Erro interno do servidor")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
