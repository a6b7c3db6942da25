package interceptors

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
)

type capHandler struct {
	base    []slog.Attr
	lastMsg string
	attrs   map[string]any
	count   map[string]int
}

func (h *capHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capHandler) Handle(_ context.Context, r slog.Record) error {
	out := make(map[string]any, len(h.base)+4)
	for _, a := range h.base {
		out[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value.Any()
		return true
	})
	if h.count == nil {
		h.count = make(map[string]int)
	}
	h.count[r.Message]++
	h.lastMsg = r.Message
	h.attrs = out
	return nil
}

func (h *capHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.base = append(h.base, attrs...)
	return h
}

func (h *capHandler) WithGroup(string) slog.Handler { return h }

func captureMD(out *metadata.MD) grpc.UnaryInvoker {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		*out, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}
}

func TestWithMetadata_GeneratesRequestID(t *testing.T) {
	t.Parallel()

	var md metadata.MD
	err := WithMetadata("sessionctl/1")(context.Background(), "/svc/M", nil, nil, nil, captureMD(&md))
	require.NoError(t, err)

	rid := md.Get(MetadataRequestID)
	require.Len(t, rid, 1)
	_, err = uuid.Parse(rid[0])
	require.NoError(t, err)
	require.Equal(t, []string{"sessionctl/1"}, md.Get("user-agent"))
}

func TestWithMetadata_KeepsExistingRequestID(t *testing.T) {
	t.Parallel()

	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataRequestID, "rid-1")

	var md metadata.MD
	require.NoError(t, WithMetadata("")(ctx, "/svc/M", nil, nil, nil, captureMD(&md)))
	require.Equal(t, []string{"rid-1"}, md.Get(MetadataRequestID))
	require.Empty(t, md.Get("user-agent"))
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	t.Run("sets deadline", func(t *testing.T) {
		t.Parallel()

		const d = 40 * time.Millisecond
		start := time.Now()
		err := WithTimeout(d)(context.Background(), "/svc/Sleep", nil, nil, nil,
			func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				<-ctx.Done()
				return ctx.Err()
			})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.GreaterOrEqual(t, time.Since(start), d)
	})

	t.Run("keeps parent deadline", func(t *testing.T) {
		t.Parallel()

		parent, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		defer cancel()
		want, _ := parent.Deadline()

		var got time.Time
		err := WithTimeout(time.Second)(parent, "/svc/Call", nil, nil, nil,
			func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				got, _ = ctx.Deadline()
				return nil
			})
		require.NoError(t, err)
		require.WithinDuration(t, want, got, time.Millisecond)
	})

	t.Run("zero passes through", func(t *testing.T) {
		t.Parallel()

		var has bool
		err := WithTimeout(0)(context.Background(), "/svc/Ping", nil, nil, nil,
			func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				_, has = ctx.Deadline()
				return nil
			})
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestLogging(t *testing.T) {
	t.Parallel()

	h := &capHandler{}
	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataRequestID, "rid-7")

	err := Logging(slog.New(h))(ctx, "/svc/Fail", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			log.From(ctx).Info("ctx_logger_used")
			return status.Error(codes.Unauthenticated, "no")
		})
	require.Error(t, err)

	require.Equal(t, 1, h.count["ctx_logger_used"])
	require.Equal(t, "grpc", h.lastMsg)
	require.Equal(t, "Unauthenticated", h.attrs["code"])
	require.Equal(t, "rid-7", h.attrs["request_id"])
	require.Equal(t, "-", h.attrs["target"])

	d, ok := h.attrs["dur"].(time.Duration)
	require.True(t, ok)
	require.GreaterOrEqual(t, d, time.Duration(0))
}
