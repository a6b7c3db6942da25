package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pribylovaa/betforbes-session/internal/mocks"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/storage/memory"
)

// upstream — gRPC-сервер с health-сервисом, который пускает только токен valid.
type upstream struct {
	addr string

	mu   sync.Mutex
	auth []string
}

func (u *upstream) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.auth...)
}

func startUpstream(t *testing.T, valid string) *upstream {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	up := &upstream{addr: lis.Addr().String()}

	srv := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		got := ""
		if v := md.Get("authorization"); len(v) > 0 {
			got = v[0]
		}

		up.mu.Lock()
		up.auth = append(up.auth, got)
		up.mu.Unlock()

		if got != "Bearer "+valid {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(ctx, req)
	}))
	healthpb.RegisterHealthServer(srv, health.NewServer())

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return up
}

func dialUpstream(t *testing.T, up *upstream, c *Client) healthpb.HealthClient {
	t.Helper()

	conn, err := Dial(up.addr, c, DialOptions{Timeout: 5 * time.Second, UserAgent: "test/1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func newGRPCClient(t *testing.T, access string, ref Refresher) *Client {
	t.Helper()

	store := memory.New()
	if access != "" {
		require.NoError(t, store.Set(context.Background(), storage.SlotAccessToken, access))
	}

	c, err := New(store, ref, Options{BaseURL: "http://unused.local/api"})
	require.NoError(t, err)
	return c
}

func TestUnaryInterceptor_ValidToken(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, "good")
	ctrl := gomock.NewController(t)

	hc := dialUpstream(t, up, newGRPCClient(t, "good", mocks.NewMockRefresher(ctrl)))

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	require.Equal(t, []string{"Bearer good"}, up.seen())
}

func TestUnaryInterceptor_RefreshAndRetryOnce(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, "fresh")
	ctrl := gomock.NewController(t)
	ref := mocks.NewMockRefresher(ctrl)
	ref.EXPECT().Refresh(gomock.Any()).Return(models.TokenPair{AccessToken: "fresh", RefreshToken: "R2"}, nil).Times(1)

	hc := dialUpstream(t, up, newGRPCClient(t, "stale", ref))

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, []string{"Bearer stale", "Bearer fresh"}, up.seen())
}

func TestUnaryInterceptor_NoRetryStorm(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, "never")
	ctrl := gomock.NewController(t)
	ref := mocks.NewMockRefresher(ctrl)
	ref.EXPECT().Refresh(gomock.Any()).Return(models.TokenPair{AccessToken: "also-bad"}, nil).Times(1)

	hc := dialUpstream(t, up, newGRPCClient(t, "bad", ref))

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.Len(t, up.seen(), 2)
}

func TestUnaryInterceptor_RefreshFailureCallsHook(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, "fresh")
	ctrl := gomock.NewController(t)
	ref := mocks.NewMockRefresher(ctrl)
	rejected := errors.Join(refresh.ErrRefreshRejected)
	ref.EXPECT().Refresh(gomock.Any()).Return(models.TokenPair{}, rejected).Times(1)

	c := newGRPCClient(t, "stale", ref)

	var (
		mu      sync.Mutex
		hookErr error
	)
	c.SetAuthFailureHook(func(_ context.Context, err error) {
		mu.Lock()
		defer mu.Unlock()
		hookErr = err
	})

	hc := dialUpstream(t, up, c)

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.Len(t, up.seen(), 1)

	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, hookErr, refresh.ErrRefreshRejected)
}

func TestPerRPCCredentials(t *testing.T) {
	t.Parallel()

	c := newGRPCClient(t, "tok", nil)

	creds := c.PerRPCCredentials(true)
	require.True(t, creds.RequireTransportSecurity())

	md, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"authorization": "Bearer tok"}, md)

	empty := newGRPCClient(t, "", nil)
	md, err = empty.PerRPCCredentials(false).GetRequestMetadata(context.Background())
	require.NoError(t, err)
	require.Nil(t, md)
}

func TestWithAuthMetadata_ReplacesHeader(t *testing.T) {
	t.Parallel()

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer old", "x-request-id", "rid")

	md, _ := metadata.FromOutgoingContext(withAuthMetadata(ctx, "new"))
	require.Equal(t, []string{"Bearer new"}, md.Get("authorization"))
	require.Equal(t, []string{"rid"}, md.Get("x-request-id"))

	md, _ = metadata.FromOutgoingContext(withAuthMetadata(ctx, ""))
	require.Empty(t, md.Get("authorization"))
}

func TestDial_EmptyTarget(t *testing.T) {
	t.Parallel()

	_, err := Dial("", nil, DialOptions{})
	require.Error(t, err)
}
