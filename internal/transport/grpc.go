package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/transport/interceptors"
)

const metadataAuthorization = "authorization"

// UnaryClientInterceptor — тот же контракт, что у Do, для gRPC-апстримов:
// codes.Unauthenticated играет роль 401, повтор после refresh ровно один.
func (c *Client) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		sent := c.Token(ctx)

		err := invoker(withAuthMetadata(ctx, sent), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		next := c.Token(ctx)
		if next == "" || next == sent {
			pair, rerr := c.refresher.Refresh(ctx)
			if rerr != nil {
				log.From(ctx).Warn("refresh_after_unauthenticated_failed",
					slog.String("method", method),
					slog.String("err", rerr.Error()),
				)
				c.authFailure(ctx, rerr)
				return err
			}
			next = pair.AccessToken
		}

		c.metrics.Retry()
		return invoker(withAuthMetadata(ctx, next), method, req, reply, cc, opts...)
	}
}

// withAuthMetadata заменяет authorization в исходящих метаданных.
func withAuthMetadata(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()

	if token == "" {
		delete(md, metadataAuthorization)
	} else {
		md.Set(metadataAuthorization, "Bearer "+token)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

type perRPC struct {
	c      *Client
	secure bool
}

// PerRPCCredentials прикладывает текущий access-токен к каждому вызову
// (включая стримы, где интерсептор недоступен). Без повтора на Unauthenticated.
func (c *Client) PerRPCCredentials(requireTLS bool) credentials.PerRPCCredentials {
	return perRPC{c: c, secure: requireTLS}
}

func (p perRPC) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	tok := p.c.Token(ctx)
	if tok == "" {
		return nil, nil
	}

	return map[string]string{metadataAuthorization: "Bearer " + tok}, nil
}

func (p perRPC) RequireTransportSecurity() bool { return p.secure }

// DialOptions — параметры gRPC-подключения.
type DialOptions struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
	// Credentials — транспортные учётные данные; nil означает insecure.
	Credentials credentials.TransportCredentials
}

var histogramOnce sync.Once

// Dial создаёт клиентское подключение к апстриму с цепочкой
// metadata -> auth -> timeout -> logging -> prometheus.
// c == nil — подключение без учётных данных.
func Dial(target string, c *Client, opts DialOptions) (*grpc.ClientConn, error) {
	const op = "transport.Dial"

	if target == "" {
		return nil, fmt.Errorf("%s: empty target", op)
	}

	histogramOnce.Do(func() { grpc_prometheus.EnableClientHandlingTimeHistogram() })

	chain := []grpc.UnaryClientInterceptor{interceptors.WithMetadata(opts.UserAgent)}
	if c != nil {
		chain = append(chain, c.UnaryClientInterceptor())
	}
	chain = append(chain,
		interceptors.WithTimeout(opts.Timeout),
		interceptors.Logging(opts.Logger),
		grpc_prometheus.UnaryClientInterceptor,
	)

	creds := opts.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(chain...),
		grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return conn, nil
}
