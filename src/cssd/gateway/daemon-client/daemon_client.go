// Package daemonclient sends compile requests to a running daemon.
package daemonclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/uber/cssd/src/cssd/entity"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Default connection retry settings.
const (
	DefaultInitialInterval = 10 * time.Millisecond
	DefaultMaxInterval     = 200 * time.Millisecond
	DefaultMaxElapsedTime  = 5 * time.Second
)

// Gateway requests tokens from the daemon listening on one socket.
type Gateway interface {
	// RequestTokens blocks until the daemon answers for cssFile under config.
	// A successful call always returns a non-nil mapping.
	RequestTokens(ctx context.Context, cssFile string, config json.RawMessage) (entity.Tokens, error)
}

// DialFunc opens a stream connection to a socket path.
type DialFunc func(ctx context.Context, socketPath string) (net.Conn, error)

// Option configures a Gateway.
type Option func(*gateway)

// WithLogger sets the logger used for connection retries.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(g *gateway) {
		g.logger = logger
	}
}

// WithBackoff overrides the connection retry schedule.
func WithBackoff(initial, max, maxElapsed time.Duration) Option {
	return func(g *gateway) {
		g.initialInterval = initial
		g.maxInterval = max
		g.maxElapsedTime = maxElapsed
	}
}

// WithDialer replaces the unix socket dialer.
func WithDialer(dial DialFunc) Option {
	return func(g *gateway) {
		g.dial = dial
	}
}

type gateway struct {
	socketPath      string
	logger          *zap.SugaredLogger
	dial            DialFunc
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
}

// New creates a Gateway for the daemon at socketPath.
func New(socketPath string, opts ...Option) Gateway {
	g := &gateway{
		socketPath:      socketPath,
		logger:          zap.NewNop().Sugar(),
		dial:            dialUnix,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		maxElapsedTime:  DefaultMaxElapsedTime,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestTokens sends one compile request on a fresh connection.
func (g *gateway) RequestTokens(ctx context.Context, cssFile string, config json.RawMessage) (entity.Tokens, error) {
	nc, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}

	stream := jsonrpc2.NewStream(nc)
	defer stream.Close()
	// Unblock a pending read or write once ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Now())
	})
	defer stop()

	raw, err := g.call(ctx, stream, &entity.CompileRequest{CSSFile: cssFile, Config: config})
	if err != nil {
		return nil, mapper.JSONRPCToError(cssFile, err)
	}
	return decodeTokens(raw)
}

func (g *gateway) connect(ctx context.Context) (net.Conn, error) {
	attempts := 0
	nc, err := backoff.Retry(ctx, func() (net.Conn, error) {
		attempts++
		c, err := g.dial(ctx, g.socketPath)
		if err != nil && !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     g.initialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          2,
			MaxInterval:         g.maxInterval,
		}),
		backoff.WithMaxElapsedTime(g.maxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Debugw("daemon not reachable yet", "socket", g.socketPath, "retryIn", next, "error", err)
		}),
	)
	if err != nil {
		return nil, &cssderrors.ConnectionError{SocketPath: g.socketPath, Attempts: attempts, Err: err}
	}
	return nc, nil
}

// call writes the request, then reads until its response arrives or the
// daemon closes the connection. Anything read before the close is seen.
func (g *gateway) call(ctx context.Context, stream jsonrpc2.Stream, req *entity.CompileRequest) (json.RawMessage, error) {
	id := jsonrpc2.NewNumberID(1)
	msg, err := jsonrpc2.NewCall(id, entity.MethodCompile, req)
	if err != nil {
		return nil, fmt.Errorf("marshaling call parameters: %w", err)
	}
	if _, err := stream.Write(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &cssderrors.ProtocolError{Message: "sending request", Err: err}
	}

	for {
		msg, _, err := stream.Read(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isClosed(err):
			return nil, &cssderrors.ProtocolError{Message: "daemon closed the connection without a response", Err: err}
		default:
			return nil, &cssderrors.ProtocolError{Message: "malformed response", Err: err}
		}

		resp, ok := msg.(*jsonrpc2.Response)
		if !ok || resp.ID() != id {
			g.logger.Debugw("ignoring unexpected message from daemon", "socket", g.socketPath)
			continue
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Result(), nil
	}
}

func decodeTokens(raw json.RawMessage) (entity.Tokens, error) {
	tokens := entity.Tokens{}
	if len(raw) == 0 || string(raw) == "null" {
		return tokens, nil
	}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, &cssderrors.ProtocolError{Message: "malformed tokens in response", Err: err}
	}
	return tokens, nil
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// isTransient reports whether a dial failure means the daemon is not up yet.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EAGAIN)
}
