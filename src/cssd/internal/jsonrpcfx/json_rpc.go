package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/internal/serverinfofile"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyIdleTimeout = "daemon.idleTimeout"

	_metricActiveConnections = "json_rpc.active_connections"
)

// Module is an fx module to handle JSON-RPC requests.
var Module = fx.Provide(New)

// JSONRPCModule represents a module to manage JSON-RPC requests on the daemon's socket.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	ServeStream(ctx context.Context, conn jsonrpc2.Conn) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router serves as the interface through which handling of requests will be implemented.
type Router interface {
	HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error
	UUID() uuid.UUID
}

// ConnectionManager will manage each active connection and its corresponding Router throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn jsonrpc2.Conn) (router Router, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
}

type module struct {
	endpoint    endpoint.Endpoint
	idleTimeout time.Duration

	connectionMgr  ConnectionManager
	ln             net.Listener
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
	shutdowner     fx.Shutdowner

	cancel    context.CancelFunc
	serveDone chan struct{}
	conns     connTracker
}

// Params define values to be used by JSONRPCModule.
type Params struct {
	fx.In

	Config         config.Provider
	Endpoint       endpoint.Endpoint
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
	Shutdowner     fx.Shutdowner
	Stats          tally.Scope
}

// New creates a new server to handle JSON-RPC requests on the endpoint's socket.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := &module{
		endpoint:       p.Endpoint,
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
		shutdowner:     p.Shutdowner,
		conns:          connTracker{gauge: p.Stats.Gauge(_metricActiveConnections)},
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})

	return m, nil
}

// OnStart binds the socket and begins handling incoming connections.
// If another daemon already serves the endpoint, the application is asked to exit cleanly.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		if errors.Is(err, cssderrors.ErrEndpointInUse) {
			m.logger.Infow("endpoint is served by another daemon, exiting", zap.String("socket", m.endpoint.SocketPath))
			return m.shutdowner.Shutdown(fx.ExitCode(0))
		}
		return err
	}

	if err := m.serverInfoFile.UpdateField(serverinfofile.KeySocket, m.endpoint.SocketPath); err != nil {
		return multierr.Append(err, m.ln.Close())
	}
	if err := m.serverInfoFile.UpdateField(serverinfofile.KeyPID, strconv.Itoa(os.Getpid())); err != nil {
		return multierr.Append(err, m.ln.Close())
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.serveDone = make(chan struct{})
	go m.start(serveCtx)
	return nil
}

// OnStop waits for in-flight connections to finish, then closes the listener, which removes the socket file.
// The endpoint's lock file goes with it.
func (m *module) OnStop(ctx context.Context) error {
	if m.ln == nil {
		return nil
	}

	var err error
	select {
	case <-m.conns.stop():
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for active connections: %w", ctx.Err()))
	}

	err = multierr.Append(err, ignoreClosed(m.ln.Close()))
	m.cancel()
	<-m.serveDone
	return multierr.Append(err, RemoveLock(m.endpoint.SocketPath))
}

// ServeStream is called when a new connection is initiated. Requests received via the connection will be routed to the handler, and answered via the connection's replier.
func (m *module) ServeStream(ctx context.Context, conn jsonrpc2.Conn) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}
	if !m.conns.begin() {
		return conn.Close()
	}
	defer m.conns.end()

	handler, err := m.connectionMgr.NewConnection(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}
	m.logger.Debugw("client connected", zap.Stringer("uuid", handler.UUID()))
	conn.Go(ctx, handler.HandleReq)

	// Block until the connection is closed.
	<-conn.Done()

	m.connectionMgr.RemoveConnection(ctx, handler.UUID())
	m.logger.Debugw("client disconnected", zap.Stringer("uuid", handler.UUID()))

	return conn.Err()
}

// RegisterConnectionManager sets the connection manager, which keeps track of current active connections and provides a Router implementation.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// setup binds the socket. It must be called after the endpoint is set.
func (m *module) setup() error {
	if m.endpoint.SocketPath == "" {
		return errors.New("setup called before endpoint is set")
	}
	if err := m.endpoint.Validate(); err != nil {
		return err
	}

	ln, err := Listen(m.endpoint.SocketPath)
	if err != nil {
		return err
	}
	m.ln = ln
	return nil
}

// start serves connections until the listener is closed or the daemon has been idle for idleTimeout.
func (m *module) start(ctx context.Context) {
	defer close(m.serveDone)

	m.logger.Infow("started JSON-RPC inbound", zap.String("socket", m.endpoint.SocketPath), zap.Duration("idleTimeout", m.idleTimeout))
	err := jsonrpc2.Serve(ctx, m.ln, m, m.idleTimeout)
	switch {
	case errors.Is(err, jsonrpc2.ErrIdleTimeout):
		m.logger.Infow("no connections received within idle timeout, shutting down", zap.Duration("idleTimeout", m.idleTimeout))
		// Refuse new clients right away instead of leaving them queued until OnStop.
		if err := ignoreClosed(m.ln.Close()); err != nil {
			m.logger.Warnw("closing listener", zap.Error(err))
		}
		m.requestShutdown(0)
	case m.conns.stopping(), errors.Is(err, context.Canceled):
		// Stopped through OnStop.
	default:
		m.logger.Errorw("JSON-RPC inbound stopped unexpectedly", zap.Error(err))
		m.requestShutdown(1)
	}
}

func (m *module) requestShutdown(code int) {
	if err := m.shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
		m.logger.Errorw("requesting shutdown", zap.Error(err))
	}
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeyIdleTimeout)
	if !val.HasValue() {
		return nil
	}
	if err := val.Populate(&m.idleTimeout); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyIdleTimeout, err)
	}
	if m.idleTimeout < 0 {
		return fmt.Errorf("config field %q must not be negative", _configKeyIdleTimeout)
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// connTracker counts connections being served and signals once all have ended after stop.
type connTracker struct {
	gauge tally.Gauge

	mu         sync.Mutex
	active     int
	isStopping bool
	drained    chan struct{}
}

func (c *connTracker) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isStopping {
		return false
	}
	c.active++
	c.gauge.Update(float64(c.active))
	return true
}

func (c *connTracker) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	c.gauge.Update(float64(c.active))
	if c.isStopping && c.active == 0 {
		close(c.drained)
	}
}

func (c *connTracker) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isStopping
}

// stop rejects new connections and returns a channel closed once active ones have ended.
func (c *connTracker) stop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isStopping {
		c.isStopping = true
		c.drained = make(chan struct{})
		if c.active == 0 {
			close(c.drained)
		}
	}
	return c.drained
}
