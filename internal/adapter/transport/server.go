package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ConnectFunc serves one accepted connection from origin. It owns the
// transport until it returns; the server closes the transport afterwards.
type ConnectFunc func(ctx context.Context, connID uint64, origin string, t *WebSocket)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithToken requires clients to present token in the "token" query parameter.
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithOriginPatterns replaces the allowed Origin patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.origins = patterns }
}

// WithPath sets the WebSocket upgrade path. Defaults to "/ws".
func WithPath(path string) ServerOption {
	return func(s *Server) { s.path = path }
}

// WithMiddleware wraps every route, the first wrapper outermost.
func WithMiddleware(mws ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mws...) }
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// Server accepts WebSocket connections from page bridges and hands each one
// to a ConnectFunc.
type Server struct {
	addr       string
	path       string
	token      string
	origins    []string
	onConnect  ConnectFunc
	middleware []func(http.Handler) http.Handler
	logger     *slog.Logger

	httpSrv    *http.Server
	httpRoutes []httpRoute
	conns      sync.Map // connID (uint64) -> *WebSocket
	nextID     atomic.Uint64
	active     atomic.Int64

	boundMu   sync.Mutex
	boundAddr string
	ready     chan struct{}
}

// NewServer creates a server listening on addr.
func NewServer(addr string, onConnect ConnectFunc, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:      addr,
		path:      "/ws",
		onConnect: onConnect,
		logger:    logger,
		origins: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
			"chrome-extension://*",
		},
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHTTPRoute adds a plain HTTP handler. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	s.boundMu.Lock()
	s.boundAddr = listener.Addr().String()
	s.boundMu.Unlock()
	var handler http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	s.httpSrv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	close(s.ready)

	s.logger.Info("transport server started", "addr", s.BoundAddr(), "path", s.path)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.boundMu.Lock()
	defer s.boundMu.Unlock()
	return s.boundAddr
}

// Active returns the number of open connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.conns.Range(func(key, value any) bool {
		value.(*WebSocket).Close()
		s.conns.Delete(key)
		return true
	})
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	t := NewWebSocket(ws, s.logger.With("conn_id", connID))
	s.conns.Store(connID, t)
	s.active.Add(1)
	origin := r.Header.Get("Origin")
	s.logger.Info("bridge connected", "conn_id", connID, "origin", origin)

	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	s.onConnect(ctx, connID, origin, t)
	cancel()

	t.Close()
	s.conns.Delete(connID)
	s.active.Add(-1)
	s.logger.Info("bridge disconnected", "conn_id", connID)
}
