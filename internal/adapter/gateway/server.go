// Package gateway exposes the arbiter over HTTP and WebSocket: a status
// endpoint, on-demand planning, and a live stream of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/middleware"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (any, error)

type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a Server.
type Options struct {
	Addr           string
	Auth           Authenticator
	RequestsPerMin int
	Burst          int
}

// Server is the HTTP/WebSocket gateway.
type Server struct {
	bus     domain.EventBus
	auth    Authenticator
	limiter *middleware.ClientLimiter
	logger  *slog.Logger
	addr    string

	mux        *http.ServeMux
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler

	clients   sync.Map // uint64 -> *clientConn
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	boundAddr atomic.Value // string

	mu       sync.Mutex
	httpSrv  *http.Server
	unsubAll func()
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a gateway. A nil Auth admits everyone.
func NewServer(bus domain.EventBus, opts Options, logger *slog.Logger) *Server {
	if opts.Auth == nil {
		opts.Auth = NewTokenAuth(nil)
	}
	s := &Server{
		bus:      bus,
		auth:     opts.Auth,
		logger:   logger,
		addr:     opts.Addr,
		mux:      http.NewServeMux(),
		handlers: make(map[string]RPCHandler),
	}
	if opts.RequestsPerMin > 0 {
		s.limiter = middleware.NewClientLimiter(middleware.RateLimitConfig{
			RequestsPerMin: opts.RequestsPerMin,
			Burst:          opts.Burst,
		})
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	return s
}

// RegisterHandler adds an RPC method. Safe to call while serving.
func (s *Server) RegisterHandler(method string, h RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute mounts an authenticated HTTP handler. Call before Start.
func (s *Server) RegisterHTTPRoute(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, requireAuth(s.auth, h))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mws := []func(http.Handler) http.Handler{
		middleware.Recover(s.logger),
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
	}
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware)
	}
	return middleware.Chain(s.mux, mws...)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.httpSrv = srv
	if s.bus != nil {
		s.unsubAll = s.bus.SubscribeAll(s.forward)
	}
	s.mu.Unlock()
	s.boundAddr.Store(ln.Addr().String())
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	s.logger.Info("gateway started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every stream and shuts the HTTP server down. Only the first
// call has any effect.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	srv, unsub := s.httpSrv, s.unsubAll
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the address the server bound to, or "" before Start.
func (s *Server) BoundAddr() string {
	v, _ := s.boundAddr.Load().(string)
	return v
}

// Dropped counts events not delivered to slow clients.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) forward(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.dropped.Add(1)
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(tokenFrom(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := s.nextID.Add(1)
	cc := &clientConn{info: info, ws: ws, sendCh: make(chan Frame, 64), done: make(chan struct{})}
	s.clients.Store(id, cc)
	s.logger.Info("gateway client connected", "conn_id", id, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}
		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatch(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	h, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	resp := Frame{Type: FrameTypeResponse, ID: req.ID}
	if !ok {
		resp.Error = "unknown method " + req.Method
		resp.Code = string(domain.CodeNotFound)
	} else if result, err := h(ctx, cc.info, req.Payload); err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	} else if raw, err := json.Marshal(result); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Payload = raw
	}

	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", req.ID)
	}
}
