// Package ws carries sessions over WebSocket: admission, the read and
// write pumps of each connection, and the HTTP surface next to them.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
)

// Core is the session-facing side of the dispatcher.
type Core interface {
	Connect(ctx context.Context, userID string, conn registry.Conn) *registry.Session
	Disconnect(ctx context.Context, sessionID string)
	Handle(ctx context.Context, s *registry.Session, frame []byte)
}

// Server upgrades authenticated requests and runs each connection.
type Server struct {
	core     Core
	auth     Authenticator
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(core Core, auth Authenticator, opts Options, logger *zap.Logger) *Server {
	return &Server{
		core: core,
		auth: auth,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers on other origins are admitted; identity comes from
			// the proxy header or a pairing code, never from cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug("websocket admission refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	ctx := context.WithoutCancel(r.Context())
	c := newConn(ws, s.opts, s.logger)
	s.track(c, true)
	defer s.track(c, false)

	sess := s.core.Connect(ctx, userID, c)
	go c.writePump()
	c.readPump(func(frame []byte) { s.core.Handle(ctx, sess, frame) })
	s.core.Disconnect(ctx, sess.ID)
	_ = c.Close()
}

func (s *Server) track(c *Conn, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Shutdown closes every live connection and waits for their sessions to
// be released or ctx to end.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("websocket sessions still open at shutdown")
	}
}

// NewMux serves the session endpoint, Prometheus metrics and a health
// probe that reflects the daemon state.
func NewMux(ws http.Handler, m *metrics.Metrics, st *status.Machine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		cur := st.Current()
		if cur != status.Serving && cur != status.Degraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(cur + "\n"))
	})
	return mux
}
