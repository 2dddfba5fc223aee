package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SessionFunc runs a session over a client connection. The connection is
// closed once it returns.
type SessionFunc func(ctx context.Context, transport *Transport) error

// Server upgrades every request to a websocket and runs a session on it.
type Server struct {
	upgrader websocket.Upgrader
	session  SessionFunc
	options  []Option
}

// NewServer creates a server running session for each connection. The
// options are applied to the transport of every connection.
func NewServer(session SessionFunc, opts ...Option) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		session: session,
		options: opts,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to upgrade connection", "error", err)
		return
	}

	transport := NewTransport(conn, s.options...)
	defer transport.Close()

	logger.InfoContext(r.Context(), "client connected", "remote_addr", r.RemoteAddr)
	if err := s.session(r.Context(), transport); err != nil {
		logger.WarnContext(r.Context(), "session failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	logger.InfoContext(r.Context(), "client disconnected", "remote_addr", r.RemoteAddr)
}

// Handler is the server wrapped with HTTP tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "websocket session")
}
