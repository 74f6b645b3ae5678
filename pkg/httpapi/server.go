// Package httpapi exposes the sync engine over HTTP: a small JSON API for snapshots and one-shot posts,
// plus the websocket endpoint that carries the live channel.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/teamsync/pkg/engine"
	"github.com/astromechza/teamsync/pkg/transport"
)

// KeySource generates keys for new workspaces.
type KeySource interface {
	NewKey() string
}

type Server struct {
	engine   *engine.Engine
	keys     KeySource
	connOpts transport.Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(eng *engine.Engine, keys KeySource, connOpts transport.Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   eng,
		keys:     keys,
		connOpts: connOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// workspace keys are the only boundary, any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler returns the full HTTP surface with CORS open to every origin and panics recovered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodPost).Path("/api/workspace").HandlerFunc(s.createWorkspace)
	r.Methods(http.MethodGet).Path("/api/workspace/{key}").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodPost).Path("/api/workspace/{key}/message").HandlerFunc(s.postMessage)
	r.Methods(http.MethodPost).Path("/api/workspace/{key}/task").HandlerFunc(s.postTask)
	r.Methods(http.MethodPost).Path("/api/workspace/{key}/task/{id}/toggle").HandlerFunc(s.toggleTask)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.channel)

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(r)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(recovered)
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.logger.InfoContext(request.Context(), "handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) channel(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.WarnContext(request.Context(), "failed to upgrade", "err", err)
		return
	}
	transport.Serve(request.Context(), conn, s.engine, s.connOpts, s.logger)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from panic", "panic", fmt.Sprint(v...))
}
