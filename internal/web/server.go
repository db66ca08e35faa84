// Package web serves the browser control page, the WebSocket channel and a small REST API.
package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/history"
)

// HistoryReader serves the audit log endpoint.
type HistoryReader interface {
	Recent(limit int) ([]*history.Entry, error)
}

// Deps groups everything the server needs.
type Deps struct {
	Config          config.WebConfig
	Control         *control.Service
	History         HistoryReader // optional
	Version         string
	ShutdownTimeout time.Duration
}

// Server is the HTTP control surface.
type Server struct {
	cfg      config.WebConfig
	svc      *control.Service
	history  HistoryReader
	version  string
	shutdown time.Duration

	hub      *Hub
	server   *http.Server
	listener net.Listener
}

// New creates a server. Nothing listens until Start is called.
func New(deps Deps) *Server {
	shutdown := deps.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}

	s := &Server{
		cfg:      deps.Config,
		svc:      deps.Control,
		history:  deps.History,
		version:  deps.Version,
		shutdown: shutdown,
		hub:      NewHub(deps.Control, deps.Config.RateLimit, deps.Config.RateBurst),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the viewer hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	r.Get("/health", s.handleHealth)

	// The original control page connected to /websocket.
	r.Get("/ws", s.handleWebSocket)
	r.Get("/websocket", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Put("/{idx}", s.handleSetChannel)
		})
		r.Route("/transitions", func(r chi.Router) {
			r.Get("/", s.handleListTransitions)
			r.Post("/", s.handleStartTransition)
		})
		r.Get("/history", s.handleHistory)
	})

	r.Handle("/*", staticHandler(s.cfg.DocumentRoot))

	return r
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	log.Info().Str("addr", ln.Addr().String()).Msg("Starting web server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		s.hub.CloseAll()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Web server shutdown error")
		}
	}()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Web server error")
		}
	}()

	return nil
}

// Port returns the port the server listens on, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Interface("request_id", r.Context().Value(ctxKeyRequestID)).
			Msg("HTTP request")
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic recovered in HTTP handler")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status. It forwards Hijack so WebSocket
// upgrades work through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
