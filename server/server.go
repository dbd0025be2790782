package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cipherline/engine"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	engine   *engine.Engine
	config   *ServerConfig
	http     *http.Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup // running websocket handlers
}

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueue      int   // buffered events per connection
	MaxFrameBytes  int64 // largest client frame
	MaxAvatarBytes int64
}

func New(eng *engine.Engine, config *ServerConfig, log *slog.Logger) *Server {
	if config.SendQueue <= 0 {
		config.SendQueue = 512
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = 16 << 10
	}
	if config.MaxAvatarBytes <= 0 {
		config.MaxAvatarBytes = engine.DefaultMaxAvatarBytes
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		engine: eng,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
	return s
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /accounts", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)

	mux.HandleFunc("GET /@me", s.requireAuth(s.handleProfile))
	mux.HandleFunc("DELETE /@me", s.requireAuth(s.handleDeleteAccount))
	mux.HandleFunc("PATCH /@me/nickname", s.requireAuth(s.handleChangeNickname))
	mux.HandleFunc("PATCH /@me/password", s.requireAuth(s.handleChangePassword))

	mux.HandleFunc("POST /avatars", s.requireAuth(s.handleSetAvatar))
	mux.HandleFunc("GET /avatars/{hash}", s.handleAvatar)

	mux.HandleFunc("GET /conversations", s.requireAuth(s.handleConversations))
	mux.HandleFunc("POST /conversations", s.requireAuth(s.handleInitiateConversation))
	mux.HandleFunc("GET /conversations/{user}", s.requireAuth(s.handleConversation))
	mux.HandleFunc("DELETE /conversations/{user}", s.requireAuth(s.handleDeleteConversation))
	mux.HandleFunc("POST /key", s.requireAuth(s.handleSendKey))
	mux.HandleFunc("GET /keys/{user}", s.requireAuth(s.handlePeerKey))

	mux.HandleFunc("GET /users/{user}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /users/{user}/messages/purge", s.requireAuth(s.handlePurgeMessages))
	mux.HandleFunc("POST /messages", s.requireAuth(s.handleSendMessage))
	mux.HandleFunc("PATCH /messages", s.requireAuth(s.handleEditMessage))
	mux.HandleFunc("GET /messages/{id}", s.requireAuth(s.handleGetMessage))
	mux.HandleFunc("DELETE /messages/{id}", s.requireAuth(s.handleDeleteMessage))
	mux.HandleFunc("POST /messages/{id}/read", s.requireAuth(s.handleMarkRead))

	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return s.logging(mux)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.log.Info("cipherline server started", "addr", listener.Addr().String())
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown says bye to every live connection, stops the listener and waits
// for the websocket handlers to finish.
// reason is free text such as "maintenance" or "restart"; a zero
// completionTime means no announced return time.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	var until *time.Time
	if !completionTime.IsZero() {
		t := completionTime.UTC()
		until = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.engine.Shutdown(ctx, reason, until)
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("http shutdown", "err", err)
	}

	// http.Server.Shutdown does not wait for hijacked connections.
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("websocket handlers still running after grace period")
	}
}

// track counts a websocket handler in. It refuses once Shutdown started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	stats := s.engine.Registry().Stats()
	return "connections=" + strconv.Itoa(stats.Connections) + ",users=" + strings.Join(stats.Accounts, ";")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
