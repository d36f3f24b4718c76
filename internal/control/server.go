// Package control serves the local API the host application uses to drive
// the agent: login and logout, lifecycle signals, manual status, the latest
// snapshot, a websocket event stream and Prometheus metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/presence"
	"github.com/a1tools/agent/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Reporter is the heartbeat reporter as seen by the API.
type Reporter interface {
	Start(username string)
	Stop()
	SetStatus(presence.Status) error
	CurrentStatus() presence.Status
	Running() bool
	Failures() int
}

// Deps are the components the API drives.
type Deps struct {
	Machine  *presence.Machine
	Reporter Reporter
	Session  *session.Session
	Metrics  *metrics.Metrics
}

// Server is the control API.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
	cancel   func()

	mu     sync.RWMutex
	latest *models.MetricsSnapshot
}

type sessionRequest struct {
	Username string `json:"username"`
}

type lifecycleRequest struct {
	State  string `json:"state"`
	Screen string `json:"screen"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Status   presence.Status `json:"status"`
	Running  bool            `json:"running"`
	Failures int             `json:"failures"`
	Username string          `json:"username"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// New builds the API and subscribes to presence changes so they reach the
// event stream.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("control")
	s := &Server{
		deps:   deps,
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
	}
	s.cancel = deps.Machine.Subscribe(s.PublishStatus)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.deps.Metrics.Middleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(guardMutations)
	v1.HandleFunc("/session", s.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/session", s.handleLogout).Methods(http.MethodDelete)
	v1.HandleFunc("/lifecycle", s.handleLifecycle).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleSetStatus).Methods(http.MethodPut)
	v1.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// PublishSnapshot caches snap as the latest snapshot and broadcasts it.
func (s *Server) PublishSnapshot(snap models.MetricsSnapshot) {
	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()
	s.hub.Broadcast(Event{Type: EventSnapshot, Data: snap})
}

// PublishStatus broadcasts a presence change.
func (s *Server) PublishStatus(status presence.Status) {
	s.deps.Metrics.SetPresence(string(status))
	s.hub.Broadcast(Event{Type: EventStatus, Data: s.status()})
}

// PublishAuthError tells the host that the server rejected the agent's
// credentials and a new login is required.
func (s *Server) PublishAuthError() {
	s.hub.Broadcast(Event{Type: EventAuthError, Data: errorResponse{Message: "authentication required"}})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("Control API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) close() {
	s.cancel()
	s.hub.closeAll()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	s.deps.Session.Login(username)
	s.deps.Reporter.Start(username)
	s.logger.Info("Host login", zap.String("username", username))
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Reporter.Stop()
	prev := s.deps.Session.Logout()
	s.logger.Info("Host logout", zap.String("username", prev))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	state, err := presence.ParseLifecycle(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Screen != "" {
		s.deps.Machine.SetScreen(req.Screen)
	}
	s.deps.Machine.Signal(state)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Reporter.SetStatus(status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest == nil {
		writeError(w, http.StatusNotFound, "no snapshot collected yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := s.hub.register(conn)
	go s.hub.writePump(c)
	s.hub.readPump(c)
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Status:   s.deps.Reporter.CurrentStatus(),
		Running:  s.deps.Reporter.Running(),
		Failures: s.deps.Reporter.Failures(),
		Username: s.deps.Session.Username(),
	}
}

// localOrigin accepts non-browser clients (no Origin header), pages served
// from a loopback host and the host application's own app:// scheme.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "app":
		return true
	case "http", "https":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

// guardMutations rejects state-changing requests from foreign origins and
// bodies that are not JSON, so a cross-site form post cannot drive the agent.
func guardMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !localOrigin(r) {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		if r.Method != http.MethodDelete {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Message: msg})
}
