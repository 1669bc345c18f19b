// Package server exposes the HTTP surface of the coordination service: the
// WebSocket entry point, health checks, and the admin maintenance API.
package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"watchroom/internal/engine"
	"watchroom/internal/gateway"
	"watchroom/internal/models"
	"watchroom/internal/observability/logging"
	"watchroom/internal/storage"
)

// Config wires the HTTP server to the rest of the service.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Engine  *engine.Engine
	Gateway *gateway.Gateway
	Store   storage.Store
	// AdminToken gates the admin endpoints. When empty they respond 404.
	AdminToken string
	Security   SecurityConfig
}

// Server owns the configured http.Server for the service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	engine     *engine.Engine
	gateway    *gateway.Gateway
	store      storage.Store
	adminToken string
}

// New builds the route table and middleware chain.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		logger:     logger,
		engine:     cfg.Engine,
		gateway:    cfg.Gateway,
		store:      cfg.Store,
		adminToken: strings.TrimSpace(cfg.AdminToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.health)
	mux.HandleFunc("/ws", srv.websocket)
	mux.HandleFunc("/api/admin/messages/purge", srv.purgeMessages)

	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = logging.RequestLogger(logger)(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// HTTPServer returns the configured http.Server for the runtime harness.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	overall := "ok"
	status := http.StatusOK
	components := make([]componentStatus, 0, 1)
	if s.store != nil {
		entry := componentStatus{Component: "datastore", Status: "ok"}
		if err := s.store.Ping(r.Context()); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}
		components = append(components, entry)
	}

	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

// websocket resolves the caller's identity from the request and hands the
// connection to the gateway. Identity claims are trusted as-is; terminating
// authentication belongs to the deployment in front of this server.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.gateway.HandleConnection(w, r, identity)
}

func identityFromRequest(r *http.Request) (models.Identity, error) {
	query := r.URL.Query()
	rawID := strings.TrimSpace(query.Get("user_id"))
	if rawID == "" {
		return models.Identity{}, errors.New("user_id is required")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return models.Identity{}, errors.New("user_id must be a positive integer")
	}
	username := strings.TrimSpace(query.Get("username"))
	if username == "" {
		username = fmt.Sprintf("user-%d", id)
	}
	return models.Identity{
		ID:        id,
		Username:  username,
		Avatar:    strings.TrimSpace(query.Get("avatar")),
		Role:      models.ParseRole(strings.TrimSpace(query.Get("role"))),
		Classname: strings.TrimSpace(query.Get("classname")),
		Icon:      strings.TrimSpace(query.Get("icon")),
		LevelText: strings.TrimSpace(query.Get("level_text")),
	}, nil
}

// purgeMessages deletes every unpinned global message and reports how many
// were removed.
func (s *Server) purgeMessages(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if !s.authorizeAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}

	deleted, err := s.engine.PurgeGlobalMessages(r.Context())
	if err != nil {
		logging.WithContext(r.Context(), s.logger).Error("purge global messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("purge failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
