package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/handlesync/internal/remote"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret              string
	MaxBodyBytes           int64
	MaxSubscriptionBacklog int
	Logger                 Logger
}

// Server exposes a MemoryStore over HTTP: read and write single locations
// under /v1/tree and speak the Ref protocol over a websocket at /v1/stream.
type Server struct {
	store *remote.MemoryStore
	cfg   ServerConfig
	now   func() time.Time
}

func NewServer(store *remote.MemoryStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *remote.MemoryStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxSubscriptionBacklog <= 0 {
		cfg.MaxSubscriptionBacklog = 1024
	}
	return &Server{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/tree" && r.Method == http.MethodGet:
		s.handleTreeGet(w, r)
	case r.URL.Path == "/v1/tree" && r.Method == http.MethodPut:
		s.handleTreePut(w, r)
	case r.URL.Path == "/v1/tree" && r.Method == http.MethodDelete:
		s.handleTreeDelete(w, r)
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope string) (tokenClaims, bool) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return tokenClaims{}, false
	}
	return claims, true
}

func (s *Server) treePath(w http.ResponseWriter, r *http.Request, claims tokenClaims) (string, bool) {
	path := remote.NormalizePath(r.URL.Query().Get("path"))
	if !withinRoot(claims.Root, path) {
		writeError(w, http.StatusForbidden, "forbidden", "path outside token root", getCorrelationID(r))
		return "", false
	}
	return path, true
}

func (s *Server) handleTreeGet(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeRead)
	if !ok {
		return
	}
	path, ok := s.treePath(w, r, claims)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     path,
		"value":    s.store.Get(path),
		"revision": s.store.Revision(),
	})
}

func (s *Server) handleTreePut(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeWrite)
	if !ok {
		return
	}
	path, ok := s.treePath(w, r, claims)
	if !ok {
		return
	}
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	if err := s.store.Ref(path).Set(value); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "revision": s.store.Revision()})
}

func (s *Server) handleTreeDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeWrite)
	if !ok {
		return
	}
	path, ok := s.treePath(w, r, claims)
	if !ok {
		return
	}
	if err := s.store.Ref(path).Remove(); err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "revision": s.store.Revision()})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeRead)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("stream accept failed: %v", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &streamSession{
		server: s,
		conn:   conn,
		claims: claims,
		out:    make(chan remote.Frame, s.cfg.MaxSubscriptionBacklog),
		subs:   map[uint64]streamSub{},
		ctx:    ctx,
		cancel: cancel,
	}
	go sess.writeLoop()
	err = sess.readLoop()
	sess.releaseAll()
	cancel()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		if sess.overflowed() {
			s.logf("stream for %s dropped: subscription backlog exceeded", claims.AgentName)
			_ = conn.Close(websocket.StatusPolicyViolation, "subscription backlog exceeded")
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			s.logf("stream for %s ended: %v", claims.AgentName, err)
		}
		_ = conn.Close(websocket.StatusInternalError, "stream ended")
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func withinRoot(root, path string) bool {
	root = remote.NormalizePath(root)
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

func storeErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, remote.ErrInvalidPath), errors.Is(err, remote.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, remote.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	status, code := storeErrorCode(err)
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
