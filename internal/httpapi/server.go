// Package httpapi is the relay's HTTP surface: negotiate, the push hub
// upgrade, and the SAS-authorized queue and blob gateways.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/auth"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/sas"
	"github.com/glimte/mmate-relay/push"
	"nhooyr.io/websocket"
)

// DefaultMaxBlobSize bounds uploads through the blob gateway.
const DefaultMaxBlobSize = 256 << 20

// Authenticator validates principal bearer tokens.
type Authenticator interface {
	Authenticate(token string, role contracts.Role, requiredScope string) (contracts.Principal, error)
}

// Sessions issues and parses the tokens handed out by negotiate.
type Sessions interface {
	Issue(p contracts.Principal) (string, error)
	Parse(token string) (contracts.Principal, error)
}

// Verifier checks SAS tokens.
type Verifier interface {
	Verify(token, resource string, need sas.Permission) error
}

// SessionServer runs a push session.
type SessionServer interface {
	Serve(ctx context.Context, conn push.Conn, p contracts.Principal) error
}

// BlobListener is told about blobs written to an outbox container.
type BlobListener func(ctx context.Context, ref blob.Ref) error

// Config wires the server's collaborators. Health and OnBlobCreated are
// optional.
type Config struct {
	PublicURL string

	// Scope is required at negotiate for roles without an entry in
	// RoleScopes.
	Scope      string
	RoleScopes map[contracts.Role]string

	Auth          Authenticator
	Sessions      Sessions
	Hub           SessionServer
	Queues        queue.Store
	Blobs         blob.Store
	SAS           Verifier
	Health        *health.Registry
	OnBlobCreated BlobListener

	OriginPatterns []string
	MaxBlobSize    int64
	HealthTimeout  time.Duration
	Logger         *slog.Logger
}

// Server routes requests by hand.
type Server struct {
	cfg    Config
	hubURL string
}

// NewServer fills defaults and returns a server.
func NewServer(cfg Config) *Server {
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = health.NewRegistry()
	}
	base := strings.TrimSuffix(cfg.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &Server{cfg: cfg, hubURL: base}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		health.Handler(s.cfg.Health, s.cfg.HealthTimeout)(w, r)
		return
	case "/health/live":
		health.LivenessHandler()(w, r)
		return
	case "/health/ready":
		health.ReadinessHandler(s.cfg.Health, s.cfg.HealthTimeout)(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "negotiate" && r.Method == http.MethodPost:
		s.handleNegotiate(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "hub" && r.Method == http.MethodGet:
		s.handleHub(w, r, parts[0])
	case len(parts) == 4 && parts[0] == "queues" && parts[2] == "messages" && parts[3] == "dequeue" && r.Method == http.MethodPost:
		s.handleDequeue(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "queues" && parts[2] == "messages" && r.Method == http.MethodDelete:
		s.handleDeleteMessage(w, r, parts[1], parts[3])
	case len(parts) == 4 && parts[0] == "queues" && parts[2] == "messages" && r.Method == http.MethodPut:
		s.handleUpdateMessage(w, r, parts[1], parts[3])
	case len(parts) >= 3 && parts[0] == "blobs" && r.Method == http.MethodGet:
		s.handleGetBlob(w, r, strings.Join(parts[1:], "/"))
	case len(parts) >= 3 && parts[0] == "blobs" && r.Method == http.MethodPut:
		s.handlePutBlob(w, r, strings.Join(parts[1:], "/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// roleFromPath accepts only the principal role segments.
func roleFromPath(segment string) (contracts.Role, bool) {
	switch segment {
	case contracts.PrefixClients:
		return contracts.RoleClient, true
	case contracts.PrefixConnectors:
		return contracts.RoleConnector, true
	}
	return "", false
}

func (s *Server) requiredScope(role contracts.Role) string {
	if scope := s.cfg.RoleScopes[role]; scope != "" {
		return scope
	}
	return s.cfg.Scope
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request, segment string) {
	role, ok := roleFromPath(segment)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", auth.ErrMissingToken.Error())
		return
	}
	p, err := s.cfg.Auth.Authenticate(token, role, s.requiredScope(role))
	if err != nil {
		status := auth.StatusCode(err)
		s.cfg.Logger.Info("negotiate rejected", "role", string(role), "status", status, "error", err)
		code := "unauthorized"
		if status == http.StatusForbidden {
			code = "forbidden"
		}
		writeError(w, status, code, err.Error())
		return
	}
	session, err := s.cfg.Sessions.Issue(p)
	if err != nil {
		s.cfg.Logger.Error("issue session token", "principal", p.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not issue session")
		return
	}
	writeJSON(w, http.StatusOK, push.NegotiateResponse{
		URL:         s.hubURL + "/" + segment + "/hub",
		AccessToken: session,
	})
}

func (s *Server) handleHub(w http.ResponseWriter, r *http.Request, segment string) {
	role, ok := roleFromPath(segment)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	p, err := s.cfg.Sessions.Parse(r.URL.Query().Get("access_token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if p.Role != role {
		writeError(w, http.StatusForbidden, "forbidden", "session was negotiated for another role")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "principal", p.String(), "error", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	if err := s.cfg.Hub.Serve(r.Context(), conn, p); err != nil {
		s.cfg.Logger.Info("push session ended with error", "principal", p.String(), "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// authorizeSAS writes the failure response itself and reports whether the
// request may proceed.
func (s *Server) authorizeSAS(w http.ResponseWriter, r *http.Request, resource string, need sas.Permission) bool {
	sig := r.URL.Query().Get("sig")
	if sig == "" {
		writeError(w, http.StatusUnauthorized, "AuthenticationFailed", "missing signature")
		return false
	}
	if err := s.cfg.SAS.Verify(sig, resource, need); err != nil {
		writeError(w, http.StatusForbidden, "AuthenticationFailed", err.Error())
		return false
	}
	return true
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request, name string) {
	if !s.authorizeSAS(w, r, sas.QueueResource(name), sas.Process) {
		return
	}
	visibility, ok := parseVisibility(w, r)
	if !ok {
		return
	}
	msg, err := s.cfg.Queues.Dequeue(r.Context(), name, visibility)
	if err != nil {
		s.writeQueueError(w, name, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, name, id string) {
	if !s.authorizeSAS(w, r, sas.QueueResource(name), sas.Process) {
		return
	}
	if err := s.cfg.Queues.Delete(r.Context(), name, id, r.URL.Query().Get("popreceipt")); err != nil {
		s.writeQueueError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request, name, id string) {
	if !s.authorizeSAS(w, r, sas.QueueResource(name), sas.Update) {
		return
	}
	visibility, ok := parseVisibility(w, r)
	if !ok {
		return
	}
	receipt, err := s.cfg.Queues.UpdateVisibility(r.Context(), name, id, r.URL.Query().Get("popreceipt"), visibility)
	if err != nil {
		s.writeQueueError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) writeQueueError(w http.ResponseWriter, name string, err error) {
	switch code := queue.ErrorCode(err); code {
	case queue.CodeQueueNotFound, queue.CodeMessageNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
	case queue.CodeReceiptMismatch:
		writeError(w, http.StatusBadRequest, code, err.Error())
	default:
		s.cfg.Logger.Error("queue gateway failure", "queue", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "queue operation failed")
	}
}

func parseVisibility(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("visibility")
	if raw == "" {
		return 0, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "visibility must be a non-negative number of milliseconds")
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request, path string) {
	ref, err := blob.ParseRef(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if !s.authorizeSAS(w, r, sas.BlobResource(ref.String()), sas.Read) {
		return
	}
	data, props, err := s.cfg.Blobs.Get(r.Context(), ref)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "BlobNotFound", "blob not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("blob gateway read failed", "blob", ref.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "read failed")
		return
	}
	if props.ContentType != "" {
		w.Header().Set("Content-Type", props.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request, path string) {
	ref, err := blob.ParseRef(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if !s.authorizeSAS(w, r, sas.BlobResource(ref.String()), sas.Write) {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "blob exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	metadata := map[string]string{blob.MetadataTenant: ref.Tenant()}
	if err := s.cfg.Blobs.Put(r.Context(), ref, data, r.Header.Get("Content-Type"), metadata); err != nil {
		s.cfg.Logger.Error("blob gateway write failed", "blob", ref.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "write failed")
		return
	}

	if blob.IsOutbox(ref.Container) && s.cfg.OnBlobCreated != nil {
		if err := s.cfg.OnBlobCreated(r.Context(), ref); err != nil {
			s.cfg.Logger.Warn("created-blob listener failed", "blob", ref.String(), "error", err)
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
