// Package api provides the HTTP API, the messaging webhook, and middleware
// for the relay.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nexusctl/nexus/internal/auth"
	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/internal/conversation"
	"github.com/nexusctl/nexus/internal/pairing"
	"github.com/nexusctl/nexus/internal/router"
	"github.com/nexusctl/nexus/internal/store"
	"github.com/nexusctl/nexus/pkg/protocol"
)

// Messenger is the outbound messaging channel, including inbound media
// retrieval for voice notes.
type Messenger interface {
	router.Messenger
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// Classifier turns free-form issuer text into intents and replies.
type Classifier interface {
	Parse(ctx context.Context, text string, history []conversation.Turn) (protocol.Intent, error)
	Chat(ctx context.Context, text string, history []conversation.Turn) (string, error)
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	codes         *pairing.Store
	history       *conversation.History
	messenger     Messenger
	classifier    Classifier
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	verifyToken   string
	triggerPhrase string
	contextTurns  int
	loginRL       *rateLimiter
	webhookRL     *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, codes *pairing.Store, hist *conversation.History, m Messenger, cl Classifier, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		codes:         codes,
		history:       hist,
		messenger:     m,
		classifier:    cl,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		verifyToken:   cfg.WhatsApp.VerifyToken,
		triggerPhrase: strings.ToLower(cfg.WhatsApp.TriggerPhrase),
		contextTurns:  cfg.Conversation.ContextTurns,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL, "too many login attempts")).Post("/api/auth/login", srv.handleLogin)
	}

	// Messaging webhook. Verification is unauthenticated by design; the POST
	// side is guarded by the verify token being secret and per-IP limiting.
	srv.webhookRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Get("/webhook", srv.handleWebhookVerify)
	mux.With(ipRateLimitMiddleware(srv.webhookRL, "rate limit exceeded")).Post("/webhook", srv.handleWebhook)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws/device", rt.HandleDeviceWS)
	mux.Get("/ws/dashboard", rt.HandleDashboardWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/devices", srv.handleListDevices)
		r.Post("/api/commands", srv.handleDispatchCommand)
		r.Get("/api/conversations/{identity}", srv.handleGetConversation)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	// Serve dashboard static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try serving the file, fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.webhookRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", "", "",
			json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), store.ActionUserLogin, userID, "", "", nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Device and command handlers ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.DeviceList())
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Identity string         `json:"identity"`
		Action   string         `json:"action"`
		Command  string         `json:"command"`
		Params   map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "action and command are required")
		return
	}

	target := req.Identity
	if target == "" {
		sole, ok := s.router.SoleIdentity()
		if !ok {
			writeError(w, http.StatusBadRequest, "no device specified and no single device to default to")
			return
		}
		target = sole
	}

	intent := protocol.Intent{Action: req.Action, Command: req.Command, Params: req.Params}
	commandID, err := s.router.Route(r.Context(), target, intent, router.OriginDashboard)
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("no device connected for %s", target))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id": commandID,
		"identity":   target,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	turns := s.history.Snapshot(identity)
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "turns": turns})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	action := r.URL.Query().Get("action")
	identity := r.URL.Query().Get("identity")
	commandID := r.URL.Query().Get("command_id")

	var events []store.AuditEvent
	var err error

	if action != "" || identity != "" || commandID != "" {
		events, err = s.store.ListAuditEventsFiltered(r.Context(), store.AuditFilter{
			Action:    action,
			Identity:  identity,
			CommandID: commandID,
			Limit:     limit,
			Offset:    offset,
		})
	} else {
		events, err = s.store.ListAuditEvents(r.Context(), limit, offset)
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID, identity, commandID string, detail json.RawMessage) {
	err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Identity:  identity,
		CommandID: commandID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
