// Package router manages WebSocket connections for devices and dashboards,
// and routes commands and results between issuers and devices.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexusctl/nexus/internal/auth"
	"github.com/nexusctl/nexus/internal/conversation"
	"github.com/nexusctl/nexus/internal/pairing"
	"github.com/nexusctl/nexus/internal/session"
	"github.com/nexusctl/nexus/internal/store"
	"github.com/nexusctl/nexus/pkg/protocol"
)

// ErrNotConnected is returned by Route when the identity has no live device.
var ErrNotConnected = errors.New("device not connected")

// Command origins, recorded per in-flight command so results and timeouts
// reach the right surface.
const (
	OriginIssuer    = "issuer"
	OriginDashboard = "dashboard"
)

// Messenger delivers command outcomes back to issuers.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to, imageBase64, caption string) error
}

// wsConn is the subset of *websocket.Conn the router writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router manages all WebSocket connections and command routing.
type Router struct {
	registry     *session.Registry
	codes        *pairing.Store
	history      *conversation.History
	store        store.Store
	authProvider auth.Provider
	messenger    Messenger
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	commandTimeout time.Duration

	maxDeviceMessageSize    int64
	maxDashboardMessageSize int64

	mu                       sync.RWMutex
	dashboards               map[string]*dashboardConn // conn_id -> conn
	dashboardsByUser         map[string]int
	maxDashboardConnsPerUser int
	pending                  map[string]*pendingCommand // command_id -> command
}

type pendingCommand struct {
	commandID string
	identity  string
	origin    string
	timer     *time.Timer
}

type deviceConn struct {
	conn     wsConn
	mu       sync.Mutex
	hostname string
}

type dashboardConn struct {
	id          string
	userID      string
	username    string
	role        string
	conn        wsConn
	mu          sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

// Options configures the Router.
type Options struct {
	AllowedOrigins           []string // for WebSocket origin check
	MaxDeviceMsgBytes        int64    // max WebSocket message size from devices (default 8MB)
	MaxDashboardMsgBytes     int64    // max WebSocket message size from dashboards (default 64KB)
	CommandTimeout           time.Duration
	MaxDashboardConnsPerUser int
}

// New creates a new Router.
func New(reg *session.Registry, codes *pairing.Store, hist *conversation.History, s store.Store, ap auth.Provider, m Messenger, logger *slog.Logger, opts Options) *Router {
	deviceLimit := opts.MaxDeviceMsgBytes
	if deviceLimit == 0 {
		deviceLimit = 8 * 1024 * 1024 // screenshots arrive base64-encoded
	}
	dashLimit := opts.MaxDashboardMsgBytes
	if dashLimit == 0 {
		dashLimit = 64 * 1024
	}
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout == 0 {
		cmdTimeout = 60 * time.Second
	}
	maxConnsPerUser := opts.MaxDashboardConnsPerUser
	if maxConnsPerUser == 0 {
		maxConnsPerUser = 10
	}

	return &Router{
		registry:                 reg,
		codes:                    codes,
		history:                  hist,
		store:                    s,
		authProvider:             ap,
		messenger:                m,
		logger:                   logger.With("component", "router"),
		upgrader:                 makeUpgrader(opts.AllowedOrigins),
		commandTimeout:           cmdTimeout,
		maxDeviceMessageSize:     deviceLimit,
		maxDashboardMessageSize:  dashLimit,
		dashboards:               make(map[string]*dashboardConn),
		dashboardsByUser:         make(map[string]int),
		maxDashboardConnsPerUser: maxConnsPerUser,
		pending:                  make(map[string]*pendingCommand),
	}
}

// HandleDeviceWS handles WebSocket connections from devices. A connection is
// inert until a register message claims a valid pairing code; until then the
// relay routes nothing to or from it.
func (r *Router) HandleDeviceWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("device websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(r.maxDeviceMessageSize)

	dc := &deviceConn{conn: conn}
	cancelKeepalive := startWSKeepalive(conn, &dc.mu)
	defer cancelKeepalive()

	defer r.deviceClosed(dc)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("device read error", "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from device", "error", err)
			continue
		}

		r.handleDeviceMessage(dc, env)
	}
}

// deviceClosed runs once per device connection when its read loop exits.
func (r *Router) deviceClosed(dc *deviceConn) {
	identity, ok := r.registry.Unbind(dc)
	if !ok {
		return // never registered, or superseded by a newer connection
	}
	r.logger.Info("device disconnected", "identity", identity)
	r.BroadcastLog("activity", fmt.Sprintf("Device for %s disconnected", identity))
	r.audit(store.ActionDeviceDisconnect, identity, "", nil)
}

func (r *Router) handleDeviceMessage(dc *deviceConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		data, _ := json.Marshal(env.Payload)
		var reg protocol.Register
		if err := json.Unmarshal(data, &reg); err != nil {
			r.logger.Warn("register unmarshal failed", "error", err)
			return
		}
		r.registerDevice(dc, reg)

	case protocol.TypeCommandResult:
		data, _ := json.Marshal(env.Payload)
		var res protocol.CommandResult
		if err := json.Unmarshal(data, &res); err != nil {
			r.logger.Warn("command result unmarshal failed", "error", err)
			return
		}
		r.handleCommandResult(dc, res)

	case protocol.TypePing:
		r.sendToDevice(dc, protocol.TypePong, protocol.Pong{})

	default:
		r.logger.Warn("unknown device message type", "type", env.Type)
	}
}

// registerDevice claims the pairing code and binds the connection. On failure
// the connection stays unregistered and may retry with another code.
func (r *Router) registerDevice(dc *deviceConn, reg protocol.Register) {
	if identity, ok := r.registry.Identity(dc); ok {
		r.logger.Warn("register on already-bound connection", "identity", identity)
		r.sendToDevice(dc, protocol.TypeRegisterFailed, protocol.RegisterAck{
			OK: false, Reason: "already registered",
		})
		return
	}

	identity, ok := r.codes.Claim(reg.Code)
	if !ok {
		r.logger.Info("device registration rejected", "code", reg.Code)
		r.sendToDevice(dc, protocol.TypeRegisterFailed, protocol.RegisterAck{
			OK: false, Reason: "invalid or expired pairing code",
		})
		r.audit(store.ActionDeviceRejected, "", "", jsonDetail(map[string]string{"code": reg.Code}))
		return
	}

	dc.hostname = reg.Hostname
	if superseded := r.registry.Bind(identity, reg.Hostname, dc); superseded != nil {
		// The old connection's read loop will exit and find itself already
		// unbound, so cleanup does not tear down the fresh binding.
		old := superseded.(*deviceConn)
		r.logger.Info("device reconnect: closing previous connection", "identity", identity)
		_ = old.conn.Close()
	}

	r.sendToDevice(dc, protocol.TypeRegisterSuccess, protocol.RegisterAck{OK: true})

	if err := r.messenger.SendText(context.Background(), identity,
		"Device connected. Send me a command whenever you are ready."); err != nil {
		r.logger.Warn("welcome message failed", "identity", identity, "error", err)
	}

	r.logger.Info("device registered", "identity", identity, "hostname", reg.Hostname)
	r.BroadcastLog("activity", fmt.Sprintf("Device %s paired for %s", reg.Hostname, identity))
	r.audit(store.ActionDeviceRegistered, identity, "", jsonDetail(map[string]string{"hostname": reg.Hostname}))
}

// Route dispatches an intent to the device bound to identity. It returns the
// generated command ID, or ErrNotConnected without side effects when no
// device is bound.
func (r *Router) Route(ctx context.Context, identity string, intent protocol.Intent, origin string) (string, error) {
	conn, ok := r.registry.Resolve(identity)
	if !ok {
		return "", ErrNotConnected
	}
	dc := conn.(*deviceConn)

	commandID := uuid.New().String()
	pc := &pendingCommand{
		commandID: commandID,
		identity:  identity,
		origin:    origin,
	}
	pc.timer = time.AfterFunc(r.commandTimeout, func() {
		r.handleCommandTimeout(commandID)
	})

	r.mu.Lock()
	r.pending[commandID] = pc
	r.mu.Unlock()

	r.sendToDevice(dc, protocol.TypeExecuteCommand, protocol.ExecuteCommand{
		CommandID: commandID,
		Action:    intent.Action,
		Command:   intent.Command,
		Params:    intent.Params,
	})

	r.logger.Info("command dispatched", "identity", identity, "command_id", commandID,
		"action", intent.Action, "command", intent.Command)
	r.BroadcastLog("activity", fmt.Sprintf("Dispatched %s/%s to %s", intent.Action, intent.Command, identity))
	r.audit(store.ActionCommandDispatched, identity, commandID,
		jsonDetail(map[string]string{"action": intent.Action, "command": intent.Command, "origin": origin}))

	return commandID, nil
}

// handleCommandResult correlates a result with its in-flight command and
// delivers it. The issuer copy goes out only while the originating connection
// still owns its session; dashboards get the observer copy regardless.
func (r *Router) handleCommandResult(dc *deviceConn, res protocol.CommandResult) {
	identity, bound := r.registry.Identity(dc)

	r.mu.Lock()
	pc, ok := r.pending[res.CommandID]
	if ok {
		pc.timer.Stop()
		delete(r.pending, res.CommandID)
	}
	r.mu.Unlock()

	deliver := ok && bound && pc.identity == identity
	switch {
	case !ok:
		r.logger.Warn("dropping unmatched command result", "command_id", res.CommandID, "identity", identity)
	case !deliver:
		r.logger.Warn("dropping result from superseded connection", "command_id", res.CommandID)
	}

	if deliver {
		ctx := context.Background()
		if res.Output != "" {
			if err := r.messenger.SendText(ctx, identity, res.Output); err != nil {
				r.logger.Warn("result delivery failed", "identity", identity, "error", err)
			}
		}
		if res.ImageData != "" {
			if err := r.messenger.SendImage(ctx, identity, res.ImageData, res.Output); err != nil {
				r.logger.Warn("image delivery failed", "identity", identity, "error", err)
			}
		}
		if pc.origin == OriginIssuer {
			summary := res.Output
			if summary == "" {
				summary = "[image]"
			}
			r.history.Append(identity, "assistant", summary)
		}
		r.audit(store.ActionCommandCompleted, identity, res.CommandID, nil)
	}

	// Dashboards observe every result, even ones the issuer never sees.
	r.BroadcastToDashboards(protocol.TypeCommandResultWeb, protocol.CommandResultWeb{
		Identity:  identity,
		CommandID: res.CommandID,
		Output:    res.Output,
		ImageData: res.ImageData,
	})
}

// handleCommandTimeout fires when a dispatched command produced no result in
// time. A result arriving later is treated as unmatched and dropped.
func (r *Router) handleCommandTimeout(commandID string) {
	r.mu.Lock()
	pc, ok := r.pending[commandID]
	if ok {
		delete(r.pending, commandID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Warn("command timed out", "identity", pc.identity, "command_id", commandID)

	if pc.origin == OriginIssuer {
		if err := r.messenger.SendText(context.Background(), pc.identity,
			"The device did not respond in time. Please try again."); err != nil {
			r.logger.Warn("timeout notice failed", "identity", pc.identity, "error", err)
		}
	}
	r.BroadcastLog("error", fmt.Sprintf("Command %s for %s timed out", commandID, pc.identity))
	r.audit(store.ActionCommandTimeout, pc.identity, commandID, nil)
}

// HandleDashboardWS handles WebSocket connections from dashboards.
func (r *Router) HandleDashboardWS(w http.ResponseWriter, req *http.Request) {
	// Extract JWT from query param or Authorization header.
	// Security note: JWT in query parameter is required for WebSocket connections since
	// browsers cannot set custom headers during the WebSocket handshake. Ensure server
	// access logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := r.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	cc := &dashboardConn{
		id:       connID,
		userID:   identity.UserID,
		username: identity.Username,
		role:     identity.Role,
		conn:     conn,
	}

	r.mu.Lock()
	if r.dashboardsByUser[identity.UserID] >= r.maxDashboardConnsPerUser {
		r.mu.Unlock()
		r.logger.Warn("too many WebSocket connections for user", "user", identity.Username, "limit", r.maxDashboardConnsPerUser)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	r.dashboardsByUser[identity.UserID]++
	r.dashboards[connID] = cc
	r.mu.Unlock()

	conn.SetReadLimit(r.maxDashboardMessageSize)
	cancelKeepalive := startWSKeepalive(conn, &cc.mu)
	defer cancelKeepalive()

	r.logger.Info("dashboard connected", "user", identity.Username, "conn_id", connID)

	defer func() {
		r.mu.Lock()
		delete(r.dashboards, connID)
		r.dashboardsByUser[cc.userID]--
		if r.dashboardsByUser[cc.userID] <= 0 {
			delete(r.dashboardsByUser, cc.userID)
		}
		r.mu.Unlock()
		r.logger.Info("dashboard disconnected", "user", identity.Username, "conn_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("dashboard read error", "conn_id", connID, "error", err)
			return
		}

		if !cc.allowMessage() {
			r.logger.Debug("dashboard message rate limited", "conn_id", connID)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from dashboard", "conn_id", connID, "error", err)
			continue
		}

		r.handleDashboardMessage(cc, env)
	}
}

func (r *Router) handleDashboardMessage(cc *dashboardConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWebCommand:
		data, _ := json.Marshal(env.Payload)
		var wc protocol.WebCommand
		if err := json.Unmarshal(data, &wc); err != nil {
			r.logger.Warn("web command unmarshal failed", "error", err)
			return
		}

		identity := wc.Identity
		if identity == "" {
			// Convenience fallback: with a single paired device, the target
			// is unambiguous.
			sole, ok := r.registry.Sole()
			if !ok {
				r.sendToDashboard(cc, protocol.TypeErrorResponse, protocol.ErrorResponse{
					Code: "no_target", Message: "no device specified and no single device to default to",
				})
				return
			}
			identity = sole
		}

		intent := protocol.Intent{Action: wc.Action, Command: wc.Command, Params: wc.Params}
		if _, err := r.Route(context.Background(), identity, intent, OriginDashboard); err != nil {
			r.sendToDashboard(cc, protocol.TypeErrorResponse, protocol.ErrorResponse{
				Code: "device_not_connected", Message: fmt.Sprintf("no device connected for %s", identity),
			})
			return
		}

	case protocol.TypeDeviceList:
		r.sendToDashboard(cc, protocol.TypeDeviceListResponse, r.DeviceList())

	case protocol.TypePing:
		r.sendToDashboard(cc, protocol.TypePong, protocol.Pong{})

	default:
		r.logger.Warn("unknown dashboard message type", "type", env.Type, "user", cc.username)
	}
}

func (cc *dashboardConn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.msgLastTime.IsZero() {
		cc.msgTokens = burst
		cc.msgLastTime = now
	}

	elapsed := now.Sub(cc.msgLastTime).Seconds()
	cc.msgTokens += elapsed * rate
	if cc.msgTokens > burst {
		cc.msgTokens = burst
	}
	cc.msgLastTime = now

	if cc.msgTokens < 1 {
		return false
	}
	cc.msgTokens--
	return true
}

// Connected reports whether identity has a live device connection.
func (r *Router) Connected(identity string) bool {
	return r.registry.Has(identity)
}

// SoleIdentity returns the identity of the only connected device, if exactly
// one is connected.
func (r *Router) SoleIdentity() (string, bool) {
	return r.registry.Sole()
}

// DeviceList returns the current paired-device snapshot.
func (r *Router) DeviceList() protocol.DeviceListResponse {
	snap := r.registry.Snapshot()
	devices := make([]protocol.DeviceInfo, 0, len(snap))
	for _, in := range snap {
		devices = append(devices, protocol.DeviceInfo{
			Identity:    in.Identity,
			Hostname:    in.Hostname,
			ConnectedAt: in.ConnectedAt,
		})
	}
	return protocol.DeviceListResponse{Devices: devices}
}

// BroadcastLog pushes an operational log line to every dashboard.
func (r *Router) BroadcastLog(kind, message string) {
	r.BroadcastToDashboards(protocol.TypeLogUpdate, protocol.LogUpdate{Message: message, Kind: kind})
}

// BroadcastToDashboards sends a message to all connected dashboards.
func (r *Router) BroadcastToDashboards(msgType string, payload any) {
	r.mu.RLock()
	conns := make([]*dashboardConn, 0, len(r.dashboards))
	for _, cc := range r.dashboards {
		conns = append(conns, cc)
	}
	r.mu.RUnlock()

	for _, cc := range conns {
		r.sendToDashboard(cc, msgType, payload)
	}
}

func (r *Router) sendToDevice(dc *deviceConn, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("marshal error", "error", err)
		return
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logger.Warn("send to device failed", "error", err)
	}
}

func (r *Router) sendToDashboard(cc *dashboardConn, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Router) audit(action, identity, commandID string, detail json.RawMessage) {
	err := r.store.LogAuditEvent(context.Background(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		Identity:  identity,
		CommandID: commandID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func jsonDetail(m map[string]string) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
