package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexusctl/nexus/internal/auth"
	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/internal/conversation"
	"github.com/nexusctl/nexus/internal/pairing"
	"github.com/nexusctl/nexus/internal/router"
	"github.com/nexusctl/nexus/internal/session"
	"github.com/nexusctl/nexus/internal/store"
	"github.com/nexusctl/nexus/pkg/protocol"
)

type fakeMessenger struct {
	mu    sync.Mutex
	texts []string // "to: text"
	media map[string][]byte
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, to+": "+text)
	return nil
}

func (m *fakeMessenger) SendImage(_ context.Context, to, imageBase64, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, to+": [image] "+caption)
	return nil
}

func (m *fakeMessenger) DownloadMedia(_ context.Context, mediaID string) ([]byte, string, error) {
	if data, ok := m.media[mediaID]; ok {
		return data, "audio/ogg", nil
	}
	return nil, "", fmt.Errorf("media %s not found", mediaID)
}

func (m *fakeMessenger) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *fakeMessenger) lastText(t *testing.T) string {
	t.Helper()
	texts := m.sent()
	if len(texts) == 0 {
		t.Fatal("no messages sent")
	}
	return texts[len(texts)-1]
}

type fakeClassifier struct {
	intent        protocol.Intent
	chatReply     string
	transcription string
}

func (c *fakeClassifier) Parse(_ context.Context, text string, _ []conversation.Turn) (protocol.Intent, error) {
	if c.intent.Action == "" {
		return protocol.Intent{Action: "chat", Command: "respond", Params: map[string]any{"message": text}}, nil
	}
	return c.intent, nil
}

func (c *fakeClassifier) Chat(_ context.Context, _ string, _ []conversation.Turn) (string, error) {
	return c.chatReply, nil
}

func (c *fakeClassifier) Transcribe(_ context.Context, _ string, _ []byte) (string, error) {
	return c.transcription, nil
}

type testEnv struct {
	server     *httptest.Server
	store      store.Store
	authSvc    *auth.Service
	router     *router.Router
	codes      *pairing.Store
	history    *conversation.History
	messenger  *fakeMessenger
	classifier *fakeClassifier
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Auth.JWTSecret = "test-secret-at-least-32-chars-long"
	cfg.Auth.JWTExpiry = config.Duration{Duration: time.Hour}
	cfg.Auth.InitialAdmin = &config.InitialAdmin{Username: "admin", Password: "admin-password-1"}
	cfg.WhatsApp.VerifyToken = "verify-me"
	cfg.WhatsApp.TriggerPhrase = "connect"
	cfg.Conversation.MaxTurns = 10
	cfg.Conversation.ContextTurns = 5
	cfg.RateLimit.RequestsPerSecond = 100
	cfg.RateLimit.Burst = 200

	authSvc := auth.NewService(st, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	codes := pairing.New(5*time.Minute, slog.Default())
	hist := conversation.New(cfg.Conversation.MaxTurns, slog.Default())
	msgr := &fakeMessenger{media: map[string][]byte{}}
	cl := &fakeClassifier{}

	rt := router.New(session.NewRegistry(), codes, hist, st, authSvc, msgr, slog.Default(), router.Options{})

	srv := NewServer(st, authSvc, authSvc, rt, codes, hist, msgr, cl, cfg, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:     ts,
		store:      st,
		authSvc:    authSvc,
		router:     rt,
		codes:      codes,
		history:    hist,
		messenger:  msgr,
		classifier: cl,
	}
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(e.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out["token"]
}

// postWebhookText delivers a single inbound text message.
func (e *testEnv) postWebhookText(t *testing.T, from, text string) {
	t.Helper()
	e.postWebhook(t, fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"messages": [{"from": %q, "id": "wamid.1", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, from, text))
}

func (e *testEnv) postWebhook(t *testing.T, payload string) {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook: status %d", resp.StatusCode)
	}
}

// connectDevice pairs a device over a real WebSocket connection.
func (e *testEnv) connectDevice(t *testing.T, identity, hostname string) *websocket.Conn {
	t.Helper()
	code, err := e.codes.Issue(identity)
	if err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/device"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial device ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	err = conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeRegister,
		Payload: protocol.Register{Code: code, Hostname: hostname},
	})
	if err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeRegisterSuccess {
		t.Fatalf("registration ack: got %s", env.Type)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestWebhookVerify(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.server.URL + "/webhook?hub.verify_token=verify-me&hub.challenge=12345")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "12345" {
		t.Errorf("challenge echo: got %q", body)
	}

	resp2, err := http.Get(env.server.URL + "/webhook?hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Errorf("bad token status: got %d", resp2.StatusCode)
	}
}

func TestWebhookPairingTrigger(t *testing.T) {
	env := setupTestServer(t)

	env.postWebhookText(t, "15550001234", "Connect my laptop please")

	if !env.codes.Outstanding("15550001234") {
		t.Error("no pairing code outstanding after trigger")
	}
	last := env.messenger.lastText(t)
	if !strings.HasPrefix(last, "15550001234: ") || !strings.Contains(last, "Enter this code") {
		t.Errorf("pairing reply: got %q", last)
	}

	turns := env.history.Snapshot("15550001234")
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("history: got %+v", turns)
	}

	events, err := env.store.ListAuditEventsFiltered(context.Background(),
		store.AuditFilter{Action: store.ActionPairingIssued})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Identity != "15550001234" {
		t.Errorf("audit: got %+v", events)
	}
}

func TestWebhookNoDeviceConnected(t *testing.T) {
	env := setupTestServer(t)

	env.postWebhookText(t, "15550001234", "what is my battery")

	last := env.messenger.lastText(t)
	if !strings.Contains(last, "No device connected") {
		t.Errorf("reply: got %q", last)
	}
}

func TestWebhookCommandRoundTrip(t *testing.T) {
	env := setupTestServer(t)
	env.classifier.intent = protocol.Intent{Action: "system", Command: "battery", Params: map[string]any{}}

	conn := env.connectDevice(t, "15550001234", "laptop")

	env.postWebhookText(t, "15550001234", "what is my battery")

	// Device receives the classified command.
	execEnv := readEnvelope(t, conn)
	if execEnv.Type != protocol.TypeExecuteCommand {
		t.Fatalf("device message: got %s", execEnv.Type)
	}
	data, _ := json.Marshal(execEnv.Payload)
	var exec protocol.ExecuteCommand
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatal(err)
	}
	if exec.Action != "system" || exec.Command != "battery" || exec.CommandID == "" {
		t.Errorf("command: got %+v", exec)
	}

	// Device answers; the issuer gets the output.
	err := conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeCommandResult,
		Payload: protocol.CommandResult{CommandID: exec.CommandID, Output: "87%"},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		texts := env.messenger.sent()
		if len(texts) > 0 && texts[len(texts)-1] == "15550001234: 87%" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("issuer never received result, sent: %v", texts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookChatAnsweredRelaySide(t *testing.T) {
	env := setupTestServer(t)
	env.classifier.chatReply = "Hello there!"

	env.connectDevice(t, "15550001234", "laptop")
	env.postWebhookText(t, "15550001234", "hey how are you")

	last := env.messenger.lastText(t)
	if !strings.Contains(last, "Hello there!") {
		t.Errorf("chat reply: got %q", last)
	}

	turns := env.history.Snapshot("15550001234")
	if len(turns) != 2 || turns[1].Content != "Hello there!" {
		t.Errorf("history: got %+v", turns)
	}
}

func TestWebhookVoiceNotePairs(t *testing.T) {
	env := setupTestServer(t)
	env.messenger.media["media-9"] = []byte("ogg-bytes")
	env.classifier.transcription = "connect"

	env.postWebhook(t, `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"messages": [{"from": "15550001234", "id": "wamid.1", "type": "audio",
				"audio": {"id": "media-9", "mime_type": "audio/ogg"}}]
		}}]}]
	}`)

	if !env.codes.Outstanding("15550001234") {
		t.Error("transcribed trigger did not issue a pairing code")
	}
}

func TestLoginAndMe(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t, "admin", "admin-password-1")

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var me map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&me)
	if me["username"] != "admin" || me["role"] != "admin" {
		t.Errorf("me: got %v", me)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := setupTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong-password"})
	resp, err := http.Post(env.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.server.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestAdminRequired(t *testing.T) {
	env := setupTestServer(t)
	if _, err := env.authSvc.Register(context.Background(), "viewer", "viewer-password-1", "user"); err != nil {
		t.Fatal(err)
	}
	token := env.login(t, "viewer", "viewer-password-1")

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestDispatchCommandNotConnected(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t, "admin", "admin-password-1")

	body, _ := json.Marshal(map[string]any{
		"identity": "15550001234", "action": "system", "command": "battery",
	})
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestDispatchCommand(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t, "admin", "admin-password-1")
	conn := env.connectDevice(t, "15550001234", "laptop")

	// Empty identity falls back to the sole connected device.
	body, _ := json.Marshal(map[string]any{"action": "media", "command": "screenshot"})
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["identity"] != "15550001234" || out["command_id"] == "" {
		t.Errorf("response: got %v", out)
	}

	execEnv := readEnvelope(t, conn)
	if execEnv.Type != protocol.TypeExecuteCommand {
		t.Fatalf("device message: got %s", execEnv.Type)
	}
}

func TestListDevices(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t, "admin", "admin-password-1")
	env.connectDevice(t, "15550001234", "laptop")

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var list protocol.DeviceListResponse
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if len(list.Devices) != 1 || list.Devices[0].Identity != "15550001234" {
		t.Errorf("devices: got %+v", list.Devices)
	}
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}

	resp2, err := http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("readyz status: got %d", resp2.StatusCode)
	}
}
