package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// logTestEvent is a helper that inserts an audit event and returns it.
func logTestEvent(t *testing.T, s *SQLiteStore, action, identity, commandID string, at time.Time) *AuditEvent {
	t.Helper()
	e := &AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		Identity:  identity,
		CommandID: commandID,
		CreatedAt: at,
	}
	if err := s.LogAuditEvent(context.Background(), e); err != nil {
		t.Fatalf("logTestEvent(%s): %v", action, err)
	}
	return e
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{
		ID:           uuid.New().String(),
		Username:     "alice",
		PasswordHash: "hashed-pw",
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Get by username
	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != user.ID {
		t.Errorf("ID: got %q, want %q", got.ID, user.ID)
	}
	if got.PasswordHash != "hashed-pw" {
		t.Errorf("PasswordHash: got %q", got.PasswordHash)
	}
	if got.Role != "admin" {
		t.Errorf("Role: got %q, want admin", got.Role)
	}

	// Get by ID
	byID, err := s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if byID == nil || byID.Username != "alice" {
		t.Errorf("GetUserByID: got %+v", byID)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetUser(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got != nil {
		t.Fatalf("GetUser for missing user: got %+v, want nil", got)
	}
}

func TestGetUserByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:         uuid.New().String(),
		ExternalID: "idp|12345",
		Username:   "bob",
		Role:       "user",
		CreatedAt:  time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByExternalID(ctx, "idp|12345")
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if got == nil || got.Username != "bob" {
		t.Errorf("GetUserByExternalID: got %+v", got)
	}

	missing, err := s.GetUserByExternalID(ctx, "idp|other")
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if missing != nil {
		t.Errorf("missing external ID: got %+v, want nil", missing)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice", "admin")

	dup := &User{
		ID:        uuid.New().String(),
		Username:  "alice",
		Role:      "user",
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(context.Background(), dup); err == nil {
		t.Fatal("CreateUser with duplicate username succeeded")
	}
}

func TestListUsers(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice", "admin")
	createTestUser(t, s, "bob", "user")

	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers: got %d users, want 2", len(users))
	}
}

func TestLogAndListAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	detail, _ := json.Marshal(map[string]string{"code": "4821"})
	e := &AuditEvent{
		ID:        uuid.New().String(),
		Action:    ActionPairingIssued,
		Identity:  "+15551234567",
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.LogAuditEvent(ctx, e); err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}

	events, err := s.ListAuditEvents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListAuditEvents: got %d events, want 1", len(events))
	}
	if events[0].Action != ActionPairingIssued {
		t.Errorf("Action: got %q", events[0].Action)
	}
	if events[0].Identity != "+15551234567" {
		t.Errorf("Identity: got %q", events[0].Identity)
	}
	var decoded map[string]string
	if err := json.Unmarshal(events[0].Detail, &decoded); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if decoded["code"] != "4821" {
		t.Errorf("detail code: got %q", decoded["code"])
	}
}

func TestListAuditEventsFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	logTestEvent(t, s, ActionDeviceRegistered, "+1555", "", now)
	logTestEvent(t, s, ActionCommandDispatched, "+1555", "cmd-1", now)
	logTestEvent(t, s, ActionCommandCompleted, "+1555", "cmd-1", now)
	logTestEvent(t, s, ActionCommandDispatched, "+1666", "cmd-2", now)

	// Prefix filter on action.
	events, err := s.ListAuditEventsFiltered(ctx, AuditFilter{Action: "command."})
	if err != nil {
		t.Fatalf("ListAuditEventsFiltered: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("action filter: got %d events, want 3", len(events))
	}

	// Identity filter.
	events, err = s.ListAuditEventsFiltered(ctx, AuditFilter{Identity: "+1666"})
	if err != nil {
		t.Fatalf("ListAuditEventsFiltered: %v", err)
	}
	if len(events) != 1 || events[0].CommandID != "cmd-2" {
		t.Fatalf("identity filter: got %+v", events)
	}

	// Command filter.
	events, err = s.ListAuditEventsFiltered(ctx, AuditFilter{CommandID: "cmd-1"})
	if err != nil {
		t.Fatalf("ListAuditEventsFiltered: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("command filter: got %d events, want 2", len(events))
	}

	// Limit.
	events, err = s.ListAuditEventsFiltered(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListAuditEventsFiltered: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit: got %d events, want 2", len(events))
	}
}

func TestPurgeOldAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	logTestEvent(t, s, ActionUserLogin, "", "", old)
	logTestEvent(t, s, ActionUserLogin, "", "", old)
	logTestEvent(t, s, ActionUserLogin, "", "", time.Now())

	n, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("purged: got %d, want 2", n)
	}

	events, err := s.ListAuditEvents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("remaining: got %d events, want 1", len(events))
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
