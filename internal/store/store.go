// Package store defines the persistence interface for operator accounts and
// audit events, with SQLite and PostgreSQL implementations. Relay routing
// state never touches the store; audit rows are a record of what happened,
// not an input to it.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the relay.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	ListAuditEventsFiltered(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a dashboard operator account.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id,omitempty"` // external auth user_id or empty
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"` // e.g. "pairing.issued", "device.registered", "command.dispatched"
	UserID    string          `json:"user_id,omitempty"`
	Identity  string          `json:"identity,omitempty"` // issuer phone number
	CommandID string          `json:"command_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string
	UserID    string
	Identity  string
	CommandID string
	Limit     int
	Offset    int
}

// Audit action names recorded by the relay.
const (
	ActionPairingIssued     = "pairing.issued"
	ActionDeviceRegistered  = "device.registered"
	ActionDeviceRejected    = "device.rejected"
	ActionDeviceDisconnect  = "device.disconnected"
	ActionCommandDispatched = "command.dispatched"
	ActionCommandCompleted  = "command.completed"
	ActionCommandTimeout    = "command.timeout"
	ActionUserLogin         = "user.login"
)
