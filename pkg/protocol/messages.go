// Package protocol defines the wire protocol messages exchanged between
// Nexus components (device ↔ relay ↔ dashboard) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Device ↔ Relay messages ---

// Register is sent by a device to claim a pairing code. Until this message
// succeeds, the connection is inert: the relay routes nothing to or from it.
type Register struct {
	Code string `json:"code"`
	// Hostname is optional device self-identification, shown on the dashboard.
	Hostname string `json:"hostname,omitempty"`
}

// RegisterAck is the relay's answer to Register.
type RegisterAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Intent is a structured command produced by the classifier or the dashboard.
// Params carry free-form key-value arguments; the relay does not validate the
// action/command vocabulary; an unknown pair is the device's to report back
// as an ordinary result.
type Intent struct {
	Action  string         `json:"action"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ExecuteCommand pushes an intent to a paired device. CommandID is relay-
// generated and must be echoed in the matching CommandResult.
type ExecuteCommand struct {
	CommandID string         `json:"command_id"`
	Action    string         `json:"action"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
}

// CommandResult carries the outcome of an executed command back from the
// device. Either field may be empty; ImageData is base64-encoded (e.g. a
// screenshot PNG).
type CommandResult struct {
	CommandID string `json:"command_id,omitempty"`
	Output    string `json:"output,omitempty"`
	ImageData string `json:"image_data,omitempty"`
}

// --- Dashboard ↔ Relay messages ---

// WebCommand is a command issued from the dashboard. An empty Identity targets
// the only connected device, if there is exactly one.
type WebCommand struct {
	Identity string         `json:"identity,omitempty"`
	Action   string         `json:"action"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}

// CommandResultWeb is the observer copy of a device result, broadcast to all
// dashboard connections. Identity is empty when the originating connection no
// longer owns a session.
type CommandResultWeb struct {
	Identity  string `json:"identity,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Output    string `json:"output,omitempty"`
	ImageData string `json:"image_data,omitempty"`
}

// LogUpdate is an operational log line pushed to dashboards.
type LogUpdate struct {
	Message string `json:"message"`
	Kind    string `json:"type"` // "system", "activity", "error"
}

// DeviceListRequest asks for the current paired-device snapshot.
type DeviceListRequest struct{}

// DeviceInfo describes one paired device.
type DeviceInfo struct {
	Identity    string    `json:"identity"`
	Hostname    string    `json:"hostname,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DeviceListResponse answers DeviceListRequest.
type DeviceListResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ErrorResponse carries an error from relay to dashboard.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Heartbeat ---

// Ping/Pong for connection liveness.
type Ping struct{}
type Pong struct{}

// --- Message type constants ---

const (
	// Device ↔ Relay
	TypeRegister        = "register"
	TypeRegisterSuccess = "registration_success"
	TypeRegisterFailed  = "registration_failed"
	TypeExecuteCommand  = "execute_command"
	TypeCommandResult   = "command_result"
	TypePing            = "ping"
	TypePong            = "pong"

	// Dashboard ↔ Relay
	TypeWebCommand         = "web_command"
	TypeCommandResultWeb   = "command_result_web"
	TypeLogUpdate          = "log_update"
	TypeDeviceList         = "device_list"
	TypeDeviceListResponse = "device_list_response"
	TypeErrorResponse      = "error"
)
