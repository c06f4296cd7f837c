// SPDX-License-Identifier: AGPL-3.0-only
package model

import "time"

// PermissionState represents the current grant for the held directory capability
type PermissionState string

// Permission state constants
const (
	// PermissionUnsupported indicates the host lacks the capability API; terminal for the session
	PermissionUnsupported PermissionState = "unsupported"
	// PermissionPrompt indicates a handle exists but read-write permission is unconfirmed
	PermissionPrompt PermissionState = "prompt"
	// PermissionGranted indicates confirmed writable access; the only state writes may occur in
	PermissionGranted PermissionState = "granted"
	// PermissionDenied indicates the user explicitly refused the permission request
	PermissionDenied PermissionState = "denied"
)

// String returns the string representation of the state, making it easier to use in string contexts
func (s PermissionState) String() string {
	return string(s)
}

// SaveReason identifies what triggered a save attempt
type SaveReason string

// Save reason constants
const (
	// ReasonInterval is a save fired by the periodic timer
	ReasonInterval SaveReason = "interval"
	// ReasonChange is a save fired by the debounce timer after data-change notifications
	ReasonChange SaveReason = "change"
	// ReasonManual is a save requested explicitly via SaveNow
	ReasonManual SaveReason = "manual"
	// ReasonRetry is a re-attempt scheduled after a failed write
	ReasonRetry SaveReason = "retry"
)

func (r SaveReason) String() string {
	return string(r)
}

// StatusCode classifies a status event emitted to the UI callback
type StatusCode string

// Status codes surfaced through the status callback
const (
	StatusStarted        StatusCode = "started"
	StatusStopped        StatusCode = "stopped"
	StatusPaused         StatusCode = "paused"
	StatusResumed        StatusCode = "resumed"
	StatusSaving         StatusCode = "saving"
	StatusSaved          StatusCode = "saved"
	StatusWaiting        StatusCode = "waiting"
	StatusRetryScheduled StatusCode = "retry-scheduled"
	StatusError          StatusCode = "error"
	StatusNoChanges      StatusCode = "no-changes"
)

func (c StatusCode) String() string {
	return string(c)
}

// SaveRequest is one attempted save handed to the write queue.
// Ephemeral: created per attempt and consumed when the physical write finishes.
type SaveRequest struct {
	Payload    []byte     `json:"-"`
	Reason     SaveReason `json:"reason"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// StatusEvent is the read-only record delivered to the status callback.
// Never mutated after emission.
type StatusEvent struct {
	Status              StatusCode      `json:"status"`
	Message             string          `json:"message"`
	Timestamp           time.Time       `json:"timestamp"`
	PermissionStatus    PermissionState `json:"permission_status"`
	LastSaveTime        time.Time       `json:"last_save_time,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// ServiceState is a point-in-time snapshot of the autosave service.
// PendingSave is true only while a physical write is executing, not while queued.
type ServiceState struct {
	IsRunning           bool            `json:"is_running"`
	Paused              bool            `json:"paused"`
	PermissionStatus    PermissionState `json:"permission_status"`
	LastSaveTime        time.Time       `json:"last_save_time,omitempty"`
	LastDataChangeTime  time.Time       `json:"last_data_change_time,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	PendingSave         bool            `json:"pending_save"`
}

// SaveMarker is the lightweight record written after every successful save so
// other sessions can detect the most recent save without opening the file.
type SaveMarker struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// Message is the cross-context broadcast published after a successful save.
type Message struct {
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageDataUpdated is the broadcast message type for a completed save.
const MessageDataUpdated = "data_updated"

// DataProvider supplies the current application-state snapshot.
// Must be side-effect free; returns nil when no data is available.
type DataProvider func() []byte

// StatusCallback receives every StatusEvent the service emits.
type StatusCallback func(StatusEvent)

// ErrorCallback receives failure descriptions alongside status events.
type ErrorCallback func(err error)
