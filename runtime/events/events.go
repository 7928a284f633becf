// Package events fans execution lifecycle events out to subscribers. Every
// event is published to the tenant room and the requesting user's room;
// subscribers consume from buffered channels and slow consumers drop rather
// than block execution. Payloads are sanitized before emission so credential
// material never reaches a transport.
package events

import (
	"time"
)

// Type identifies an execution lifecycle event.
type Type string

const (
	// TypeStarted is emitted once per executed request, before dispatch.
	TypeStarted Type = "started"

	// TypeProgress carries intermediate output from streaming executors.
	TypeProgress Type = "progress"

	// TypeCompleted is the terminal event for a successful execution.
	TypeCompleted Type = "completed"

	// TypeFailed is the terminal event for a failed execution.
	TypeFailed Type = "failed"

	// TypeConfirmationRequired asks the user to approve a gated operation.
	TypeConfirmationRequired Type = "confirmation_required"

	// TypeConfirmationReceived reports the user's approval or denial.
	TypeConfirmationReceived Type = "confirmation_received"

	// TypeCancelled is the terminal event for an externally cancelled
	// execution.
	TypeCancelled Type = "cancelled"
)

// Event is one lifecycle notification. Events for the same request id are
// ordered; no ordering holds across request ids.
type Event struct {
	Type           Type           `json:"event_type"`
	TraceID        string         `json:"trace_id,omitempty"`
	RequestID      string         `json:"request_id"`
	ToolName       string         `json:"tool_name,omitempty"`
	CapabilityName string         `json:"capability_name,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CompanyID      string         `json:"company_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// CompanyRoom names the room receiving all of a tenant's events.
func CompanyRoom(companyID string) string { return "company_" + companyID }

// UserRoom names the room receiving one user's events.
func UserRoom(userID string) string { return "user_" + userID }

// Rooms returns the rooms the event belongs to.
func (e Event) Rooms() []string {
	rooms := make([]string, 0, 2)
	if e.CompanyID != "" {
		rooms = append(rooms, CompanyRoom(e.CompanyID))
	}
	if e.UserID != "" {
		rooms = append(rooms, UserRoom(e.UserID))
	}
	return rooms
}
