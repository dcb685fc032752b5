package notifier

import "time"

// EventType names one of the notifier's fire-and-forget event kinds.
type EventType string

const (
	EventCallAssigned      EventType = "CALL_ASSIGNED"
	EventCallCompleted     EventType = "CALL_COMPLETED"
	EventSystemSaturated   EventType = "SYSTEM_SATURATED"
	EventAgentStatusChange EventType = "AGENT_STATUS_CHANGED"
	EventHealthCheck       EventType = "HEALTH_CHECK"
)

// Event is the envelope every webhook payload shares: a kind and an
// ISO-8601 timestamp, plus a kind-specific body.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body"`
}

// AssignmentInfo mirrors the assignment fields a CALL_ASSIGNED event
// reports.
type AssignmentInfo struct {
	ID                      string  `json:"id"`
	CallID                  string  `json:"call_id"`
	AgentID                 string  `json:"agent_id"`
	AssignmentTimeMs        float64 `json:"assignment_time_ms"`
	ExpectedDurationSeconds float64 `json:"expected_duration_seconds"`
}

// CallInfo mirrors the call fields the notifier reports. Fields unused
// by a given event kind are left zero-valued.
type CallInfo struct {
	ID                string     `json:"id"`
	PhoneNumber       string     `json:"phone_number"`
	CallType          string     `json:"call_type"`
	Status            string     `json:"status,omitempty"`
	QualificationResult string   `json:"qualification_result,omitempty"`
	DurationSeconds   float64    `json:"duration_seconds,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// AgentInfo mirrors the agent fields the notifier reports.
type AgentInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	AgentType       string    `json:"agent_type"`
	Status          string    `json:"status,omitempty"`
	PreviousStatus  string    `json:"previous_status,omitempty"`
	CurrentStatus   string    `json:"current_status,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// CallAssignedBody is the CALL_ASSIGNED payload body (spec §6).
type CallAssignedBody struct {
	Assignment AssignmentInfo `json:"assignment"`
	Call       CallInfo       `json:"call"`
	Agent      AgentInfo      `json:"agent"`
}

// CallCompletedBody is the CALL_COMPLETED payload body.
type CallCompletedBody struct {
	Call  CallInfo  `json:"call"`
	Agent AgentInfo `json:"agent"`
}

// AssignmentAttempt reports a dispatch attempt that never bound an
// agent, used by SYSTEM_SATURATED.
type AssignmentAttempt struct {
	AssignmentTimeMs float64 `json:"assignment_time_ms"`
	Status           string  `json:"status"`
}

// SystemSaturatedBody is the SYSTEM_SATURATED payload body.
type SystemSaturatedBody struct {
	Call             CallInfo           `json:"call"`
	AssignmentAttempt AssignmentAttempt `json:"assignment_attempt"`
}

// AgentStatusChangedBody is the AGENT_STATUS_CHANGED payload body.
type AgentStatusChangedBody struct {
	Agent AgentInfo `json:"agent"`
}

// HealthCheckBody is the periodic HEALTH_CHECK payload body.
type HealthCheckBody struct {
	Status string `json:"status"`
}
