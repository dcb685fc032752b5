package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of an inbound call.
type CallStatus string

const (
	CallPending    CallStatus = "PENDING"
	CallAssigned   CallStatus = "ASSIGNED"
	CallInProgress CallStatus = "IN_PROGRESS"
	CallCompleted  CallStatus = "COMPLETED"
	CallAbandoned  CallStatus = "ABANDONED"
	CallFailed     CallStatus = "FAILED"
)

// Qualification is the post-completion outcome drawn from the
// conversion matrix.
type Qualification string

const (
	QualificationOK      Qualification = "OK"
	QualificationKO      Qualification = "KO"
	QualificationPending Qualification = "PENDING"
)

// Call is one unit of inbound work requiring an agent.
type Call struct {
	ID              string
	PhoneNumber     string
	Type            string
	Status          CallStatus
	AssignedAgentID string
	Qualification   Qualification
	CreatedAt       time.Time
	AssignedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
}

// NewCall builds a call in PENDING status.
func NewCall(phoneNumber, callType string) *Call {
	return &Call{
		ID:            uuid.NewString(),
		PhoneNumber:   phoneNumber,
		Type:          callType,
		Status:        CallPending,
		Qualification: QualificationPending,
		CreatedAt:     time.Now(),
	}
}

// AssignToAgent moves PENDING -> ASSIGNED, binding agentID.
func (c *Call) AssignToAgent(agentID string, now time.Time) error {
	if c.Status != CallPending {
		return fmt.Errorf("call %s cannot be assigned from status %s", c.ID, c.Status)
	}
	c.Status = CallAssigned
	c.AssignedAgentID = agentID
	c.AssignedAt = &now
	return nil
}

// Start moves ASSIGNED -> IN_PROGRESS.
func (c *Call) Start(now time.Time) error {
	if c.Status != CallAssigned {
		return fmt.Errorf("call %s must be assigned before starting", c.ID)
	}
	c.Status = CallInProgress
	c.StartedAt = &now
	return nil
}

// Complete settles the call with a qualification, moving
// ASSIGNED/IN_PROGRESS -> COMPLETED.
func (c *Call) Complete(durationSeconds float64, qualification Qualification, now time.Time) error {
	if c.Status != CallAssigned && c.Status != CallInProgress {
		return fmt.Errorf("call %s cannot be completed from status %s", c.ID, c.Status)
	}
	c.Status = CallCompleted
	c.CompletedAt = &now
	c.DurationSeconds = durationSeconds
	c.Qualification = qualification
	return nil
}

// Abandon terminates the call before natural completion.
func (c *Call) Abandon(now time.Time) {
	c.Status = CallAbandoned
	c.CompletedAt = &now
}

// Fail marks the call FAILED, used for saturation (no agent available).
func (c *Call) Fail(now time.Time) {
	c.Status = CallFailed
	c.CompletedAt = &now
}

// WaitSeconds returns the time from creation to assignment, if assigned.
func (c *Call) WaitSeconds() (float64, bool) {
	if c.AssignedAt == nil {
		return 0, false
	}
	return c.AssignedAt.Sub(c.CreatedAt).Seconds(), true
}
