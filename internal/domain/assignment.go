package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus is the lifecycle state of a call-agent binding.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentActive    AssignmentStatus = "ACTIVE"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentFailed    AssignmentStatus = "FAILED"
)

// Assignment is the binding record between a call and an agent.
type Assignment struct {
	ID                      string
	CallID                  string
	AgentID                 string
	Status                  AssignmentStatus
	AssignmentTimeMs        float64
	ExpectedDurationSeconds float64
	ActualDurationSeconds   float64
	CreatedAt               time.Time
	ActivatedAt             *time.Time
	CompletedAt             *time.Time
}

// NewAssignment builds a PENDING assignment for (callID, agentID).
func NewAssignment(callID, agentID string) *Assignment {
	return &Assignment{
		ID:        uuid.NewString(),
		CallID:    callID,
		AgentID:   agentID,
		Status:    AssignmentPending,
		CreatedAt: time.Now(),
	}
}

// Activate moves PENDING -> ACTIVE, recording the measured assignment
// latency and the sampled expected call duration.
func (a *Assignment) Activate(latencyMs, expectedDurationSeconds float64, now time.Time) error {
	if a.Status != AssignmentPending {
		return fmt.Errorf("assignment %s cannot be activated from status %s", a.ID, a.Status)
	}
	a.Status = AssignmentActive
	a.AssignmentTimeMs = latencyMs
	a.ExpectedDurationSeconds = expectedDurationSeconds
	a.ActivatedAt = &now
	return nil
}

// Complete moves ACTIVE -> COMPLETED, recording the actual duration.
func (a *Assignment) Complete(actualDurationSeconds float64, now time.Time) error {
	if a.Status != AssignmentActive {
		return fmt.Errorf("assignment %s cannot be completed from status %s", a.ID, a.Status)
	}
	a.Status = AssignmentCompleted
	a.ActualDurationSeconds = actualDurationSeconds
	a.CompletedAt = &now
	return nil
}

// Fail marks the assignment FAILED (used when the call is abandoned
// before completion).
func (a *Assignment) Fail(now time.Time) {
	a.Status = AssignmentFailed
	a.CompletedAt = &now
}
