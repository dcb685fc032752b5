// Package domain holds the entities the dispatcher operates on: agents,
// calls, and the assignments that bind them. Entities are plain structs
// with the state-machine transitions as methods; nothing here talks to
// storage or the network.
package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of a human agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "AVAILABLE"
	AgentBusy      AgentStatus = "BUSY"
	AgentPaused    AgentStatus = "PAUSED"
	AgentOffline   AgentStatus = "OFFLINE"
)

// Agent is a worker who can be bound to at most one call at a time.
type Agent struct {
	ID             string
	Name           string
	Type           string
	Status         AgentStatus
	LastCallEndAt  *time.Time
	CurrentCallID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewAgent builds an agent in the given initial status. The status is
// not validated: any AgentStatus is accepted as given.
func NewAgent(name, agentType string, status AgentStatus) *Agent {
	now := time.Now()
	return &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      agentType,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsAvailable reports whether the agent may be bound to a call.
func (a *Agent) IsAvailable() bool {
	return a.Status == AgentAvailable
}

// IdleSeconds returns how long the agent has been idle as of now. An
// agent that has never completed a call sorts as longest-idle, so it
// reports +Inf.
func (a *Agent) IdleSeconds(now time.Time) float64 {
	if a.LastCallEndAt == nil {
		return math.Inf(1)
	}
	return now.Sub(*a.LastCallEndAt).Seconds()
}

// AssignCall binds the agent to callID, transitioning AVAILABLE -> BUSY.
func (a *Agent) AssignCall(callID string, now time.Time) error {
	if !a.IsAvailable() {
		return fmt.Errorf("agent %s is not available (status %s)", a.ID, a.Status)
	}
	a.Status = AgentBusy
	a.CurrentCallID = callID
	a.UpdatedAt = now
	return nil
}

// CompleteCall releases the agent back to AVAILABLE, transitioning
// BUSY -> AVAILABLE and stamping the idle-time clock.
func (a *Agent) CompleteCall(now time.Time) error {
	if a.Status != AgentBusy {
		return fmt.Errorf("agent %s is not busy (status %s)", a.ID, a.Status)
	}
	a.Status = AgentAvailable
	a.LastCallEndAt = &now
	a.CurrentCallID = ""
	a.UpdatedAt = now
	return nil
}

// SetAvailable transitions OFFLINE -> AVAILABLE or PAUSED -> AVAILABLE.
func (a *Agent) SetAvailable(now time.Time) error {
	if a.Status != AgentOffline && a.Status != AgentPaused {
		return fmt.Errorf("agent %s cannot become available from %s", a.ID, a.Status)
	}
	a.Status = AgentAvailable
	a.UpdatedAt = now
	return nil
}

// SetPaused transitions AVAILABLE -> PAUSED.
func (a *Agent) SetPaused(now time.Time) error {
	if a.Status != AgentAvailable {
		return fmt.Errorf("agent %s cannot be paused from %s", a.ID, a.Status)
	}
	a.Status = AgentPaused
	a.UpdatedAt = now
	return nil
}
