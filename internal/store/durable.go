package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/callgrid/dispatchd/internal/domain"
)

// DurableStore is the write-through history tier: a modernc.org/sqlite
// database holding the agent, call and assignment records the
// dispatcher has written. Writes to this tier are best-effort: a
// durable-tier failure is logged and never fails dispatch; it is not
// counted in the metrics registry.
type DurableStore struct {
	db *sql.DB
}

// OpenDurableStore opens (and migrates) the durable tier at dsn, a
// modernc.org/sqlite data source name such as "file:dispatch.db" or
// ":memory:".
func OpenDurableStore(dsn string) (*DurableStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	s := &DurableStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DurableStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_agent_id TEXT,
	qualification TEXT NOT NULL,
	created_at TEXT NOT NULL,
	assigned_at TEXT,
	started_at TEXT,
	completed_at TEXT,
	duration_seconds REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	last_call_end_at TEXT,
	current_call_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
	id TEXT PRIMARY KEY,
	call_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	assignment_time_ms REAL NOT NULL DEFAULT 0,
	expected_duration_seconds REAL NOT NULL DEFAULT 0,
	actual_duration_seconds REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	activated_at TEXT,
	completed_at TEXT
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate durable store: %w", err)
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// UpsertCall writes the current state of a call, overwriting any
// prior row with the same id.
func (s *DurableStore) UpsertCall(ctx context.Context, c *domain.Call) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calls (id, phone_number, type, status, assigned_agent_id, qualification, created_at, assigned_at, started_at, completed_at, duration_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	assigned_agent_id = excluded.assigned_agent_id,
	qualification = excluded.qualification,
	assigned_at = excluded.assigned_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	duration_seconds = excluded.duration_seconds
`,
		c.ID, c.PhoneNumber, c.Type, string(c.Status), c.AssignedAgentID, string(c.Qualification),
		c.CreatedAt.UTC().Format(time.RFC3339Nano), timePtr(c.AssignedAt), timePtr(c.StartedAt), timePtr(c.CompletedAt),
		c.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}
	return nil
}

// UpsertAgent writes the current state of an agent.
func (s *DurableStore) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (id, name, type, status, last_call_end_at, current_call_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	last_call_end_at = excluded.last_call_end_at,
	current_call_id = excluded.current_call_id,
	updated_at = excluded.updated_at
`,
		a.ID, a.Name, a.Type, string(a.Status), timePtr(a.LastCallEndAt), a.CurrentCallID,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// UpsertAssignment writes the current state of an assignment.
func (s *DurableStore) UpsertAssignment(ctx context.Context, a *domain.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assignments (id, call_id, agent_id, status, assignment_time_ms, expected_duration_seconds, actual_duration_seconds, created_at, activated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	assignment_time_ms = excluded.assignment_time_ms,
	expected_duration_seconds = excluded.expected_duration_seconds,
	actual_duration_seconds = excluded.actual_duration_seconds,
	activated_at = excluded.activated_at,
	completed_at = excluded.completed_at
`,
		a.ID, a.CallID, a.AgentID, string(a.Status), a.AssignmentTimeMs, a.ExpectedDurationSeconds, a.ActualDurationSeconds,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), timePtr(a.ActivatedAt), timePtr(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// CountCallsByStatus returns the number of calls in each status, used
// by the cleanup command's before-cleanup report.
func (s *DurableStore) CountCallsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count calls by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan call status count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// CountAgentsByStatus returns the number of agents in each status, used
// by GetSystemStatus.
func (s *DurableStore) CountAgentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan agent status count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// AssignmentLatencies returns every recorded assignment_time_ms value
// for completed-or-active assignments, for p95 latency analysis.
func (s *DurableStore) AssignmentLatencies(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT assignment_time_ms FROM assignments WHERE status != 'FAILED'`)
	if err != nil {
		return nil, fmt.Errorf("query assignment latencies: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scan assignment latency: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// TerminalCallIDs returns the ids of every call that has reached a
// terminal status (COMPLETED, ABANDONED or FAILED), the population the
// cleanup command flushes.
func (s *DurableStore) TerminalCallIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM calls WHERE status IN (?, ?, ?)`,
		string(domain.CallCompleted), string(domain.CallAbandoned), string(domain.CallFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("query terminal call ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan terminal call id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCall removes a call row and any assignment rows bound to it.
func (s *DurableStore) DeleteCall(ctx context.Context, callID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("delete assignments for call: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE id = ?`, callID); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// Ping verifies the database handle is alive.
func (s *DurableStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *DurableStore) Close() error {
	return s.db.Close()
}
