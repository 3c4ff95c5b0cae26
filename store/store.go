// Package store persists server records and workflow history to a
// file-backed SQLite database. It is the only writer of provisioning
// state; the engine treats it as an observer, never a gatekeeper.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

var (
	// ErrServerNotFound is returned when a server_id has no row.
	ErrServerNotFound = errors.New("server not found")
	// ErrWorkflowNotFound is returned when a workflow_id has no row.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Store wraps a SQLite database. The handle is safe for concurrent use;
// writes are additionally serialized by the store's own mutex so callers
// never contend on SQLITE_BUSY.
type Store struct {
	db  *sqlx.DB
	log logr.Logger
	now func() time.Time

	mu sync.Mutex
}

// Option mutates a Store before it is returned by Open.
type Option func(*Store)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and runs any pending
// migrations. Migration failure is fatal: the store is unusable and nil
// is returned.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		log: logr.Discard(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// SQLite has a single writer; one pooled connection avoids lock
	// contention and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	if err := migrate(ctx, db, s.log); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	return s, nil
}

var memoryDBSeq atomic.Uint64

func dsn(path string) string {
	if path == ":memory:" {
		// A named in-memory database with a shared cache survives pool
		// connection churn; a bare :memory: would hand a reopened
		// connection an empty database.
		return fmt.Sprintf("file:ironhive-mem-%d?mode=memory&cache=shared&_pragma=foreign_keys(1)",
			memoryDBSeq.Add(1))
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureServer creates the row for id if it does not exist.
func (s *Store) EnsureServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (server_id) VALUES (?) ON CONFLICT(server_id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ensuring server %s: %w", id, err)
	}
	return nil
}

// UpdateServer sets a single field on a server row. Unknown fields are
// logged and ignored for forward compatibility with newer writers.
func (s *Store) UpdateServer(ctx context.Context, id string, field Field, value any) error {
	column, ok := updatableFields[field]
	if !ok {
		s.log.V(1).Info("ignoring update for unknown field", "server", id, "field", string(field))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE servers SET %s = ? WHERE server_id = ?`, column), value, id)
	if err != nil {
		return fmt.Errorf("updating %s.%s: %w", id, column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating %s.%s: %w", id, column, ErrServerNotFound)
	}
	return nil
}

// Server returns the full record for id.
func (s *Store) Server(ctx context.Context, id string) (*ServerRecord, error) {
	var rec ServerRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM servers WHERE server_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s: %w", id, ErrServerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading server %s: %w", id, err)
	}
	return &rec, nil
}

// ServersWithWorkingIP lists servers whose in-band address is known good.
// Batch tooling iterates this set.
func (s *Store) ServersWithWorkingIP(ctx context.Context) ([]ServerRecord, error) {
	var recs []ServerRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM servers WHERE ip_address_works = 1 AND ip_address != '' ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("listing servers with working ip: %w", err)
	}
	return recs, nil
}

// RecordWorkflowStart inserts the workflow row in state pending and points
// the server record at it.
func (s *Store) RecordWorkflowStart(ctx context.Context, workflowID, serverID, deviceType string, totalSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting workflow %s: %w", workflowID, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_history (workflow_id, server_id, device_type, status, started_at, total_steps)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workflowID, serverID, deviceType, WorkflowPending, now, totalSteps); err != nil {
		return fmt.Errorf("inserting workflow %s: %w", workflowID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE servers SET workflow_id = ?, workflow_status = ?, last_workflow_run = ?, device_type = ?
		 WHERE server_id = ?`,
		workflowID, WorkflowPending, now, deviceType, serverID); err != nil {
		return fmt.Errorf("linking workflow %s to %s: %w", workflowID, serverID, err)
	}

	return tx.Commit()
}

// UpdateWorkflowProgress records completed step count and the metadata
// blob. The first progress update moves a pending workflow to running.
func (s *Store) UpdateWorkflowProgress(ctx context.Context, workflowID string, stepsCompleted int, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if metadata == "" {
		metadata = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_history
		 SET steps_completed = ?, metadata = ?,
		     status = CASE WHEN status = ? THEN ? ELSE status END
		 WHERE workflow_id = ?`,
		stepsCompleted, metadata, WorkflowPending, WorkflowRunning, workflowID)
	if err != nil {
		return fmt.Errorf("updating workflow %s progress: %w", workflowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE servers SET workflow_status = ? WHERE workflow_id = ?`,
		WorkflowRunning, workflowID); err != nil {
		return fmt.Errorf("updating server workflow status for %s: %w", workflowID, err)
	}
	return nil
}

// RecordWorkflowEnd marks the workflow terminal. Terminal states are
// never overwritten; a second end call is a no-op.
func (s *Store) RecordWorkflowEnd(ctx context.Context, workflowID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE workflow_history SET status = ?, completed_at = ?, error_message = ?
		 WHERE workflow_id = ? AND status IN (?, ?)`,
		status, now, errMsg, workflowID, WorkflowPending, WorkflowRunning); err != nil {
		return fmt.Errorf("ending workflow %s: %w", workflowID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE servers SET workflow_status = ? WHERE workflow_id = ?`,
		status, workflowID); err != nil {
		return fmt.Errorf("updating server workflow status for %s: %w", workflowID, err)
	}
	return nil
}

// RecordPowerStateChange appends to power_state_history and updates the
// server row's power_state and last_power_change.
func (s *Store) RecordPowerStateChange(ctx context.Context, serverID, oldState, newState, changedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording power change for %s: %w", serverID, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO power_state_history (server_id, old_state, new_state, changed_at, changed_by)
		 VALUES (?, ?, ?, ?, ?)`,
		serverID, oldState, newState, now, changedBy); err != nil {
		return fmt.Errorf("inserting power history for %s: %w", serverID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE servers SET power_state = ?, last_power_change = ? WHERE server_id = ?`,
		newState, now, serverID); err != nil {
		return fmt.Errorf("updating power state for %s: %w", serverID, err)
	}

	return tx.Commit()
}

// Workflow returns the history row for workflowID.
func (s *Store) Workflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM workflow_history WHERE workflow_id = ?`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", workflowID, err)
	}
	return &rec, nil
}

// WorkflowHistory lists every workflow that touched serverID, most
// recent first.
func (s *Store) WorkflowHistory(ctx context.Context, serverID string) ([]WorkflowRecord, error) {
	var recs []WorkflowRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM workflow_history WHERE server_id = ? ORDER BY started_at DESC, id DESC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing workflows for %s: %w", serverID, err)
	}
	return recs, nil
}

// PowerStateHistory lists power transitions for serverID, oldest first.
func (s *Store) PowerStateHistory(ctx context.Context, serverID string) ([]PowerStateChange, error) {
	var recs []PowerStateChange
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM power_state_history WHERE server_id = ? ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing power history for %s: %w", serverID, err)
	}
	return recs, nil
}
