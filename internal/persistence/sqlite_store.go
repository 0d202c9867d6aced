package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/stagerun/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The workflows table and the workflow_transitions table are updated
// together inside one transaction in AppendTransition; that pairing is the
// layout external audit tooling may rely on.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			config BLOB,
			status TEXT NOT NULL,
			current_state TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			task_results BLOB
		);
		CREATE TABLE IF NOT EXISTS workflow_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			at INTEGER NOT NULL,
			metadata BLOB,
			UNIQUE(workflow_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_transitions_workflow
			ON workflow_transitions(workflow_id, seq);
	`)
	return err
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	config, err := encodeJSON(wf.Config)
	if err != nil {
		return err
	}
	results, err := encodeJSON(wf.TaskResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, config, status, current_state, retries,
			created_at, started_at, completed_at, error_message, task_results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID,
		wf.Name,
		config,
		string(wf.Status),
		string(wf.CurrentState),
		wf.Retries,
		wf.CreatedAt.UnixNano(),
		nullTime(wf.StartedAt),
		nullTime(wf.CompletedAt),
		wf.ErrorMessage,
		results,
	)
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, config, status, current_state, retries,
			created_at, started_at, completed_at, error_message, task_results
		FROM workflows
		WHERE id = ?`,
		id,
	)
	wf, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	query := `
		SELECT id, name, config, status, current_state, retries,
			created_at, started_at, completed_at, error_message, task_results
		FROM workflows`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Not every SQLite connection has foreign_keys on, so delete the
	// ledger rows explicitly rather than relying on ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_transitions WHERE workflow_id = ?`, id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}

	return tx.Commit()
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, wf *api.Workflow, tr *api.Transition) error {
	metadata, err := encodeJSON(tr.Metadata)
	if err != nil {
		return err
	}
	config, err := encodeJSON(wf.Config)
	if err != nil {
		return err
	}
	results, err := encodeJSON(wf.TaskResults)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	var lastTo string
	row := tx.QueryRowContext(ctx, `
		SELECT seq, to_state FROM workflow_transitions
		WHERE workflow_id = ?
		ORDER BY seq DESC LIMIT 1`,
		wf.ID,
	)
	switch err := row.Scan(&seq, &lastTo); {
	case errors.Is(err, sql.ErrNoRows):
		lastTo = string(api.StateInit)
	case err != nil:
		return err
	}

	if string(tr.FromState) != lastTo {
		return ErrLedgerConflict
	}

	tr.Seq = seq + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_transitions (workflow_id, seq, from_state, to_state, "trigger", at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID,
		tr.Seq,
		string(tr.FromState),
		string(tr.ToState),
		string(tr.Trigger),
		tr.At.UnixNano(),
		metadata,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, current_state = ?, retries = ?,
			started_at = ?, completed_at = ?, error_message = ?, task_results = ?
		WHERE id = ?`,
		string(wf.Status),
		string(wf.CurrentState),
		wf.Retries,
		nullTime(wf.StartedAt),
		nullTime(wf.CompletedAt),
		wf.ErrorMessage,
		results,
		wf.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}

	// Keep the config column current as well; Create wrote the original
	// but callers may have normalised it since.
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET config = ? WHERE id = ?`, config, wf.ID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, workflowID string) ([]api.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, seq, from_state, to_state, "trigger", at, metadata
		FROM workflow_transitions
		WHERE workflow_id = ?
		ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Transition
	for rows.Next() {
		var (
			tr       api.Transition
			from, to string
			trigger  string
			atN      int64
			metadata []byte
		)
		if err := rows.Scan(&tr.WorkflowID, &tr.Seq, &from, &to, &trigger, &atN, &metadata); err != nil {
			return nil, err
		}
		tr.FromState = api.State(from)
		tr.ToState = api.State(to)
		tr.Trigger = api.Trigger(trigger)
		tr.At = time.Unix(0, atN)

		md, err := decodeJSON[map[string]string](metadata)
		if err != nil {
			return nil, err
		}
		tr.Metadata = md

		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[api.State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[api.State]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[api.State(status)] = n
	}
	return counts, rows.Err()
}

type scanFunc func(dest ...any) error

func scanWorkflow(scan scanFunc) (*api.Workflow, error) {
	var (
		wf                   api.Workflow
		status, current      string
		config, results      []byte
		createdN             int64
		startedN, completedN sql.NullInt64
	)
	if err := scan(&wf.ID, &wf.Name, &config, &status, &current, &wf.Retries,
		&createdN, &startedN, &completedN, &wf.ErrorMessage, &results); err != nil {
		return nil, err
	}

	wf.Status = api.State(status)
	wf.CurrentState = api.State(current)
	wf.CreatedAt = time.Unix(0, createdN)
	if startedN.Valid {
		t := time.Unix(0, startedN.Int64)
		wf.StartedAt = &t
	}
	if completedN.Valid {
		t := time.Unix(0, completedN.Int64)
		wf.CompletedAt = &t
	}

	cfg, err := decodeJSON[map[string]any](config)
	if err != nil {
		return nil, err
	}
	wf.Config = cfg

	res, err := decodeJSON[[]api.TaskResult](results)
	if err != nil {
		return nil, err
	}
	wf.TaskResults = res

	return &wf, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
