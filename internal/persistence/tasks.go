package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertTask writes the current projection of a task. Called on every
// status-change callback so a crash leaves the durable state no more
// than one transition stale.
func (s *Store) UpsertTask(ctx context.Context, t TaskRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		var parentID any
		if t.ParentID != "" {
			parentID = t.ParentID
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, description, scope, acceptance, branch, status, priority, parent_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				description = excluded.description,
				scope = excluded.scope,
				acceptance = excluded.acceptance,
				branch = excluded.branch,
				status = excluded.status,
				priority = excluded.priority,
				parent_id = excluded.parent_id,
				updated_at = CURRENT_TIMESTAMP;
		`, t.ID, t.Description, t.Scope, t.Acceptance, t.Branch, t.Status, t.Priority, parentID, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		return nil
	})
}

// GetTask returns a task by id, or (TaskRecord{}, false, nil) if absent.
func (s *Store) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	var t TaskRecord
	var parentID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, scope, acceptance, branch, status, priority, parent_id, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id).Scan(&t.ID, &t.Description, &t.Scope, &t.Acceptance, &t.Branch, &t.Status, &t.Priority, &parentID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("get task: %w", err)
	}
	if parentID.Valid {
		t.ParentID = parentID.String
	}
	return t, true, nil
}

// ListInFlightTasks returns tasks in {assigned, running} status, used
// to rehydrate in-flight dispatch state after a restart.
func (s *Store) ListInFlightTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, scope, acceptance, branch, status, priority, parent_id, created_at, updated_at
		FROM tasks WHERE status IN ('assigned', 'running')
		ORDER BY priority ASC, created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var parentID sql.NullString
		if err := rows.Scan(&t.ID, &t.Description, &t.Scope, &t.Acceptance, &t.Branch, &t.Status, &t.Priority, &parentID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if parentID.Valid {
			t.ParentID = parentID.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkDispatched records that id has been dispatched, enforcing the
// dispatchedTaskIds invariant: a given id is dispatched at
// most once. Returns false if id was already recorded.
func (s *Store) MarkDispatched(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dispatched_task_ids (task_id) VALUES (?)
			ON CONFLICT(task_id) DO NOTHING;
		`, id)
		if err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark dispatched rows affected: %w", err)
		}
		ok = affected == 1
		return nil
	})
	return ok, err
}

// DispatchedTaskIDs returns every id ever marked dispatched, so a
// restarted orchestrator can rebuild its in-memory dedup set.
func (s *Store) DispatchedTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM dispatched_task_ids;`)
	if err != nil {
		return nil, fmt.Errorf("list dispatched ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dispatched id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordTimedOutBranch marks a branch as timed out so the merge queue
// skips it and the reconciler can report it.
func (s *Store) RecordTimedOutBranch(ctx context.Context, b TimedOutBranch) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO timed_out_branches (branch, task_id, reason, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(branch) DO UPDATE SET reason = excluded.reason;
		`, b.Branch, b.TaskID, b.Reason)
		if err != nil {
			return fmt.Errorf("record timed out branch: %w", err)
		}
		return nil
	})
}

// ListTimedOutBranches returns every branch recorded as timed out.
func (s *Store) ListTimedOutBranches(ctx context.Context) ([]TimedOutBranch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT branch, task_id, reason, created_at FROM timed_out_branches
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list timed out branches: %w", err)
	}
	defer rows.Close()
	var out []TimedOutBranch
	for rows.Next() {
		var b TimedOutBranch
		if err := rows.Scan(&b.Branch, &b.TaskID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timed out branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EnqueueMergeBranch records a branch waiting in the merge queue.
func (s *Store) EnqueueMergeBranch(ctx context.Context, branch, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO merge_queue (branch, task_id) VALUES (?, ?)
			ON CONFLICT(branch) DO NOTHING;
		`, branch, taskID)
		if err != nil {
			return fmt.Errorf("enqueue merge branch: %w", err)
		}
		return nil
	})
}

// DequeueMergeBranch removes branch from the persisted merge backlog
// once the merge queue has applied or permanently rejected it.
func (s *Store) DequeueMergeBranch(ctx context.Context, branch string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM merge_queue WHERE branch = ?;`, branch)
		if err != nil {
			return fmt.Errorf("dequeue merge branch: %w", err)
		}
		return nil
	})
}

// PendingMergeBranches returns the merge backlog, oldest first, used
// to rehydrate the merge queue after a restart.
func (s *Store) PendingMergeBranches(ctx context.Context) ([]TimedOutBranch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT branch, task_id, '', enqueued_at FROM merge_queue
		ORDER BY enqueued_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending merges: %w", err)
	}
	defer rows.Close()
	var out []TimedOutBranch
	for rows.Next() {
		var b TimedOutBranch
		if err := rows.Scan(&b.Branch, &b.TaskID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending merge: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetScratchpad stores an opaque planner-owned string under key,
// overwriting any prior value.
func (s *Store) SetScratchpad(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scratchpad (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("set scratchpad: %w", err)
		}
		return nil
	})
}

// GetScratchpad reads back a value written with SetScratchpad.
func (s *Store) GetScratchpad(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scratchpad WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get scratchpad: %w", err)
	}
	return value, true, nil
}

// IncrementConflictFixCounter bumps and returns the number of fix
// attempts the reconciler/planner has made for branch, bounding the
// merge-conflict retry loop.
func (s *Store) IncrementConflictFixCounter(ctx context.Context, branch string) (int, error) {
	var attempts int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin conflict counter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflict_fix_counters (branch, attempts, updated_at)
			VALUES (?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(branch) DO UPDATE SET attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP;
		`, branch); err != nil {
			return fmt.Errorf("increment conflict counter: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM conflict_fix_counters WHERE branch = ?;`, branch).Scan(&attempts); err != nil {
			return fmt.Errorf("read conflict counter: %w", err)
		}
		return tx.Commit()
	})
	return attempts, err
}
