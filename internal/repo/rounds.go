package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"swarmline/internal/domain"
)

// ErrRoundApplied signals an outcome round that has already been recorded.
var ErrRoundApplied = errors.New("round outcome already applied")

// RecordAuditRound writes the idempotence marker for a round. It must be
// called before any outcome processing; a duplicate round surfaces as
// ErrRoundApplied and the caller skips the whole batch.
func (r Repo) RecordAuditRound(ctx context.Context, ar domain.AuditRound) error {
	positive, err := json.Marshal(ar.Positive)
	if err != nil {
		return err
	}
	negative, err := json.Marshal(ar.Negative)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO audit_rounds(task_id,round,positive_json,negative_json,applied_at)
VALUES (?,?,?,?,?)`, ar.TaskID, ar.Round, string(positive), string(negative), ar.AppliedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoundApplied
	}
	return nil
}

func (r Repo) GetAuditRound(ctx context.Context, taskID string, round int) (domain.AuditRound, error) {
	var ar domain.AuditRound
	var positive, negative string
	err := r.DB.QueryRowContext(ctx,
		`SELECT task_id,round,positive_json,negative_json,applied_at FROM audit_rounds WHERE task_id=? AND round=?`,
		taskID, round).Scan(&ar.TaskID, &ar.Round, &positive, &negative, &ar.AppliedAt)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	if err != nil {
		return ar, err
	}
	if err := json.Unmarshal([]byte(positive), &ar.Positive); err != nil {
		return ar, fmt.Errorf("positive identities for round %d: %w", ar.Round, err)
	}
	if err := json.Unmarshal([]byte(negative), &ar.Negative); err != nil {
		return ar, fmt.Errorf("negative identities for round %d: %w", ar.Round, err)
	}
	return ar, nil
}

func (r Repo) ListAuditRounds(ctx context.Context, taskID string) ([]domain.AuditRound, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT task_id,round,positive_json,negative_json,applied_at FROM audit_rounds WHERE task_id=? ORDER BY round ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRound
	for rows.Next() {
		var ar domain.AuditRound
		var positive, negative string
		if err := rows.Scan(&ar.TaskID, &ar.Round, &positive, &negative, &ar.AppliedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(positive), &ar.Positive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(negative), &ar.Negative); err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}

// RoundDuration returns the cached round duration for a task, fetching and
// caching it through fetch on a miss. fetch reports the duration in
// milliseconds the way the stake authority exposes it.
func (r Repo) RoundDuration(ctx context.Context, taskID string, fetch func(ctx context.Context, taskID string) (int64, error)) (time.Duration, error) {
	var ms int64
	err := r.DB.QueryRowContext(ctx, `SELECT round_duration_ms FROM task_round_times WHERE task_id=?`, taskID).Scan(&ms)
	if err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	ms, err = fetch(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT OR REPLACE INTO task_round_times(task_id,round_duration_ms) VALUES (?,?)`, taskID, ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
