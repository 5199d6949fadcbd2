package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"swarmline/internal/domain"
)

// NextEligibleTodo runs the eligibility query for worker claims. A todo
// qualifies when its parent issue is in progress, its own status is
// initialized or stale past staleBefore, every dependency id resolves to an
// approved item (a dangling id counts as unmet), and neither the identity nor
// the github username has a prior attempt on it. Candidates are ranked by how
// few sibling issues of the same bounty are already completed, then by age,
// so work spreads across bounties instead of draining one.
func (r Repo) NextEligibleTodo(ctx context.Context, identity, githubUsername string, staleBefore time.Time) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items w
WHERE w.kind='todo'
  AND w.parent_id IN (SELECT id FROM work_items WHERE kind='issue' AND status=?)
  AND (
      w.status=?
      OR (w.status IN (?,?,?) AND w.updated_at < ?)
  )
  AND NOT EXISTS (
      SELECT 1 FROM assignments a
      WHERE a.item_id=w.id AND (a.identity=? OR a.github_username=?)
  )
  AND NOT EXISTS (
      SELECT 1 FROM work_item_deps d
      LEFT JOIN work_items dep ON dep.id = d.depends_on
      WHERE d.item_id=w.id AND (dep.id IS NULL OR dep.status != ?)
  )
ORDER BY (
    SELECT COUNT(*) FROM work_items s
    WHERE s.kind='issue' AND s.bounty_id=w.bounty_id AND s.status IN (?,?,?)
) ASC, w.created_at ASC, w.id ASC
LIMIT 1`,
		domain.StatusInProgress,
		domain.StatusInitialized,
		domain.StatusInProgress, domain.StatusDraftSubmitted, domain.StatusInReview,
		staleBefore.UTC().Format(time.RFC3339),
		identity, githubUsername,
		domain.StatusApproved,
		domain.StatusApproved, domain.StatusSubmitted, domain.StatusMerged)
	return scanWorkItem(row.Scan)
}

// NextAssignableIssue returns the oldest initialized issue whose predecessor,
// if any, is approved. Predecessor gating fails closed: a predecessor id that
// resolves to nothing blocks the issue.
func (r Repo) NextAssignableIssue(ctx context.Context) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items w
WHERE w.kind='issue' AND w.status=?
  AND (
      w.predecessor_id IS NULL
      OR EXISTS (SELECT 1 FROM work_items p WHERE p.id=w.predecessor_id AND p.status=?)
  )
ORDER BY w.created_at ASC, w.id ASC
LIMIT 1`, domain.StatusInitialized, domain.StatusApproved)
	return scanWorkItem(row.Scan)
}

// ReclaimStuckAggregator resets the oldest issue stuck in aggregator_pending
// past the cutoff back to initialized. Returns ErrNotFound when nothing is
// stuck.
func (r Repo) ReclaimStuckAggregator(ctx context.Context, cutoff, now time.Time) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM work_items
WHERE kind='issue' AND status=? AND updated_at < ?
ORDER BY created_at ASC LIMIT 1`,
		domain.StatusAggregatorPending, cutoff.UTC().Format(time.RFC3339)).Scan(&id)
	if err != nil {
		return "", mapNoRows(err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusInitialized, now.UTC().Format(time.RFC3339), id, domain.StatusAggregatorPending)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return id, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
