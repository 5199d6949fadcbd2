package repo

import (
	"context"
	"database/sql"
	"time"

	"swarmline/internal/domain"
)

const assignmentColumns = `item_id,identity,github_username,round,task_id,pr_url,is_final,approved,COALESCE(failed_reason,''),COALESCE(failed_feedback,''),created_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var prURL sql.NullString
	var approved sql.NullBool
	err := scan(&a.ItemID, &a.Identity, &a.GithubUsername, &a.Round, &a.TaskID,
		&prURL, &a.IsFinal, &approved, &a.FailedReason, &a.FailedFeedback, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if prURL.Valid {
		a.PRUrl = &prURL.String
	}
	if approved.Valid {
		a.Approved = &approved.Bool
	}
	return a, nil
}

func (r Repo) ListAssignments(ctx context.Context, itemID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE item_id=? ORDER BY created_at ASC, round ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// FindAssignment locates a kind-scoped assignment by identity and round.
func (r Repo) FindAssignment(ctx context.Context, kind, identity string, round int) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT a.item_id,a.identity,a.github_username,a.round,a.task_id,a.pr_url,a.is_final,a.approved,COALESCE(a.failed_reason,''),COALESCE(a.failed_feedback,''),a.created_at
FROM assignments a JOIN work_items w ON w.id = a.item_id
WHERE w.kind=? AND a.identity=? AND a.round=?`, kind, identity, round)
	return scanAssignment(row.Scan)
}

// InsertAssignment appends an assignment row without touching item status.
// Used for issue-level claims where the status transition is a separate
// conditional update.
func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(item_id,identity,github_username,round,task_id,is_final,created_at)
VALUES (?,?,?,?,?,0,?)`,
		a.ItemID, a.Identity, a.GithubUsername, a.Round, a.TaskID, now.UTC().Format(time.RFC3339))
	return err
}

// FindAssignmentForItem returns the assignment an item holds for a round.
func (r Repo) FindAssignmentForItem(ctx context.Context, itemID string, round int) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE item_id=? AND round=?`, itemID, round)
	return scanAssignment(row.Scan)
}

// ApprovedPRUrl returns the approved assignment's PR URL for an item, or ""
// when none exists.
func (r Repo) ApprovedPRUrl(ctx context.Context, itemID string) (string, error) {
	var url sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT pr_url FROM assignments WHERE item_id=? AND approved=1 AND pr_url IS NOT NULL LIMIT 1`, itemID).Scan(&url)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return url.String, nil
}

// AnyPRUrl returns any recorded PR URL for an item, preferring final ones.
func (r Repo) AnyPRUrl(ctx context.Context, itemID string) (string, error) {
	var url sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT pr_url FROM assignments WHERE item_id=? AND pr_url IS NOT NULL ORDER BY is_final DESC, round DESC LIMIT 1`, itemID).Scan(&url)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return url.String, nil
}

// ClaimWorkItem performs the single conditional update that arbitrates
// concurrent claims: the status transition and the assignment append commit
// together, and the WHERE clause re-checks eligibility so late arrivals see
// zero rows affected. Returns ErrNotFound on a lost race.
func (r Repo) ClaimWorkItem(ctx context.Context, tx *sql.Tx, itemID string, staleBefore time.Time, a domain.Assignment, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=?
WHERE id=? AND (
    status=?
    OR (status IN (?,?,?) AND updated_at < ?)
)`,
		domain.StatusInProgress, nowStr,
		itemID,
		domain.StatusInitialized,
		domain.StatusInProgress, domain.StatusDraftSubmitted, domain.StatusInReview,
		staleBefore.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments(item_id,identity,github_username,round,task_id,is_final,created_at)
VALUES (?,?,?,?,?,0,?)`,
		itemID, a.Identity, a.GithubUsername, a.Round, a.TaskID, nowStr)
	return err
}

// SetDraftPR records a draft submission against the (identity, round)
// assignment. Zero rows affected means no matching assignment exists.
func (r Repo) SetDraftPR(ctx context.Context, tx *sql.Tx, itemID, identity string, round int, prURL string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assignments SET pr_url=?, is_final=0 WHERE item_id=? AND identity=? AND round=?`,
		prURL, itemID, identity, round)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFinalPR finalizes a submission. The match is by existing pr_url, not
// round: a worker may finalize in a later round than it drafted, and the
// URL match stops a non-assignee from finalizing someone else's draft.
func (r Repo) SetFinalPR(ctx context.Context, tx *sql.Tx, itemID, identity, prURL string, round int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assignments SET is_final=1, round=? WHERE item_id=? AND identity=? AND pr_url=?`,
		round, itemID, identity, prURL)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFailure appends failure feedback to the matching assignment.
func (r Repo) SetFailure(ctx context.Context, tx *sql.Tx, itemID, identity string, round int, reason, feedback string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assignments SET failed_reason=?, failed_feedback=? WHERE item_id=? AND identity=? AND round=?`,
		reason, feedback, itemID, identity, round)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAuditOutcome records an audit verdict on the round's assignment.
// Rejections clear pr_url so a reclaimed item carries no stale reference.
func (r Repo) SetAuditOutcome(ctx context.Context, tx *sql.Tx, itemID, identity string, round int, approved bool) error {
	var err error
	if approved {
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET approved=1 WHERE item_id=? AND identity=? AND round=?`,
			itemID, identity, round)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET approved=0, pr_url=NULL WHERE item_id=? AND identity=? AND round=?`,
			itemID, identity, round)
	}
	return err
}

// CountAttempts returns total and approved assignment counts for an item. It
// reads through the caller's transaction so verdict cascades see their own
// writes instead of blocking on them.
func (r Repo) CountAttempts(ctx context.Context, tx *sql.Tx, itemID string) (total int, approved int, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN approved=1 THEN 1 ELSE 0 END),0) FROM assignments WHERE item_id=?`,
		itemID).Scan(&total, &approved)
	return total, approved, err
}

// ItemsWithAssignmentAtRound returns items of a kind holding an assignment for
// the given round, oldest first.
func (r Repo) ItemsWithAssignmentAtRound(ctx context.Context, kind string, round int) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id,w.kind,w.parent_id,w.bounty_id,w.predecessor_id,COALESCE(w.title,''),COALESCE(w.description,''),w.status,w.repo_owner,w.repo_name,w.acceptance_criteria_json,w.created_at,w.updated_at
FROM work_items w
WHERE w.kind=? AND EXISTS (SELECT 1 FROM assignments a WHERE a.item_id=w.id AND a.round=?)
ORDER BY w.created_at ASC, w.id ASC`, kind, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ExhaustedItems lists non-terminal items whose attempt count reached the
// threshold without a single approval.
func (r Repo) ExhaustedItems(ctx context.Context, kind string, maxAttempts int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id FROM work_items w
WHERE w.kind=? AND w.status NOT IN (?,?,?)
AND w.id IN (
    SELECT item_id FROM assignments
    GROUP BY item_id
    HAVING COUNT(*) >= ? AND COALESCE(SUM(CASE WHEN approved=1 THEN 1 ELSE 0 END),0)=0
)`, kind, domain.StatusApproved, domain.StatusMerged, domain.StatusFailed, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
