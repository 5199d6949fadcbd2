package repo

import (
	"context"
	"database/sql"
	"time"

	"swarmline/internal/domain"
)

const bountyColumns = `id,title,COALESCE(description,''),status,repo_owner,repo_name,COALESCE(fork_owner,''),COALESCE(fork_url,''),COALESCE(prompt,''),created_at,updated_at`

func scanBounty(scan func(dest ...any) error) (domain.Bounty, error) {
	var b domain.Bounty
	err := scan(&b.ID, &b.Title, &b.Description, &b.Status, &b.RepoOwner, &b.RepoName,
		&b.ForkOwner, &b.ForkURL, &b.Prompt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) InsertBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bounties(id,title,description,status,repo_owner,repo_name,fork_owner,fork_url,prompt,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Title, nullable(b.Description), b.Status, b.RepoOwner, b.RepoName,
		nullable(b.ForkOwner), nullable(b.ForkURL), nullable(b.Prompt), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id).Scan)
}

func (r Repo) ListBounties(ctx context.Context) ([]domain.Bounty, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bountyColumns+` FROM bounties ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) SetBountyStatus(ctx context.Context, tx *sql.Tx, id, status string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET status=?, updated_at=? WHERE id=?`,
		status, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBountyFork records the aggregator's fork coordinates.
func (r Repo) SetBountyFork(ctx context.Context, tx *sql.Tx, id, forkOwner, forkURL string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET fork_owner=?, fork_url=?, updated_at=? WHERE id=?`,
		forkOwner, forkURL, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllIssuesHaveStatus reports whether every issue of a bounty has the given
// status. A bounty with no issues reports false.
func (r Repo) AllIssuesHaveStatus(ctx context.Context, bountyID, status string) (bool, error) {
	var total, matching int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0) FROM work_items WHERE kind='issue' AND bounty_id=?`,
		status, bountyID).Scan(&total, &matching)
	if err != nil {
		return false, err
	}
	return total > 0 && total == matching, nil
}

// MarkBountyIssuesSubmitted flips every issue of a bounty to submitted; the
// marker stops re-entrant outcome application from opening a second PR
// against the source repo.
func (r Repo) MarkBountyIssuesSubmitted(ctx context.Context, tx *sql.Tx, bountyID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE kind='issue' AND bounty_id=?`,
		domain.StatusSubmitted, now.UTC().Format(time.RFC3339), bountyID)
	return err
}
