package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"swarmline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemColumns = `id,kind,parent_id,bounty_id,predecessor_id,COALESCE(title,''),COALESCE(description,''),status,repo_owner,repo_name,acceptance_criteria_json,created_at,updated_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, bountyID, predecessorID, criteria sql.NullString
	err := scan(&w.ID, &w.Kind, &parentID, &bountyID, &predecessorID, &w.Title, &w.Description,
		&w.Status, &w.RepoOwner, &w.RepoName, &criteria, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	if bountyID.Valid {
		w.BountyID = &bountyID.String
	}
	if predecessorID.Valid {
		w.PredecessorID = &predecessorID.String
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &w.AcceptanceCriteria); err != nil {
			return w, fmt.Errorf("acceptance criteria for %s: %w", w.ID, err)
		}
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	criteria, err := marshalStringSlice(w.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(id,kind,parent_id,bounty_id,predecessor_id,title,description,status,repo_owner,repo_name,acceptance_criteria_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, optional(w.ParentID), optional(w.BountyID), optional(w.PredecessorID),
		nullable(w.Title), nullable(w.Description), w.Status, w.RepoOwner, w.RepoName, criteria, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	for _, dep := range w.DependencyIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_deps(item_id,depends_on) VALUES (?,?)`, w.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if err != nil {
		return w, err
	}
	w.DependencyIDs, err = r.ListDependencies(ctx, id)
	if err != nil {
		return w, err
	}
	w.Assignments, err = r.ListAssignments(ctx, id)
	return w, err
}

func (r Repo) ListDependencies(ctx context.Context, itemID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM work_item_deps WHERE item_id=? ORDER BY depends_on`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

type WorkItemFilters struct {
	Kind     string
	Status   string
	ParentID string
	BountyID string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.BountyID != "" {
		clauses = append(clauses, "bounty_id=?")
		args = append(args, f.BountyID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

// CountItemsByStatus returns status counts for one kind.
func (r Repo) CountItemsByStatus(ctx context.Context, kind string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items WHERE kind=? GROUP BY status`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SetStatusIf flips an item's status only when its current status is in the
// allowed set. Returns ErrNotFound when the condition no longer holds; callers
// treat that as a lost race, not a failure.
func (r Repo) SetStatusIf(ctx context.Context, tx *sql.Tx, itemID, newStatus string, now time.Time, allowedCurrent ...string) error {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(allowedCurrent)), ",")
	args := []any{newStatus, now.UTC().Format(time.RFC3339), itemID}
	for _, s := range allowedCurrent {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates status unconditionally (cascade paths own their checks).
func (r Repo) SetStatus(ctx context.Context, tx *sql.Tx, itemID, newStatus string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=?`,
		newStatus, now.UTC().Format(time.RFC3339), itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatusByParent updates every child of a parent in one statement.
func (r Repo) SetStatusByParent(ctx context.Context, tx *sql.Tx, parentID, newStatus string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE parent_id=?`,
		newStatus, now.UTC().Format(time.RFC3339), parentID)
	return err
}

// AllChildrenHaveStatus reports whether every child of parentID has the given
// status. A parent with no children reports false; an empty container must
// never cascade upward.
func (r Repo) AllChildrenHaveStatus(ctx context.Context, parentID, status string) (bool, error) {
	var total, matching int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0) FROM work_items WHERE parent_id=?`,
		status, parentID).Scan(&total, &matching)
	if err != nil {
		return false, err
	}
	return total > 0 && total == matching, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optional(p *string) any {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}
