package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"triageline/internal/domain"
)

// bugSelect joins each bug with its latest assignment event.
const bugSelect = `SELECT b.id,b.title,b.body,b.priority,b.source,b.external_ref,b.status,b.tags,b.predictions_json,b.threshold,b.created_at,b.updated_at,
a.id,a.developer_id,a.developer_name,a.assignment_type,a.created_at
FROM bugs b
LEFT JOIN assignment_events a ON a.seq = (
  SELECT seq FROM assignment_events WHERE bug_id=b.id ORDER BY created_at DESC, seq DESC LIMIT 1
)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBug(row rowScanner) (domain.Bug, error) {
	var (
		b         domain.Bug
		extRef    sql.NullString
		tags      string
		predsJSON string
		aID       sql.NullString
		aDevID    sql.NullInt64
		aName     sql.NullString
		aType     sql.NullString
		aCreated  sql.NullString
	)
	err := row.Scan(&b.ID, &b.Title, &b.Body, &b.Priority, &b.Source, &extRef, &b.Status, &tags, &predsJSON, &b.Threshold, &b.CreatedAt, &b.UpdatedAt,
		&aID, &aDevID, &aName, &aType, &aCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.ExternalRef = stringPtr(extRef)
	b.Tags = domain.ParseTags(tags)
	if err := json.Unmarshal([]byte(predsJSON), &b.Predictions); err != nil {
		return b, fmt.Errorf("decode predictions for bug %d: %w", b.ID, err)
	}
	if b.Predictions == nil {
		b.Predictions = []domain.Prediction{}
	}
	if aID.Valid {
		b.Assignment = &domain.AssignmentEvent{
			ID:            aID.String,
			BugID:         b.ID,
			DeveloperID:   int64Ptr(aDevID),
			DeveloperName: aName.String,
			Type:          domain.AssignmentType(aType.String),
			CreatedAt:     aCreated.String,
		}
	}
	return b, nil
}

// InsertBug stores a new bug and returns its id.
func (r Repo) InsertBug(ctx context.Context, tx *sql.Tx, b domain.Bug) (int64, error) {
	preds := b.Predictions
	if preds == nil {
		preds = []domain.Prediction{}
	}
	predsJSON, err := json.Marshal(preds)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO bugs(title,body,priority,source,external_ref,status,tags,predictions_json,threshold,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.Title, b.Body, b.Priority, b.Source, nullableStringPtr(b.ExternalRef), b.Status, domain.JoinTags(b.Tags), string(predsJSON), b.Threshold, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBug(ctx context.Context, id int64) (domain.Bug, error) {
	return r.GetBugTx(ctx, r.DB, id)
}

// GetBugTx reads a bug through q, which may be an open transaction.
func (r Repo) GetBugTx(ctx context.Context, q Queryer, id int64) (domain.Bug, error) {
	return scanBug(q.QueryRowContext(ctx, bugSelect+` WHERE b.id=?`, id))
}

// ListBugs returns bugs oldest first, optionally filtered by status.
func (r Repo) ListBugs(ctx context.Context, status domain.Status) ([]domain.Bug, error) {
	query := bugSelect
	var args []any
	if status != "" {
		query += ` WHERE b.status=?`
		args = append(args, status)
	}
	query += ` ORDER BY b.created_at ASC, b.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Bug{}
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpdateBugStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.Status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bugs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// UpdateBugTriage records the outcome of triaging an open bug.
func (r Repo) UpdateBugTriage(ctx context.Context, tx *sql.Tx, id int64, status domain.Status, preds []domain.Prediction, threshold float64, updatedAt string) error {
	predsJSON, err := json.Marshal(preds)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE bugs SET status=?, predictions_json=?, threshold=?, updated_at=? WHERE id=?`,
		status, string(predsJSON), threshold, updatedAt, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// DeleteBug removes a bug and its assignment history.
func (r Repo) DeleteBug(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM assignment_events WHERE bug_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bugs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// BugIDByExternalRef finds an imported bug by its source reference.
func (r Repo) BugIDByExternalRef(ctx context.Context, ref string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM bugs WHERE external_ref=?`, ref).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// CountBugsByStatus returns the number of bugs in each status.
func (r Repo) CountBugsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM bugs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// CountAutoAssigned counts assigned bugs whose latest event is automatic.
func (r Repo) CountAutoAssigned(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bugs b
JOIN assignment_events a ON a.seq = (
  SELECT seq FROM assignment_events WHERE bug_id=b.id ORDER BY created_at DESC, seq DESC LIMIT 1
)
WHERE b.status=? AND a.assignment_type=?`, domain.StatusAssigned, domain.AssignmentAutomatic).Scan(&n)
	return n, err
}
