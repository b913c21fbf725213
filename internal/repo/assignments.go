package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"triageline/internal/domain"
)

const assignmentCols = `id,bug_id,developer_id,developer_name,assignment_type,created_at`

func scanAssignment(row rowScanner) (domain.AssignmentEvent, error) {
	var ev domain.AssignmentEvent
	var devID sql.NullInt64
	err := row.Scan(&ev.ID, &ev.BugID, &devID, &ev.DeveloperName, &ev.Type, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, ErrNotFound
	}
	ev.DeveloperID = int64Ptr(devID)
	return ev, err
}

// AppendAssignment adds an event to the ledger. Only malformed events fail.
func (r Repo) AppendAssignment(ctx context.Context, tx *sql.Tx, ev domain.AssignmentEvent) error {
	verr := &domain.ValidationError{}
	if ev.ID == "" {
		verr.Add("id", "is required")
	}
	if ev.BugID <= 0 {
		verr.Add("bug_id", "is required")
	}
	if strings.TrimSpace(ev.DeveloperName) == "" {
		verr.Add("developer_name", "is required")
	}
	if !ev.Type.Valid() {
		verr.Add("assignment_type", "must be automatic or manual")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment_events(`+assignmentCols+`) VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.BugID, nullableInt64Ptr(ev.DeveloperID), ev.DeveloperName, ev.Type, ev.CreatedAt)
	return err
}

// LatestAssignment returns the current assignee event, or nil when unassigned.
func (r Repo) LatestAssignment(ctx context.Context, bugID int64) (*domain.AssignmentEvent, error) {
	ev, err := scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignment_events WHERE bug_id=? ORDER BY created_at DESC, seq DESC LIMIT 1`, bugID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListAssignments returns the full history of a bug, oldest first.
func (r Repo) ListAssignments(ctx context.Context, bugID int64) ([]domain.AssignmentEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignment_events WHERE bug_id=? ORDER BY created_at ASC, seq ASC`, bugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AssignmentEvent{}
	for rows.Next() {
		ev, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CountByDeveloper counts bugs per developer named in each bug's latest event.
func (r Repo) CountByDeveloper(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.developer_name, COUNT(*) FROM bugs b
JOIN assignment_events a ON a.seq = (
  SELECT seq FROM assignment_events WHERE bug_id=b.id ORDER BY created_at DESC, seq DESC LIMIT 1
)
GROUP BY a.developer_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		res[name] = n
	}
	return res, rows.Err()
}
