package engine

import (
	"context"
	"database/sql"

	"triageline/internal/domain"
	"triageline/internal/repo"
)

// Ledger is the append-only assignment history.
type Ledger struct {
	repo repo.Repo
}

func (e Engine) Ledger() Ledger {
	return Ledger{repo: e.Repo}
}

// Append fails only for malformed events.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, ev domain.AssignmentEvent) error {
	return l.repo.AppendAssignment(ctx, tx, ev)
}

// Latest returns the current assignment, or nil when the bug is unassigned.
func (l Ledger) Latest(ctx context.Context, bugID int64) (*domain.AssignmentEvent, error) {
	return l.repo.LatestAssignment(ctx, bugID)
}

// History returns every event for a bug in order.
func (l Ledger) History(ctx context.Context, bugID int64) ([]domain.AssignmentEvent, error) {
	if _, err := l.repo.GetBug(ctx, bugID); err != nil {
		return nil, err
	}
	return l.repo.ListAssignments(ctx, bugID)
}

// CountByDeveloper counts each bug once, under its latest assignee.
func (l Ledger) CountByDeveloper(ctx context.Context) (map[string]int, error) {
	return l.repo.CountByDeveloper(ctx)
}
