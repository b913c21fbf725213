package engine

import (
	"context"

	"triageline/internal/domain"
)

// Stats recomputes triage counters from the store on every call.
func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	byStatus, err := e.Repo.CountBugsByStatus(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	auto, err := e.Repo.CountAutoAssigned(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	perDev, err := e.Ledger().CountByDeveloper(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	total := 0
	for _, n := range byStatus {
		total += n
	}
	return domain.Stats{
		TotalBugs:        total,
		AutoAssigned:     auto,
		ManualReview:     byStatus[domain.StatusManualReview],
		PendingBugs:      byStatus[domain.StatusOpen],
		BugsPerDeveloper: perDev,
	}, nil
}
