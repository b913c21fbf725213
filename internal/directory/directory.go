// Package directory is the read-mostly developer roster used to resolve
// predicted or typed names to developer records.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"triageline/internal/config"
	"triageline/internal/domain"
	"triageline/internal/repo"
)

type Directory struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Directory {
	return Directory{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

// Seed upserts developers from config and returns how many were written.
func (d Directory) Seed(ctx context.Context, seeds []config.DeveloperSeed) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	ts := now().UTC().Format(domain.TimeLayout)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, s := range seeds {
		dev := domain.Developer{
			Username:  strings.TrimSpace(s.Username),
			FullName:  strings.TrimSpace(s.FullName),
			Email:     strings.TrimSpace(s.Email),
			Role:      "developer",
			CreatedAt: ts,
		}
		if err := d.Repo.UpsertDeveloper(ctx, tx, dev); err != nil {
			return 0, fmt.Errorf("seed developer %s: %w", dev.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(seeds), nil
}

func (d Directory) List(ctx context.Context, role string) ([]domain.Developer, error) {
	return d.Repo.ListDevelopers(ctx, role)
}

func (d Directory) Get(ctx context.Context, id int64) (domain.Developer, error) {
	return d.Repo.GetDeveloper(ctx, id)
}

// Resolve matches name against the current roster.
func (d Directory) Resolve(ctx context.Context, name string) (Match, error) {
	devs, err := d.Repo.ListDevelopers(ctx, "")
	if err != nil {
		return Match{}, err
	}
	return NewMatcher(devs).Match(name), nil
}
