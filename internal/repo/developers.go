package repo

import (
	"context"
	"database/sql"
	"errors"

	"triageline/internal/domain"
)

const developerCols = `id,username,full_name,COALESCE(email,''),role,created_at`

func scanDeveloper(row rowScanner) (domain.Developer, error) {
	var d domain.Developer
	err := row.Scan(&d.ID, &d.Username, &d.FullName, &d.Email, &d.Role, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// UpsertDeveloper inserts or refreshes a developer keyed by username.
func (r Repo) UpsertDeveloper(ctx context.Context, tx *sql.Tx, d domain.Developer) error {
	if d.Role == "" {
		d.Role = "developer"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO developers(username,full_name,email,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(username) DO UPDATE SET full_name=excluded.full_name, email=excluded.email, role=excluded.role`,
		d.Username, d.FullName, nullable(d.Email), d.Role, d.CreatedAt)
	return err
}

func (r Repo) GetDeveloper(ctx context.Context, id int64) (domain.Developer, error) {
	return scanDeveloper(r.DB.QueryRowContext(ctx, `SELECT `+developerCols+` FROM developers WHERE id=?`, id))
}

// ListDevelopers returns developers ordered by id, optionally filtered by role.
func (r Repo) ListDevelopers(ctx context.Context, role string) ([]domain.Developer, error) {
	query := `SELECT ` + developerCols + ` FROM developers`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Developer{}
	for rows.Next() {
		d, err := scanDeveloper(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
