package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"support_broker/server/broker/domain"
)

type ProfileRepository struct {
	pool *pgxpool.Pool
}

func NewProfileRepository(pool *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var p domain.Profile
	err := r.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, role FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, err
}

// ListUserIDs returns every non-operator profile.
func (r *ProfileRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM profiles WHERE role <> 'admin' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertProfile mirrors a profile from the identity system.
func (r *ProfileRepository) UpsertProfile(ctx context.Context, p domain.Profile) error {
	if p.Role == "" {
		p.Role = domain.RoleUser
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO profiles (id, first_name, last_name, email, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			role = EXCLUDED.role
	`, p.ID, p.FirstName, p.LastName, p.Email, p.Role)
	return err
}
