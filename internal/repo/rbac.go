package repo

import (
	"context"
	"time"

	"taskflow/internal/domain"
)

func (r Repo) GrantRole(ctx context.Context, actorID string, role domain.ActorRole, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id, created_at) VALUES (?,?,?)`,
		actorID, string(role), formatTS(now))
	return err
}

func (r Repo) RevokeRole(ctx context.Context, actorID string, role domain.ActorRole) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, string(role))
	return err
}

// ActorRoles returns the board roles held by actorID. Unknown role ids in
// the table are skipped.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]domain.ActorRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.ActorRole
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		role, err := domain.ParseActorRole(id)
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
