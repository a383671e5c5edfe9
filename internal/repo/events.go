package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskflow/internal/domain"
)

// LatestEvents returns up to limit events, newest first. Zero projectID and
// empty evtType mean no filter.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectIDCol, entityID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectIDCol, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.ProjectID = projectIDCol.Int64
		e.EntityID = entityID.Int64
		res = append(res, e)
	}
	return res, rows.Err()
}
