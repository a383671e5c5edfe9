package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the audit log.
const (
	RoleTaskCreated          = "role_task.created"
	RoleTaskUpdated          = "role_task.updated"
	RoleTaskDeleted          = "role_task.deleted"
	WorkItemMoved            = "work_item.moved"
	WorkItemUnblocked        = "work_item.unblocked"
	RequirementStatusChanged = "requirement.status_changed"
	ProjectStatusChanged     = "project.status_changed"
)

// RoleTaskAssigned is published, not audited: it tells the notification
// pipeline that someone has new work.
const RoleTaskAssigned = "role_task.assigned"

// Execer is satisfied by *sql.DB and *sql.Tx. A Writer over a *sql.Tx
// commits or rolls back with the mutation it records.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends rows to the events table.
type Writer struct {
	DB  Execer
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType string, projectID int64, entityKind string, entityID int64, actorID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullableID(projectID), entityKind, nullableID(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
