package domain

import "time"

type Project struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	Progress  int           `json:"progress"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Requirement struct {
	ID        int64             `json:"id"`
	ProjectID int64             `json:"project_id"`
	Name      string            `json:"name"`
	Status    RequirementStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Window is a work item's schedule.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WorkItem is a unit of work for one role. Role-derived items carry
// RoleDerived=true and a RequirementID; adhoc items have neither.
type WorkItem struct {
	ID            int64          `json:"id"`
	RequirementID *int64         `json:"requirement_id,omitempty"`
	Role          Role           `json:"role"`
	Description   string         `json:"description"`
	AssigneeID    *int64         `json:"assignee_id,omitempty"`
	Window        Window         `json:"window"`
	Status        WorkItemStatus `json:"status"`
	Priority      Priority       `json:"priority"`
	Progress      int            `json:"progress"`
	RoleDerived   bool           `json:"role_derived"`
	DependsOn     []int64        `json:"depends_on,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasAssignee reports whether the item is currently owned by assigneeID.
func (w WorkItem) HasAssignee(assigneeID int64) bool {
	return w.AssigneeID != nil && *w.AssigneeID == assigneeID
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
