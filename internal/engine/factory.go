package engine

import (
	"fmt"
	"time"

	"taskflow/internal/domain"
)

// RoleTaskSpec describes a role task to build. Zero values take defaults.
type RoleTaskSpec struct {
	RequirementID   int64
	RequirementName string
	Role            domain.Role
	AssigneeID      *int64
	Start           *time.Time
	End             *time.Time
	Description     string
	Status          domain.WorkItemStatus
}

// BuildRoleTask constructs an unsaved role-derived work item. It reads no
// clock and touches no store: now and window supply the schedule defaults.
func BuildRoleTask(spec RoleTaskSpec, now time.Time, window time.Duration) (domain.WorkItem, error) {
	if !spec.Role.Valid() {
		return domain.WorkItem{}, validationf("unknown role %q", spec.Role)
	}
	if spec.RequirementID <= 0 {
		return domain.WorkItem{}, validationf("requirement id is required")
	}
	status := spec.Status
	if status == "" {
		status = DefaultStatus(spec.Role)
	} else if _, err := domain.ParseWorkItemStatus(string(status)); err != nil {
		return domain.WorkItem{}, validationf("%v", err)
	}
	win, err := resolveWindow(spec.Start, spec.End, now, window)
	if err != nil {
		return domain.WorkItem{}, err
	}
	desc := spec.Description
	if desc == "" {
		desc = DefaultDescription(spec.Role, spec.RequirementName)
	}
	reqID := spec.RequirementID
	return domain.WorkItem{
		RequirementID: &reqID,
		Role:          spec.Role,
		Description:   desc,
		AssigneeID:    spec.AssigneeID,
		Window:        win,
		Status:        status,
		Priority:      domain.PriorityMedium,
		Progress:      0,
		RoleDerived:   true,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// DefaultStatus is the starting column for a new role task. QC waits on
// development, so it starts blocked.
func DefaultStatus(role domain.Role) domain.WorkItemStatus {
	if role == domain.RoleQC {
		return domain.StatusBlocked
	}
	return domain.StatusToDo
}

func DefaultDescription(role domain.Role, requirementName string) string {
	return fmt.Sprintf("%s task for requirement: %s", role.Title(), requirementName)
}

// resolveWindow fills a missing start with now and a missing end with
// start+window.
func resolveWindow(start, end *time.Time, now time.Time, window time.Duration) (domain.Window, error) {
	w := domain.Window{Start: now.UTC()}
	if start != nil {
		w.Start = start.UTC()
	}
	if end != nil {
		w.End = end.UTC()
	} else {
		w.End = w.Start.Add(window)
	}
	if w.End.Before(w.Start) {
		return w, validationf("window end %s is before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return w, nil
}
