package domain

import "fmt"

// Role is the discipline a work item belongs to.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleQC        Role = "qc"
	RoleDesigner  Role = "designer"
)

// ReconcileOrder is the fixed order roles are reconciled in. QC follows
// Developer because its dependency edge points at the Developer item.
var ReconcileOrder = []Role{RoleDeveloper, RoleQC, RoleDesigner}

func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleQC, RoleDesigner:
		return true
	}
	return false
}

// Title is the display form used in generated descriptions.
func (r Role) Title() string {
	switch r {
	case RoleDeveloper:
		return "Developer"
	case RoleQC:
		return "QC"
	case RoleDesigner:
		return "Designer"
	}
	return string(r)
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

type WorkItemStatus string

const (
	StatusToDo       WorkItemStatus = "todo"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusBlocked    WorkItemStatus = "blocked"
	StatusInReview   WorkItemStatus = "in_review"
	StatusDone       WorkItemStatus = "done"
)

// Column is a board column id. Columns map one to one onto work item statuses.
type Column int

const (
	ColumnToDo       Column = 1
	ColumnInProgress Column = 2
	ColumnBlocked    Column = 3
	ColumnInReview   Column = 4
	ColumnDone       Column = 5
)

var Columns = []Column{ColumnToDo, ColumnInProgress, ColumnBlocked, ColumnInReview, ColumnDone}

func (c Column) Valid() bool {
	return c >= ColumnToDo && c <= ColumnDone
}

func (c Column) Status() WorkItemStatus {
	switch c {
	case ColumnToDo:
		return StatusToDo
	case ColumnInProgress:
		return StatusInProgress
	case ColumnBlocked:
		return StatusBlocked
	case ColumnInReview:
		return StatusInReview
	case ColumnDone:
		return StatusDone
	}
	return ""
}

func (c Column) String() string {
	if s := c.Status(); s != "" {
		return string(s)
	}
	return fmt.Sprintf("column(%d)", int(c))
}

// ColumnOf returns the board column holding items in status s.
func ColumnOf(s WorkItemStatus) (Column, bool) {
	for _, c := range Columns {
		if c.Status() == s {
			return c, true
		}
	}
	return 0, false
}

func ParseWorkItemStatus(s string) (WorkItemStatus, error) {
	if _, ok := ColumnOf(WorkItemStatus(s)); !ok {
		return "", fmt.Errorf("invalid work item status %q", s)
	}
	return WorkItemStatus(s), nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type RequirementStatus string

const (
	RequirementNew              RequirementStatus = "new"
	RequirementManagerReview    RequirementStatus = "manager_review"
	RequirementApproved         RequirementStatus = "approved"
	RequirementUnderDevelopment RequirementStatus = "under_development"
	RequirementUnderTesting     RequirementStatus = "under_testing"
	RequirementCompleted        RequirementStatus = "completed"
	RequirementCancelled        RequirementStatus = "cancelled"
)

func ParseRequirementStatus(s string) (RequirementStatus, error) {
	switch st := RequirementStatus(s); st {
	case RequirementNew, RequirementManagerReview, RequirementApproved, RequirementUnderDevelopment,
		RequirementUnderTesting, RequirementCompleted, RequirementCancelled:
		return st, nil
	}
	return "", fmt.Errorf("invalid requirement status %q", s)
}

type ProjectStatus string

const (
	ProjectNew              ProjectStatus = "new"
	ProjectUnderStudy       ProjectStatus = "under_study"
	ProjectUnderReview      ProjectStatus = "under_review"
	ProjectUnderDevelopment ProjectStatus = "under_development"
	ProjectProduction       ProjectStatus = "production"
)

// ActorRole is a role held by the party acting on the board.
type ActorRole string

const (
	ActorDeveloper      ActorRole = "developer"
	ActorQC             ActorRole = "qc"
	ActorDesigner       ActorRole = "designer"
	ActorProjectManager ActorRole = "project_manager"
	ActorAdmin          ActorRole = "admin"
)

func ParseActorRole(s string) (ActorRole, error) {
	switch r := ActorRole(s); r {
	case ActorDeveloper, ActorQC, ActorDesigner, ActorProjectManager, ActorAdmin:
		return r, nil
	}
	return "", fmt.Errorf("invalid actor role %q", s)
}
