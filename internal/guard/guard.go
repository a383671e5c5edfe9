// Package guard decides which board moves a set of roles may make.
//
// The guard is a pure function of its [Table]: it keeps no per-request state
// and never mutates work items. Callers consult it before applying a status
// change and render [Access.Reason] to explain a refusal.
package guard

import "taskflow/internal/domain"

// Reason explains why a column is not fully accessible. It is informational
// only.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotAccessible  Reason = "not_accessible"
	ReasonCannotModify   Reason = "cannot_modify"
	ReasonCannotDragFrom Reason = "cannot_drag_from"
	ReasonCannotDropTo   Reason = "cannot_drop_to"
)

// Access is the answer to Accessibility.
type Access struct {
	Draggable bool   `json:"is_draggable"`
	Droppable bool   `json:"is_droppable"`
	Reason    Reason `json:"reason,omitempty"`
}

type Guard struct {
	table Table
}

func New(t Table) Guard {
	return Guard{table: t}
}

// Default returns a guard over the built-in table.
func Default() Guard {
	return New(DefaultTable())
}

func (g Guard) Table() Table { return g.table }

// CanDragFrom reports whether any role in roles may move work out of column.
func (g Guard) CanDragFrom(roles []domain.ActorRole, column domain.Column) bool {
	for _, r := range roles {
		if g.table[r].Columns[column].Source {
			return true
		}
	}
	return false
}

// CanDropTo reports whether some role in roles may drop work on target and
// has the source -> target move in its matrix.
func (g Guard) CanDropTo(roles []domain.ActorRole, target, source domain.Column) bool {
	if target == source {
		return false
	}
	for _, r := range roles {
		rp, ok := g.table[r]
		if !ok {
			continue
		}
		if rp.Columns[target].Target && rp.allows(source, target) {
			return true
		}
	}
	return false
}

// CanMove is CanDragFrom(source) && CanDropTo(target, source).
func (g Guard) CanMove(roles []domain.ActorRole, source, target domain.Column) (bool, Reason) {
	if !g.CanDragFrom(roles, source) {
		return false, ReasonCannotDragFrom
	}
	if !g.CanDropTo(roles, target, source) {
		return false, ReasonCannotDropTo
	}
	return true, ReasonNone
}

func (g Guard) Accessibility(roles []domain.ActorRole, column domain.Column) Access {
	var a Access
	known := false
	for _, r := range roles {
		p, ok := g.table[r].Columns[column]
		if !ok {
			continue
		}
		known = true
		a.Draggable = a.Draggable || p.Source
		a.Droppable = a.Droppable || p.Target
	}
	switch {
	case !known:
		a.Reason = ReasonNotAccessible
	case !a.Draggable && !a.Droppable:
		a.Reason = ReasonCannotModify
	case !a.Draggable:
		a.Reason = ReasonCannotDragFrom
	case !a.Droppable:
		a.Reason = ReasonCannotDropTo
	}
	return a
}
