package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/domain"
)

// WorkItems stores work items, their assignees and dependency edges.
// Deleted items are kept with deleted_at set and are invisible to every
// finder.
type WorkItems struct {
	DB DBTX
}

const workItemColumns = `id,requirement_id,role,description,assignee_id,start_at,end_at,status,priority,progress,role_derived,created_at,updated_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                                domain.WorkItem
		reqID, assigneeID                sql.NullInt64
		role, status, priority           string
		start, end, createdAt, updatedAt string
		roleDerived                      int
	)
	if err := row.Scan(&w.ID, &reqID, &role, &w.Description, &assigneeID, &start, &end, &status, &priority,
		&w.Progress, &roleDerived, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	w.RequirementID = int64Ptr(reqID)
	w.AssigneeID = int64Ptr(assigneeID)
	w.Role = domain.Role(role)
	w.Status = domain.WorkItemStatus(status)
	w.Priority = domain.Priority(priority)
	w.RoleDerived = roleDerived == 1
	var err error
	if w.Window.Start, err = parseTS(start); err != nil {
		return w, fmt.Errorf("work item %d start_at: %w", w.ID, err)
	}
	if w.Window.End, err = parseTS(end); err != nil {
		return w, fmt.Errorf("work item %d end_at: %w", w.ID, err)
	}
	if w.CreatedAt, err = parseTS(createdAt); err != nil {
		return w, fmt.Errorf("work item %d created_at: %w", w.ID, err)
	}
	if w.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return w, fmt.Errorf("work item %d updated_at: %w", w.ID, err)
	}
	return w, nil
}

func (s WorkItems) query(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		deps, err := s.ListDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

// FindByRequirementAndRole returns live role-derived items for the pair.
// Adhoc and planned work never matches.
func (s WorkItems) FindByRequirementAndRole(ctx context.Context, requirementID int64, role domain.Role) ([]domain.WorkItem, error) {
	return s.query(ctx, `SELECT `+workItemColumns+` FROM work_items
WHERE requirement_id=? AND role=? AND role_derived=1 AND deleted_at IS NULL ORDER BY id`, requirementID, string(role))
}

func (s WorkItems) FindByAssignee(ctx context.Context, assigneeID int64) ([]domain.WorkItem, error) {
	return s.query(ctx, `SELECT `+workItemColumns+` FROM work_items
WHERE deleted_at IS NULL AND id IN (SELECT work_item_id FROM work_item_assignees WHERE assignee_id=?)
ORDER BY end_at ASC, id ASC`, assigneeID)
}

func (s WorkItems) Get(ctx context.Context, id int64) (domain.WorkItem, error) {
	items, err := s.query(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=? AND deleted_at IS NULL`, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(items) == 0 {
		return domain.WorkItem{}, ErrNotFound
	}
	return items[0], nil
}

// Create inserts w together with its assignee row. w.AssigneeID is the
// only owner a new item can have.
func (s WorkItems) Create(ctx context.Context, w domain.WorkItem) (domain.WorkItem, error) {
	roleDerived := 0
	if w.RoleDerived {
		roleDerived = 1
	}
	err := atomic(ctx, s.DB, func(q DBTX) error {
		res, err := q.ExecContext(ctx, `INSERT INTO work_items(requirement_id,role,description,assignee_id,start_at,end_at,status,priority,progress,role_derived,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			nullableInt64Ptr(w.RequirementID), string(w.Role), w.Description, nullableInt64Ptr(w.AssigneeID),
			formatTS(w.Window.Start), formatTS(w.Window.End), string(w.Status), string(w.Priority), w.Progress, roleDerived,
			formatTS(w.CreatedAt), formatTS(w.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert work item: %w", ErrConflict)
			}
			return fmt.Errorf("insert work item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if w.AssigneeID != nil {
			if _, err := q.ExecContext(ctx, `INSERT INTO work_item_assignees(work_item_id, assignee_id) VALUES (?,?)`, id, *w.AssigneeID); err != nil {
				return fmt.Errorf("insert work item assignee: %w", err)
			}
		}
		w.ID = id
		return nil
	})
	return w, err
}

// Update overwrites the mutable fields of a live item. Ownership is changed
// through ReplaceAssignees only.
func (s WorkItems) Update(ctx context.Context, w domain.WorkItem) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE work_items SET description=?, start_at=?, end_at=?, status=?, priority=?, progress=?, updated_at=?
WHERE id=? AND deleted_at IS NULL`,
		w.Description, formatTS(w.Window.Start), formatTS(w.Window.End), string(w.Status), string(w.Priority), w.Progress,
		formatTS(w.UpdatedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s WorkItems) UpdateStatus(ctx context.Context, id int64, status domain.WorkItemStatus, progress int, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE work_items SET status=?, progress=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		string(status), progress, formatTS(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes the item and drops its assignees and every dependency
// edge touching it.
func (s WorkItems) Delete(ctx context.Context, id int64) error {
	return atomic(ctx, s.DB, func(q DBTX) error {
		res, err := q.ExecContext(ctx, `UPDATE work_items SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, formatTS(time.Now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM work_item_deps WHERE work_item_id=? OR depends_on_id=?`, id, id); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `DELETE FROM work_item_assignees WHERE work_item_id=?`, id)
		return err
	})
}

// ReplaceAssignees sets the assignee list to exactly assigneeIDs. The first
// id becomes the item's current owner.
func (s WorkItems) ReplaceAssignees(ctx context.Context, id int64, assigneeIDs []int64) error {
	return atomic(ctx, s.DB, func(q DBTX) error {
		if err := ensureLive(ctx, q, id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM work_item_assignees WHERE work_item_id=?`, id); err != nil {
			return err
		}
		var owner any
		for i, a := range assigneeIDs {
			if i == 0 {
				owner = a
			}
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_assignees(work_item_id, assignee_id) VALUES (?,?)`, id, a); err != nil {
				return err
			}
		}
		if _, err := q.ExecContext(ctx, `UPDATE work_items SET assignee_id=? WHERE id=?`, owner, id); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("assign work item %d: %w", id, ErrConflict)
			}
			return err
		}
		return nil
	})
}

// ReplaceDependencies sets the dependency set of id to exactly dependsOn.
func (s WorkItems) ReplaceDependencies(ctx context.Context, id int64, dependsOn []int64) error {
	return atomic(ctx, s.DB, func(q DBTX) error {
		if err := ensureLive(ctx, q, id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM work_item_deps WHERE work_item_id=?`, id); err != nil {
			return err
		}
		for _, d := range dependsOn {
			if err := ensureLive(ctx, q, d); err != nil {
				return fmt.Errorf("dependency %d: %w", d, err)
			}
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_deps(work_item_id, depends_on_id) VALUES (?,?)`, id, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s WorkItems) ListDependencies(ctx context.Context, id int64) ([]int64, error) {
	return s.ids(ctx, `SELECT depends_on_id FROM work_item_deps WHERE work_item_id=? ORDER BY depends_on_id`, id)
}

// ListDependents returns the items that wait on id.
func (s WorkItems) ListDependents(ctx context.Context, id int64) ([]int64, error) {
	return s.ids(ctx, `SELECT work_item_id FROM work_item_deps WHERE depends_on_id=? ORDER BY work_item_id`, id)
}

func (s WorkItems) ListAssignees(ctx context.Context, id int64) ([]int64, error) {
	return s.ids(ctx, `SELECT assignee_id FROM work_item_assignees WHERE work_item_id=? ORDER BY assignee_id`, id)
}

func (s WorkItems) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountLive counts live role-derived items matching the triple. Tests and
// diagnostics use it to check the uniqueness invariant.
func (s WorkItems) CountLive(ctx context.Context, requirementID int64, role domain.Role, assigneeID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM work_items
WHERE requirement_id=? AND role=? AND assignee_id=? AND role_derived=1 AND deleted_at IS NULL`,
		requirementID, string(role), assigneeID).Scan(&n)
	return n, err
}

func ensureLive(ctx context.Context, q DBTX, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=? AND deleted_at IS NULL`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
