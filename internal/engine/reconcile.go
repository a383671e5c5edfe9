package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/lock"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
)

// Assignment is the desired owner per role for one requirement. A nil id
// means the role should have no task. New tasks take Start, End and
// Description or their defaults; kept tasks only take the ones given.
type Assignment struct {
	DeveloperID *int64
	QCID        *int64
	DesignerID  *int64
	Start       *time.Time
	End         *time.Time
	Description string
	ActorID     string
}

func (a Assignment) For(role domain.Role) *int64 {
	switch role {
	case domain.RoleDeveloper:
		return a.DeveloperID
	case domain.RoleQC:
		return a.QCID
	case domain.RoleDesigner:
		return a.DesignerID
	}
	return nil
}

// validate checks what every role shares. Assignee ids are checked per
// role so that one bad id fails only its own role.
func (a Assignment) validate(now time.Time, window time.Duration) error {
	_, err := resolveWindow(a.Start, a.End, now, window)
	return err
}

type ReconcileStatus string

const (
	ReconcileSuccess             ReconcileStatus = "success"
	ReconcileRequirementNotFound ReconcileStatus = "requirement_not_found"
)

type RoleOutcome string

const (
	RoleCreated   RoleOutcome = "created"
	RoleUpdated   RoleOutcome = "updated"
	RoleUnchanged RoleOutcome = "unchanged"
	// RoleCleared means no assignee was wanted; Deleted lists what went.
	RoleCleared RoleOutcome = "cleared"
	RoleFailed  RoleOutcome = "failed"
)

type RoleResult struct {
	Role       domain.Role `json:"role"`
	AssigneeID *int64      `json:"assignee_id,omitempty"`
	WorkItemID int64       `json:"work_item_id,omitempty"`
	Outcome    RoleOutcome `json:"outcome"`
	Deleted    []int64     `json:"deleted,omitempty"`
	DependsOn  []int64     `json:"depends_on,omitempty"`
	Err        error       `json:"-"`
	Error      string      `json:"error,omitempty"`
}

type ReconcileResult struct {
	RunID         string          `json:"run_id"`
	RequirementID int64           `json:"requirement_id"`
	Status        ReconcileStatus `json:"status"`
	Roles         []RoleResult    `json:"roles"`
}

func (r ReconcileResult) Role(role domain.Role) (RoleResult, bool) {
	for _, rr := range r.Roles {
		if rr.Role == role {
			return rr, true
		}
	}
	return RoleResult{}, false
}

// Err joins the per-role failures, or returns nil if every role succeeded.
func (r ReconcileResult) Err() error {
	var errs []error
	for _, rr := range r.Roles {
		if rr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rr.Role, rr.Err))
		}
	}
	return errors.Join(errs...)
}

// ReconcileRoleTasks brings the role-derived work items of a requirement in
// line with a. Roles are handled in domain.ReconcileOrder and a failing
// role does not stop the others; inspect the per-role results or
// ReconcileResult.Err. The returned error is reserved for failures that
// prevent any work: an inverted window, a missing requirement or an
// unavailable lock. Each role's writes and their audit events commit
// together. Calls for the same requirement are serialized.
func (e Engine) ReconcileRoleTasks(ctx context.Context, requirementID int64, a Assignment) (ReconcileResult, error) {
	defer metrics.ObserveSince("reconcile", time.Now())
	res := ReconcileResult{RunID: uuid.NewString(), RequirementID: requirementID}
	log := e.log().With(zap.String("run_id", res.RunID), zap.Int64("requirement_id", requirementID))

	if err := a.validate(e.now(), e.window()); err != nil {
		return res, err
	}
	release, err := e.lock(ctx, lock.RequirementKey(requirementID))
	if err != nil {
		return res, err
	}
	defer release()

	req, err := e.Requirements.GetByID(ctx, requirementID)
	if errors.Is(err, repo.ErrNotFound) {
		res.Status = ReconcileRequirementNotFound
		log.Debug("requirement not found")
		return res, fmt.Errorf("requirement %d: %w", requirementID, ErrRequirementNotFound)
	}
	if err != nil {
		return res, storeErr("load requirement", err)
	}
	res.Status = ReconcileSuccess

	run := roleRun{Engine: e, logger: log, runID: res.RunID, req: req, a: a}
	for _, role := range domain.ReconcileOrder {
		rr := run.reconcile(ctx, role)
		if rr.Err != nil {
			rr.Error = rr.Err.Error()
		}
		if role == domain.RoleDeveloper {
			dev := rr
			run.dev = &dev
		}
		res.Roles = append(res.Roles, rr)
	}
	return res, nil
}

// roleRun carries the state of one ReconcileRoleTasks call.
type roleRun struct {
	Engine
	logger *zap.Logger
	runID  string
	req    domain.Requirement
	a      Assignment
	dev    *RoleResult
}

func (r roleRun) reconcile(ctx context.Context, role domain.Role) RoleResult {
	rr := RoleResult{Role: role, AssigneeID: r.a.For(role)}
	log := r.logger.With(zap.String("role", string(role)))
	fail := func(err error) RoleResult {
		if r.Tx != nil {
			rr.Deleted, rr.WorkItemID, rr.DependsOn = nil, 0, nil
		}
		rr.Outcome = RoleFailed
		rr.Err = err
		metrics.RecordRoleTask(string(role), metrics.OutcomeFailed)
		log.Warn("role reconciliation failed", zap.Error(err))
		return rr
	}
	desired := rr.AssigneeID
	if desired != nil && *desired <= 0 {
		return fail(validationf("%s assignee id must be positive", role))
	}

	var created *domain.WorkItem
	wired := true
	err := r.inTx(ctx, func(s Stores) error {
		existing, err := s.WorkItems.FindByRequirementAndRole(ctx, r.req.ID, role)
		if err != nil {
			return storeErr("find role tasks", err)
		}
		var keep *domain.WorkItem
		for i := range existing {
			w := existing[i]
			if desired != nil && keep == nil && w.HasAssignee(*desired) {
				keep = &existing[i]
				continue
			}
			if err := s.WorkItems.Delete(ctx, w.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return storeErr(fmt.Sprintf("delete work item %d", w.ID), err)
			}
			rr.Deleted = append(rr.Deleted, w.ID)
			if err := audit(ctx, s, events.RoleTaskDeleted, r.req.ProjectID, "work_item", w.ID, r.a.ActorID, events.EventPayload{
				"run_id":         r.runID,
				"requirement_id": r.req.ID,
				"role":           role,
				"assignee_id":    w.AssigneeID,
			}); err != nil {
				return err
			}
		}
		if desired == nil {
			rr.Outcome = RoleCleared
			return nil
		}

		if keep == nil {
			item, adopted, err := r.createTask(ctx, s, role, *desired)
			if err != nil {
				return err
			}
			if adopted {
				keep = &item
			} else {
				created = &item
				rr.Outcome = RoleCreated
				rr.WorkItemID = item.ID
			}
		}
		if keep != nil {
			item, outcome, err := r.updateTask(ctx, s, *keep)
			if err != nil {
				return err
			}
			rr.Outcome = outcome
			rr.WorkItemID = item.ID
			if err := s.WorkItems.ReplaceAssignees(ctx, item.ID, []int64{*desired}); err != nil {
				return storeErr("replace assignees", err)
			}
		}

		if role == domain.RoleQC {
			rr.DependsOn, wired, err = r.wireQC(ctx, s, rr.WorkItemID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	for _, id := range rr.Deleted {
		metrics.RoleTaskDeleted.WithLabelValues(string(role)).Inc()
		log.Info("removed stale role task", zap.Int64("work_item_id", id))
	}
	if desired == nil {
		metrics.RecordRoleTask(string(role), string(RoleCleared))
		log.Debug("no assignee wanted", zap.Int("deleted", len(rr.Deleted)))
		return rr
	}
	log = log.With(zap.Int64("work_item_id", rr.WorkItemID))
	if !wired {
		log.Warn("developer role failed, qc dependencies left unchanged")
	}
	if created != nil {
		r.publish(ctx, events.RoleTaskAssigned, events.EventPayload{
			"work_item_id":   created.ID,
			"requirement_id": r.req.ID,
			"project_id":     r.req.ProjectID,
			"role":           role,
			"assignee_id":    *desired,
			"start":          created.Window.Start,
			"end":            created.Window.End,
		})
	}
	metrics.RecordRoleTask(string(role), string(rr.Outcome))
	log.Info("role task reconciled", zap.String("outcome", string(rr.Outcome)), zap.Int64("assignee_id", *desired))
	return rr
}

// createTask builds and stores a fresh task owned by assigneeID. If a
// concurrent writer stored the same (requirement, role, assignee) first,
// that row is returned with adopted set.
func (r roleRun) createTask(ctx context.Context, s Stores, role domain.Role, assigneeID int64) (w domain.WorkItem, adopted bool, err error) {
	w, err = BuildRoleTask(RoleTaskSpec{
		RequirementID:   r.req.ID,
		RequirementName: r.req.Name,
		Role:            role,
		AssigneeID:      &assigneeID,
		Start:           r.a.Start,
		End:             r.a.End,
		Description:     r.a.Description,
	}, r.now(), r.window())
	if err != nil {
		return w, false, err
	}
	created, err := s.WorkItems.Create(ctx, w)
	if errors.Is(err, repo.ErrConflict) {
		items, ferr := s.WorkItems.FindByRequirementAndRole(ctx, r.req.ID, role)
		if ferr != nil {
			return w, false, storeErr("find role tasks", ferr)
		}
		for _, it := range items {
			if it.HasAssignee(assigneeID) {
				r.logger.Debug("adopting concurrently created role task", zap.Int64("work_item_id", it.ID))
				return it, true, nil
			}
		}
		return w, false, storeErr("create role task", err)
	}
	if err != nil {
		return w, false, storeErr("create role task", err)
	}
	err = audit(ctx, s, events.RoleTaskCreated, r.req.ProjectID, "work_item", created.ID, r.a.ActorID, events.EventPayload{
		"run_id":         r.runID,
		"requirement_id": r.req.ID,
		"role":           role,
		"assignee_id":    assigneeID,
		"status":         created.Status,
	})
	return created, false, err
}

// updateTask overwrites the description, start and end of a kept task with
// whichever of them the assignment provides.
func (r roleRun) updateTask(ctx context.Context, s Stores, w domain.WorkItem) (domain.WorkItem, RoleOutcome, error) {
	changed := false
	if r.a.Description != "" && r.a.Description != w.Description {
		w.Description = r.a.Description
		changed = true
	}
	win := w.Window
	if r.a.Start != nil {
		win.Start = r.a.Start.UTC()
	}
	if r.a.End != nil {
		win.End = r.a.End.UTC()
	}
	if win.End.Before(win.Start) {
		return w, RoleFailed, validationf("work item %d: window end %s is before start %s", w.ID,
			win.End.Format(time.RFC3339), win.Start.Format(time.RFC3339))
	}
	if !win.Start.Equal(w.Window.Start) || !win.End.Equal(w.Window.End) {
		w.Window = win
		changed = true
	}
	if !changed {
		return w, RoleUnchanged, nil
	}
	w.UpdatedAt = r.now()
	if err := s.WorkItems.Update(ctx, w); err != nil {
		return w, RoleFailed, storeErr(fmt.Sprintf("update work item %d", w.ID), err)
	}
	err := audit(ctx, s, events.RoleTaskUpdated, r.req.ProjectID, "work_item", w.ID, r.a.ActorID, events.EventPayload{
		"run_id":      r.runID,
		"description": w.Description,
		"start":       w.Window.Start,
		"end":         w.Window.End,
	})
	if err != nil {
		return w, RoleFailed, err
	}
	return w, RoleUpdated, nil
}

// wireQC points the QC task at the developer task produced in this run, or
// clears its dependencies if none was. When the developer role failed the
// edges are left as they are and wired is false.
func (r roleRun) wireQC(ctx context.Context, s Stores, qcID int64) (deps []int64, wired bool, err error) {
	if r.dev != nil && r.dev.Err != nil {
		current, err := s.WorkItems.ListDependencies(ctx, qcID)
		if err != nil {
			return nil, false, storeErr("list qc dependencies", err)
		}
		return current, false, nil
	}
	if r.dev != nil && r.dev.WorkItemID != 0 {
		deps = []int64{r.dev.WorkItemID}
	}
	if err := s.WorkItems.ReplaceDependencies(ctx, qcID, deps); err != nil {
		return nil, false, storeErr("replace qc dependencies", err)
	}
	return deps, true, nil
}
