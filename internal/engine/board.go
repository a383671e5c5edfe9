package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/guard"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
)

type MoveRequest struct {
	ActorID    string
	WorkItemID int64
	Target     domain.Column
}

type MoveResult struct {
	Item      domain.WorkItem `json:"item"`
	Source    domain.Column   `json:"source"`
	Unblocked []int64         `json:"unblocked,omitempty"`
}

// MoveWorkItem moves a work item to another board column on behalf of an
// actor. The guard is consulted first; a refused move returns a
// *TransitionDeniedError and nothing is written. Moves into in-progress or
// done also need every dependency done. Finishing an item returns blocked
// dependents whose dependencies are now all done to todo. The move, the
// unblocks and their audit events commit together.
func (e Engine) MoveWorkItem(ctx context.Context, req MoveRequest) (MoveResult, error) {
	defer metrics.ObserveSince("move", time.Now())
	var res MoveResult
	if !req.Target.Valid() {
		return res, validationf("unknown column %d", int(req.Target))
	}
	actor := e.Impersonations.Effective(req.ActorID)
	log := e.log().With(zap.String("actor", req.ActorID), zap.Int64("work_item_id", req.WorkItemID))
	if actor != req.ActorID {
		log = log.With(zap.String("acting_as", actor))
	}

	roles, err := e.actorRoles(ctx, actor)
	if err != nil {
		return res, err
	}
	var unblocked []domain.WorkItem
	err = e.inTx(ctx, func(s Stores) error {
		res, unblocked = MoveResult{}, nil
		item, err := s.WorkItems.Get(ctx, req.WorkItemID)
		if err != nil {
			return storeErr(fmt.Sprintf("load work item %d", req.WorkItemID), err)
		}
		source, ok := domain.ColumnOf(item.Status)
		if !ok {
			return validationf("work item %d has unknown status %q", item.ID, item.Status)
		}
		res.Source = source
		if allowed, reason := e.Guard.CanMove(roles, source, req.Target); !allowed {
			return &TransitionDeniedError{Actor: actor, Reason: reason, Source: source, Target: req.Target}
		}
		if req.Target == domain.ColumnInProgress || req.Target == domain.ColumnDone {
			if err := ensureDependenciesDone(ctx, s, item); err != nil {
				return err
			}
		}

		progress := item.Progress
		if req.Target == domain.ColumnDone {
			progress = 100
		}
		now := e.now()
		if err := s.WorkItems.UpdateStatus(ctx, item.ID, req.Target.Status(), progress, now); err != nil {
			return storeErr("update work item status", err)
		}
		item.Status, item.Progress, item.UpdatedAt = req.Target.Status(), progress, now
		res.Item = item

		projectID := projectOf(ctx, s, item)
		if err := audit(ctx, s, events.WorkItemMoved, projectID, "work_item", item.ID, req.ActorID, events.EventPayload{
			"from":      source.Status(),
			"to":        item.Status,
			"acting_as": actor,
		}); err != nil {
			return err
		}
		if req.Target == domain.ColumnDone {
			unblocked, err = e.unblockDependents(ctx, s, item.ID, projectID, req.ActorID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	var denied *TransitionDeniedError
	if errors.As(err, &denied) {
		metrics.RecordGuardDenial(string(denied.Reason))
		log.Warn("board move denied", zap.Stringer("source", denied.Source), zap.Stringer("target", denied.Target),
			zap.String("reason", string(denied.Reason)))
	}
	if err != nil {
		return res, err
	}
	log.Info("work item moved", zap.Stringer("source", res.Source), zap.Stringer("target", req.Target))
	for _, w := range unblocked {
		res.Unblocked = append(res.Unblocked, w.ID)
		e.publish(ctx, events.WorkItemUnblocked, events.EventPayload{
			"work_item_id": w.ID,
			"unblocked_by": res.Item.ID,
			"assignee_id":  w.AssigneeID,
			"role":         w.Role,
		})
		log.Info("work item unblocked", zap.Int64("dependent_id", w.ID))
	}
	return res, nil
}

func (e Engine) actorRoles(ctx context.Context, actor string) ([]domain.ActorRole, error) {
	if e.Roles == nil {
		return nil, nil
	}
	roles, err := e.Roles.ActorRoles(ctx, actor)
	if err != nil {
		return nil, storeErr("load actor roles", err)
	}
	return roles, nil
}

func ensureDependenciesDone(ctx context.Context, s Stores, item domain.WorkItem) error {
	deps, err := s.WorkItems.ListDependencies(ctx, item.ID)
	if err != nil {
		return storeErr("list dependencies", err)
	}
	for _, d := range deps {
		dep, err := s.WorkItems.Get(ctx, d)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return storeErr(fmt.Sprintf("load dependency %d", d), err)
		}
		if dep.Status != domain.StatusDone {
			return fmt.Errorf("work item %d waits on %d: %w", item.ID, d, ErrDependencyBlocked)
		}
	}
	return nil
}

// unblockDependents moves blocked dependents of doneID whose dependencies
// are all done back to todo, and returns them.
func (e Engine) unblockDependents(ctx context.Context, s Stores, doneID, projectID int64, actorID string) ([]domain.WorkItem, error) {
	dependents, err := s.WorkItems.ListDependents(ctx, doneID)
	if err != nil {
		return nil, storeErr("list dependents", err)
	}
	var unblocked []domain.WorkItem
	for _, id := range dependents {
		w, err := s.WorkItems.Get(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeErr(fmt.Sprintf("load dependent %d", id), err)
		}
		if w.Status != domain.StatusBlocked {
			continue
		}
		if err := ensureDependenciesDone(ctx, s, w); errors.Is(err, ErrDependencyBlocked) {
			continue
		} else if err != nil {
			return nil, err
		}
		if err := s.WorkItems.UpdateStatus(ctx, w.ID, domain.StatusToDo, w.Progress, e.now()); err != nil {
			return nil, storeErr(fmt.Sprintf("unblock work item %d", w.ID), err)
		}
		if err := audit(ctx, s, events.WorkItemUnblocked, projectID, "work_item", w.ID, actorID,
			events.EventPayload{"work_item_id": w.ID, "unblocked_by": doneID}); err != nil {
			return nil, err
		}
		w.Status = domain.StatusToDo
		unblocked = append(unblocked, w)
	}
	return unblocked, nil
}

// projectOf resolves the project of a role-derived item for event records.
// Adhoc items and lookup failures give 0.
func projectOf(ctx context.Context, s Stores, w domain.WorkItem) int64 {
	if w.RequirementID == nil || s.Requirements == nil {
		return 0
	}
	req, err := s.Requirements.GetByID(ctx, *w.RequirementID)
	if err != nil {
		return 0
	}
	return req.ProjectID
}

// AssignedWorkItems lists the live work items an assignee holds, earliest
// deadline first.
func (e Engine) AssignedWorkItems(ctx context.Context, assigneeID int64) ([]domain.WorkItem, error) {
	items, err := e.WorkItems.FindByAssignee(ctx, assigneeID)
	if err != nil {
		return nil, storeErr("find assigned work items", err)
	}
	return items, nil
}

type ColumnAccess struct {
	Column domain.Column `json:"column"`
	Name   string        `json:"name"`
	guard.Access
}

// BoardAccess reports the guard's view of every column for an actor,
// honouring impersonation.
func (e Engine) BoardAccess(ctx context.Context, actorID string) ([]ColumnAccess, error) {
	roles, err := e.actorRoles(ctx, e.Impersonations.Effective(actorID))
	if err != nil {
		return nil, err
	}
	out := make([]ColumnAccess, 0, len(domain.Columns))
	for _, c := range domain.Columns {
		out = append(out, ColumnAccess{Column: c, Name: c.String(), Access: e.Guard.Accessibility(roles, c)})
	}
	return out, nil
}

// Impersonate makes realActor's board requests run with asActor's roles.
func (e Engine) Impersonate(realActor, asActor string) {
	if e.Impersonations != nil {
		e.Impersonations.Start(realActor, asActor)
	}
}

func (e Engine) StopImpersonating(realActor string) {
	if e.Impersonations != nil {
		e.Impersonations.Stop(realActor)
	}
}
