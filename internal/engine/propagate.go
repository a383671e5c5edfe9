package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/lock"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
)

// DeriveProjectStatus applies the propagation rules to p and returns the
// result. p comes back unchanged when no rule fires, including when reqs
// is empty.
//
//   - every requirement completed: production at 100%
//   - some requirement still open and p is new: under study
//   - some requirement still open and p is in production: back to under
//     development
func DeriveProjectStatus(p domain.Project, reqs []domain.Requirement) domain.Project {
	if len(reqs) == 0 {
		return p
	}
	allCompleted, anyOpen := true, false
	for _, r := range reqs {
		if r.Status != domain.RequirementCompleted {
			allCompleted = false
		}
		if r.Status != domain.RequirementCompleted && r.Status != domain.RequirementCancelled {
			anyOpen = true
		}
	}
	switch {
	case allCompleted:
		p.Status = domain.ProjectProduction
		p.Progress = 100
	case anyOpen && p.Status == domain.ProjectNew:
		p.Status = domain.ProjectUnderStudy
	case anyOpen && p.Status == domain.ProjectProduction:
		p.Status = domain.ProjectUnderDevelopment
	}
	return p
}

// RecomputeProjectStatus re-derives a project's status from its
// requirements and stores it if it changed. changed is false with a nil
// error when nothing needed writing. Store failures are returned wrapped
// in ErrTransientStore, never reported as "unchanged".
func (e Engine) RecomputeProjectStatus(ctx context.Context, projectID int64) (changed bool, err error) {
	defer metrics.ObserveSince("recompute", time.Now())
	defer func() {
		switch {
		case err != nil:
			metrics.RecordPropagation("error")
		case changed:
			metrics.RecordPropagation("changed")
		default:
			metrics.RecordPropagation("unchanged")
		}
	}()
	log := e.log().With(zap.Int64("project_id", projectID))

	release, err := e.lock(ctx, lock.ProjectKey(projectID))
	if err != nil {
		return false, err
	}
	defer release()

	retries := e.MaxRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		changed, err = e.recomputeOnce(ctx, log, projectID)
		if !errors.Is(err, repo.ErrConflict) {
			return changed, err
		}
		metrics.PropagationConflicts.Inc()
		if attempt >= retries {
			log.Error("project status update kept conflicting", zap.Int("attempts", attempt+1))
			return false, err
		}
		log.Debug("project version conflict, retrying", zap.Int("attempt", attempt+1))
	}
}

// recomputeOnce reads and writes the project in one transaction. A stale
// version comes back as repo.ErrConflict for the caller to retry.
func (e Engine) recomputeOnce(ctx context.Context, log *zap.Logger, projectID int64) (bool, error) {
	var p, next domain.Project
	changed := false
	err := e.inTx(ctx, func(s Stores) error {
		var err error
		p, err = s.Projects.GetByID(ctx, projectID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("project %d: %w", projectID, ErrProjectNotFound)
		}
		if err != nil {
			return storeErr("load project", err)
		}
		reqs, err := s.Requirements.ListByProject(ctx, projectID)
		if err != nil {
			return storeErr("list requirements", err)
		}
		next = DeriveProjectStatus(p, reqs)
		if next.Status == p.Status {
			log.Debug("project status unchanged", zap.String("status", string(p.Status)), zap.Int("requirements", len(reqs)))
			return nil
		}
		next.UpdatedAt = e.now()
		if err := s.Projects.Update(ctx, next); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return err
			}
			return storeErr("update project", err)
		}
		changed = true
		return audit(ctx, s, events.ProjectStatusChanged, projectID, "project", projectID, "system", events.EventPayload{
			"from":          p.Status,
			"to":            next.Status,
			"from_progress": p.Progress,
			"progress":      next.Progress,
		})
	})
	if err != nil || !changed {
		return false, err
	}
	e.publish(ctx, events.ProjectStatusChanged, events.EventPayload{
		"project_id": projectID,
		"from":       p.Status,
		"to":         next.Status,
		"progress":   next.Progress,
	})
	log.Info("project status changed", zap.String("from", string(p.Status)), zap.String("to", string(next.Status)),
		zap.Int("progress", next.Progress))
	return true, nil
}

// SetRequirementStatus stores a requirement's status and then recomputes
// its project. projectChanged reports whether the project moved.
func (e Engine) SetRequirementStatus(ctx context.Context, requirementID int64, status domain.RequirementStatus, actorID string) (req domain.Requirement, projectChanged bool, err error) {
	if _, err := domain.ParseRequirementStatus(string(status)); err != nil {
		return req, false, validationf("%v", err)
	}
	var from domain.RequirementStatus
	err = e.inTx(ctx, func(s Stores) error {
		var err error
		req, err = s.Requirements.GetByID(ctx, requirementID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("requirement %d: %w", requirementID, ErrRequirementNotFound)
		}
		if err != nil {
			return storeErr("load requirement", err)
		}
		from = req.Status
		if from == status {
			return nil
		}
		req.Status = status
		req.UpdatedAt = e.now()
		if err := s.Requirements.UpdateStatus(ctx, req.ID, status, req.UpdatedAt); err != nil {
			return storeErr("update requirement", err)
		}
		return audit(ctx, s, events.RequirementStatusChanged, req.ProjectID, "requirement", req.ID, actorID, events.EventPayload{
			"from": from,
			"to":   status,
		})
	})
	if err != nil {
		return req, false, err
	}
	if from != status {
		e.log().Info("requirement status changed", zap.Int64("requirement_id", req.ID),
			zap.String("from", string(from)), zap.String("to", string(status)))
	}
	projectChanged, err = e.RecomputeProjectStatus(ctx, req.ProjectID)
	return req, projectChanged, err
}
