package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/events"
	"taskflow/internal/guard"
	"taskflow/internal/metrics"
)

func TestGuardRefusalWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	items := newMemWorkItems()
	eng := env.Engine
	eng.Tx = nil
	eng.WorkItems = items
	eng.Requirements = newMemRequirements()
	eng.Roles = staticRoles{"dev1": {domain.ActorDeveloper}}

	reqID := int64(1)
	w, _ := items.Create(env.Ctx, domain.WorkItem{RequirementID: &reqID, Role: domain.RoleDeveloper, Status: domain.StatusToDo, RoleDerived: true})

	before := testutil.ToFloat64(metrics.GuardDenials.WithLabelValues(string(guard.ReasonCannotDropTo)))
	_, err := eng.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "dev1", WorkItemID: w.ID, Target: domain.ColumnDone})
	var denied *engine.TransitionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError, got %v", err)
	}
	if denied.Reason != guard.ReasonCannotDropTo || denied.Source != domain.ColumnToDo || denied.Target != domain.ColumnDone {
		t.Fatalf("unexpected denial %+v", denied)
	}
	if items.statusCalls != 0 {
		t.Fatalf("status mutation attempted %d times after refusal", items.statusCalls)
	}
	if got := testutil.ToFloat64(metrics.GuardDenials.WithLabelValues(string(guard.ReasonCannotDropTo))) - before; got != 1 {
		t.Fatalf("expected one denial recorded, got %v", got)
	}

	_, err = eng.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "stranger", WorkItemID: w.ID, Target: domain.ColumnInProgress})
	if !errors.As(err, &denied) || denied.Reason != guard.ReasonCannotDragFrom {
		t.Fatalf("actor without roles should be refused, got %v", err)
	}
	if items.statusCalls != 0 {
		t.Fatalf("status mutation attempted after refusal")
	}

	res, err := eng.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "dev1", WorkItemID: w.ID, Target: domain.ColumnInProgress})
	if err != nil {
		t.Fatalf("permitted move failed: %v", err)
	}
	if items.statusCalls != 1 || res.Item.Status != domain.StatusInProgress || res.Source != domain.ColumnToDo {
		t.Fatalf("expected one write to in_progress, got %d %+v", items.statusCalls, res)
	}
}

func TestMoveRejectsUnknownColumn(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "x", WorkItemID: 1, Target: domain.Column(9)})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFinishingDevelopmentUnblocksQC(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha")
	req := env.requirement(t, p.ID, "Checkout", domain.RequirementUnderDevelopment)
	env.grant(t, "lead", domain.ActorDeveloper, domain.ActorQC)
	env.grant(t, "root", domain.ActorAdmin)

	res, err := env.Engine.ReconcileRoleTasks(env.Ctx, req.ID, engine.Assignment{DeveloperID: id(5), QCID: id(9)})
	if err != nil {
		t.Fatal(err)
	}
	dev, _ := res.Role(domain.RoleDeveloper)
	qc, _ := res.Role(domain.RoleQC)

	_, err = env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "root", WorkItemID: qc.WorkItemID, Target: domain.ColumnInProgress})
	if !errors.Is(err, engine.ErrDependencyBlocked) {
		t.Fatalf("qc must wait for development, got %v", err)
	}

	if _, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: dev.WorkItemID, Target: domain.ColumnInProgress}); err != nil {
		t.Fatalf("start development: %v", err)
	}
	moved, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: dev.WorkItemID, Target: domain.ColumnDone})
	if err != nil {
		t.Fatalf("finish development: %v", err)
	}
	if moved.Item.Progress != 100 {
		t.Fatalf("done item should be at 100%%, got %d", moved.Item.Progress)
	}
	if len(moved.Unblocked) != 1 || moved.Unblocked[0] != qc.WorkItemID {
		t.Fatalf("expected qc %d unblocked, got %v", qc.WorkItemID, moved.Unblocked)
	}
	w, err := env.Repo.WorkItems().Get(env.Ctx, qc.WorkItemID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.StatusToDo {
		t.Fatalf("qc should be todo, got %s", w.Status)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, p.ID, events.WorkItemUnblocked)
	if err != nil || len(evts) != 1 || evts[0].EntityID != qc.WorkItemID {
		t.Fatalf("expected unblock event, got %+v %v", evts, err)
	}
	if _, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: qc.WorkItemID, Target: domain.ColumnInProgress}); err != nil {
		t.Fatalf("qc should start once development is done: %v", err)
	}
}

func TestImpersonationChangesRoles(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha")
	req := env.requirement(t, p.ID, "Checkout", domain.RequirementUnderDevelopment)
	env.grant(t, "root", domain.ActorAdmin)

	res, err := env.Engine.ReconcileRoleTasks(env.Ctx, req.ID, engine.Assignment{DesignerID: id(4)})
	if err != nil {
		t.Fatal(err)
	}
	design, _ := res.Role(domain.RoleDesigner)

	move := engine.MoveRequest{ActorID: "support", WorkItemID: design.WorkItemID, Target: domain.ColumnBlocked}
	var denied *engine.TransitionDeniedError
	if _, err := env.Engine.MoveWorkItem(env.Ctx, move); !errors.As(err, &denied) {
		t.Fatalf("support has no roles, got %v", err)
	}

	env.Engine.Impersonate("support", "root")
	if _, err := env.Engine.MoveWorkItem(env.Ctx, move); err != nil {
		t.Fatalf("acting as root should be allowed: %v", err)
	}
	access, err := env.Engine.BoardAccess(env.Ctx, "support")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range access {
		if !a.Draggable || !a.Droppable {
			t.Fatalf("admin should reach every column, got %+v", a)
		}
	}

	env.Engine.StopImpersonating("support")
	move.Target = domain.ColumnToDo
	if _, err := env.Engine.MoveWorkItem(env.Ctx, move); !errors.As(err, &denied) {
		t.Fatalf("impersonation should be over, got %v", err)
	}
}

func TestAssignedWorkItemsOrderedByDeadline(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha")
	late := env.requirement(t, p.ID, "late", domain.RequirementApproved)
	soon := env.requirement(t, p.ID, "soon", domain.RequirementApproved)

	if _, err := env.Engine.ReconcileRoleTasks(env.Ctx, late.ID, engine.Assignment{DeveloperID: id(5), End: at(fixedNow.Add(30 * 24 * time.Hour))}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReconcileRoleTasks(env.Ctx, soon.ID, engine.Assignment{DeveloperID: id(5), End: at(fixedNow.Add(24 * time.Hour))}); err != nil {
		t.Fatal(err)
	}
	mine, err := env.Engine.AssignedWorkItems(env.Ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || *mine[0].RequirementID != soon.ID || *mine[1].RequirementID != late.ID {
		t.Fatalf("unexpected order: %+v", mine)
	}
}

func TestRoleFailureDoesNotAbortOthers(t *testing.T) {
	env := newTestEnv(t)
	items := newMemWorkItems()
	eng := env.Engine
	eng.Tx = nil
	eng.WorkItems = items
	eng.Requirements = newMemRequirements(domain.Requirement{ID: 1, ProjectID: 1, Name: "Export"})

	first, err := eng.ReconcileRoleTasks(env.Ctx, 1, engine.Assignment{DeveloperID: id(5), QCID: id(9)})
	if err != nil || first.Err() != nil {
		t.Fatalf("seed: %v %v", err, first.Err())
	}
	dev, _ := first.Role(domain.RoleDeveloper)
	qc, _ := first.Role(domain.RoleQC)

	items.failFind[domain.RoleDeveloper] = errors.New("database is locked")
	res, err := eng.ReconcileRoleTasks(env.Ctx, 1, engine.Assignment{DeveloperID: id(7), QCID: id(9), DesignerID: id(11)})
	if err != nil {
		t.Fatalf("role failures must not fail the call: %v", err)
	}
	devRes, _ := res.Role(domain.RoleDeveloper)
	if devRes.Outcome != engine.RoleFailed || !errors.Is(devRes.Err, engine.ErrTransientStore) {
		t.Fatalf("developer should fail transiently, got %+v", devRes)
	}
	if res.Err() == nil {
		t.Fatalf("joined error should report the developer failure")
	}
	qcRes, _ := res.Role(domain.RoleQC)
	if qcRes.Err != nil || qcRes.WorkItemID != qc.WorkItemID {
		t.Fatalf("qc should succeed, got %+v", qcRes)
	}
	deps, _ := items.ListDependencies(env.Ctx, qc.WorkItemID)
	if len(deps) != 1 || deps[0] != dev.WorkItemID {
		t.Fatalf("qc dependencies must be left alone when developer fails, got %v", deps)
	}
	design, _ := res.Role(domain.RoleDesigner)
	if design.Outcome != engine.RoleCreated {
		t.Fatalf("designer should be created, got %+v", design)
	}

	delete(items.failFind, domain.RoleDeveloper)
	items.failCreate[domain.RoleDesigner] = errors.New("disk full")
	res, err = eng.ReconcileRoleTasks(env.Ctx, 1, engine.Assignment{DeveloperID: id(7), QCID: id(9), DesignerID: id(12)})
	if err != nil {
		t.Fatal(err)
	}
	design, _ = res.Role(domain.RoleDesigner)
	if design.Outcome != engine.RoleFailed || len(design.Deleted) != 1 {
		t.Fatalf("designer create should fail after removing the old task, got %+v", design)
	}
	devRes, _ = res.Role(domain.RoleDeveloper)
	if devRes.Outcome != engine.RoleCreated {
		t.Fatalf("developer should be recreated for 7, got %+v", devRes)
	}
	deps, _ = items.ListDependencies(env.Ctx, qc.WorkItemID)
	if len(deps) != 1 || deps[0] != devRes.WorkItemID {
		t.Fatalf("qc should now wait on %d, got %v", devRes.WorkItemID, deps)
	}
}

func TestMoveAndUnblockCommitTogether(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha")
	req := env.requirement(t, p.ID, "Checkout", domain.RequirementUnderDevelopment)
	env.grant(t, "lead", domain.ActorDeveloper, domain.ActorQC)

	res, err := env.Engine.ReconcileRoleTasks(env.Ctx, req.ID, engine.Assignment{DeveloperID: id(5), QCID: id(9)})
	if err != nil {
		t.Fatal(err)
	}
	dev, _ := res.Role(domain.RoleDeveloper)
	qc, _ := res.Role(domain.RoleQC)
	if _, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: dev.WorkItemID, Target: domain.ColumnInProgress}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Repo.DB.ExecContext(env.Ctx, `CREATE TRIGGER refuse_unblock BEFORE INSERT ON events
WHEN NEW.type = 'work_item.unblocked' BEGIN SELECT RAISE(ABORT, 'events full'); END`); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: dev.WorkItemID, Target: domain.ColumnDone})
	if !errors.Is(err, engine.ErrTransientStore) {
		t.Fatalf("expected the failed audit append to fail the move, got %v", err)
	}
	w, _ := env.Repo.WorkItems().Get(env.Ctx, dev.WorkItemID)
	if w.Status != domain.StatusInProgress || w.Progress != 0 {
		t.Fatalf("developer move should be rolled back, got %s/%d", w.Status, w.Progress)
	}
	w, _ = env.Repo.WorkItems().Get(env.Ctx, qc.WorkItemID)
	if w.Status != domain.StatusBlocked {
		t.Fatalf("qc should still be blocked, got %s", w.Status)
	}
	moved, err := env.Repo.LatestEvents(env.Ctx, 10, p.ID, events.WorkItemMoved)
	if err != nil || len(moved) != 1 {
		t.Fatalf("only the first move should be recorded, got %+v %v", moved, err)
	}

	if _, err := env.Repo.DB.ExecContext(env.Ctx, `DROP TRIGGER refuse_unblock`); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.MoveWorkItem(env.Ctx, engine.MoveRequest{ActorID: "lead", WorkItemID: dev.WorkItemID, Target: domain.ColumnDone})
	if err != nil || len(done.Unblocked) != 1 {
		t.Fatalf("retry should succeed and unblock qc, got %+v %v", done, err)
	}
}

func TestAssigneeWrittenOncePerTask(t *testing.T) {
	env := newTestEnv(t)
	items := newMemWorkItems()
	eng := env.Engine
	eng.Tx = nil
	eng.WorkItems = items
	eng.Requirements = newMemRequirements(domain.Requirement{ID: 1, ProjectID: 1, Name: "Export"})

	res, err := eng.ReconcileRoleTasks(env.Ctx, 1, engine.Assignment{DeveloperID: id(5), DesignerID: id(4)})
	if err != nil || res.Err() != nil {
		t.Fatalf("reconcile: %v %v", err, res.Err())
	}
	if items.assignCalls != 0 {
		t.Fatalf("new tasks carry their assignee from create, got %d extra writes", items.assignCalls)
	}
	if _, err := eng.ReconcileRoleTasks(env.Ctx, 1, engine.Assignment{DeveloperID: id(5), DesignerID: id(4)}); err != nil {
		t.Fatal(err)
	}
	if items.assignCalls != 2 {
		t.Fatalf("kept tasks get their assignee list replaced once each, got %d", items.assignCalls)
	}
}
