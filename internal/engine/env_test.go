package engine_test

import (
	"context"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Repo: repo.Repo{DB: conn}, Ctx: ctx}
}

func (env testEnv) project(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := env.Repo.Projects().Create(env.Ctx, name, fixedNow)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) requirement(t *testing.T, projectID int64, name string, status domain.RequirementStatus) domain.Requirement {
	t.Helper()
	r, err := env.Repo.Requirements().Create(env.Ctx, projectID, name, status, fixedNow)
	if err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	return r
}

func (env testEnv) roleTasks(t *testing.T, requirementID int64, role domain.Role) []domain.WorkItem {
	t.Helper()
	items, err := env.Repo.WorkItems().FindByRequirementAndRole(env.Ctx, requirementID, role)
	if err != nil {
		t.Fatalf("find %s tasks: %v", role, err)
	}
	return items
}

func (env testEnv) grant(t *testing.T, actorID string, roles ...domain.ActorRole) {
	t.Helper()
	for _, r := range roles {
		if err := env.Repo.GrantRole(env.Ctx, actorID, r, fixedNow); err != nil {
			t.Fatalf("grant %s to %s: %v", r, actorID, err)
		}
	}
}

func id(v int64) *int64 { return &v }

func at(t time.Time) *time.Time { return &t }
