package engine_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/repo"
)

// memWorkItems is an in-memory WorkItemStore with failure hooks.
type memWorkItems struct {
	mu    sync.Mutex
	next  int64
	items map[int64]domain.WorkItem
	deps  map[int64][]int64

	failFind    map[domain.Role]error
	failCreate  map[domain.Role]error
	statusCalls int
	assignCalls int
}

func newMemWorkItems() *memWorkItems {
	return &memWorkItems{
		items:      map[int64]domain.WorkItem{},
		deps:       map[int64][]int64{},
		failFind:   map[domain.Role]error{},
		failCreate: map[domain.Role]error{},
	}
}

func (m *memWorkItems) sorted(keep func(domain.WorkItem) bool) []domain.WorkItem {
	var out []domain.WorkItem
	for _, w := range m.items {
		if keep(w) {
			w.DependsOn = append([]int64(nil), m.deps[w.ID]...)
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memWorkItems) FindByRequirementAndRole(_ context.Context, requirementID int64, role domain.Role) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFind[role]; err != nil {
		return nil, err
	}
	return m.sorted(func(w domain.WorkItem) bool {
		return w.RoleDerived && w.Role == role && w.RequirementID != nil && *w.RequirementID == requirementID
	}), nil
}

func (m *memWorkItems) FindByAssignee(_ context.Context, assigneeID int64) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(w domain.WorkItem) bool { return w.HasAssignee(assigneeID) }), nil
}

func (m *memWorkItems) Get(_ context.Context, id int64) (domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.items[id]
	if !ok {
		return w, repo.ErrNotFound
	}
	w.DependsOn = append([]int64(nil), m.deps[id]...)
	return w, nil
}

func (m *memWorkItems) Create(_ context.Context, w domain.WorkItem) (domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreate[w.Role]; err != nil {
		return w, err
	}
	m.next++
	w.ID = m.next
	m.items[w.ID] = w
	return w, nil
}

func (m *memWorkItems) Update(_ context.Context, w domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[w.ID]
	if !ok {
		return repo.ErrNotFound
	}
	cur.Description, cur.Window, cur.Status, cur.Priority, cur.Progress, cur.UpdatedAt =
		w.Description, w.Window, w.Status, w.Priority, w.Progress, w.UpdatedAt
	m.items[w.ID] = cur
	return nil
}

func (m *memWorkItems) UpdateStatus(_ context.Context, id int64, status domain.WorkItemStatus, progress int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	w, ok := m.items[id]
	if !ok {
		return repo.ErrNotFound
	}
	w.Status, w.Progress, w.UpdatedAt = status, progress, at
	m.items[id] = w
	return nil
}

func (m *memWorkItems) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.items, id)
	delete(m.deps, id)
	for k, ds := range m.deps {
		var kept []int64
		for _, d := range ds {
			if d != id {
				kept = append(kept, d)
			}
		}
		m.deps[k] = kept
	}
	return nil
}

func (m *memWorkItems) ReplaceAssignees(_ context.Context, id int64, assigneeIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignCalls++
	w, ok := m.items[id]
	if !ok {
		return repo.ErrNotFound
	}
	w.AssigneeID = nil
	if len(assigneeIDs) > 0 {
		a := assigneeIDs[0]
		w.AssigneeID = &a
	}
	m.items[id] = w
	return nil
}

func (m *memWorkItems) ReplaceDependencies(_ context.Context, id int64, dependsOn []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return repo.ErrNotFound
	}
	m.deps[id] = append([]int64(nil), dependsOn...)
	return nil
}

func (m *memWorkItems) ListDependencies(_ context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.deps[id]...), nil
}

func (m *memWorkItems) ListDependents(_ context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for k, ds := range m.deps {
		for _, d := range ds {
			if d == id {
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memRequirements struct {
	mu   sync.Mutex
	reqs map[int64]domain.Requirement
}

func newMemRequirements(reqs ...domain.Requirement) *memRequirements {
	m := &memRequirements{reqs: map[int64]domain.Requirement{}}
	for _, r := range reqs {
		m.reqs[r.ID] = r
	}
	return m
}

func (m *memRequirements) GetByID(_ context.Context, id int64) (domain.Requirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return r, repo.ErrNotFound
	}
	return r, nil
}

func (m *memRequirements) ListByProject(_ context.Context, projectID int64) ([]domain.Requirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Requirement
	for _, r := range m.reqs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRequirements) UpdateStatus(_ context.Context, id int64, status domain.RequirementStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.Status, r.UpdatedAt = status, at
	m.reqs[id] = r
	return nil
}

// staticRoles resolves actor roles from a fixed map.
type staticRoles map[string][]domain.ActorRole

func (s staticRoles) ActorRoles(_ context.Context, actorID string) ([]domain.ActorRole, error) {
	return s[actorID], nil
}
