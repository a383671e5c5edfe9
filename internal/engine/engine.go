// Package engine is the task-workflow core: it derives per-role work items
// from requirements, propagates requirement status up to projects and
// applies guard-checked board moves.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/guard"
	"taskflow/internal/lock"
	"taskflow/internal/repo"
	"taskflow/internal/session"
)

type WorkItemStore interface {
	FindByRequirementAndRole(ctx context.Context, requirementID int64, role domain.Role) ([]domain.WorkItem, error)
	FindByAssignee(ctx context.Context, assigneeID int64) ([]domain.WorkItem, error)
	Get(ctx context.Context, id int64) (domain.WorkItem, error)
	Create(ctx context.Context, w domain.WorkItem) (domain.WorkItem, error)
	Update(ctx context.Context, w domain.WorkItem) error
	UpdateStatus(ctx context.Context, id int64, status domain.WorkItemStatus, progress int, at time.Time) error
	Delete(ctx context.Context, id int64) error
	ReplaceAssignees(ctx context.Context, id int64, assigneeIDs []int64) error
	ReplaceDependencies(ctx context.Context, id int64, dependsOn []int64) error
	ListDependencies(ctx context.Context, id int64) ([]int64, error)
	ListDependents(ctx context.Context, id int64) ([]int64, error)
}

type RequirementStore interface {
	GetByID(ctx context.Context, id int64) (domain.Requirement, error)
	ListByProject(ctx context.Context, projectID int64) ([]domain.Requirement, error)
	UpdateStatus(ctx context.Context, id int64, status domain.RequirementStatus, at time.Time) error
}

type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (domain.Project, error)
	Update(ctx context.Context, p domain.Project) error
}

// RoleResolver returns the board roles an actor holds.
type RoleResolver interface {
	ActorRoles(ctx context.Context, actorID string) ([]domain.ActorRole, error)
}

// AuditLog records engine mutations. events.Writer implements it.
type AuditLog interface {
	Append(ctx context.Context, evtType string, projectID int64, entityKind string, entityID int64, actorID string, payload events.EventPayload) error
}

// Stores is the set of stores one unit of work writes through. Inside a
// Transactor they share a transaction, the audit log included.
type Stores struct {
	WorkItems    WorkItemStore
	Requirements RequirementStore
	Projects     ProjectStore
	Events       AuditLog
}

// Transactor runs fn with Stores bound to one transaction. An error from fn
// rolls everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(s Stores) error) error
}

// SQLTransactor binds the sqlite stores and the events writer to a single
// *sql.Tx.
type SQLTransactor struct {
	DB *sql.DB
}

func (t SQLTransactor) InTx(ctx context.Context, fn func(s Stores) error) error {
	return repo.Repo{DB: t.DB}.InTx(ctx, func(tx *sql.Tx) error {
		return fn(Stores{
			WorkItems:    repo.WorkItems{DB: tx},
			Requirements: repo.Requirements{DB: tx},
			Projects:     repo.Projects{DB: tx},
			Events:       events.Writer{DB: tx},
		})
	})
}

const (
	DefaultWindow     = 7 * 24 * time.Hour
	DefaultMaxRetries = 3
)

type Engine struct {
	WorkItems      WorkItemStore
	Requirements   RequirementStore
	Projects       ProjectStore
	Roles          RoleResolver
	Guard          guard.Guard
	Locks          lock.Locker
	Events         AuditLog
	Publisher      events.Publisher
	Impersonations *session.Impersonations
	Log            *zap.Logger
	Now            func() time.Time

	// Tx scopes each mutation and its audit events to one transaction. With
	// Tx nil, writes go straight to the stores above.
	Tx Transactor
	// Window is the schedule length given to new role tasks.
	Window time.Duration
	// MaxRetries bounds project version-conflict retries.
	MaxRetries int
}

// New wires an engine over the sqlite stores in db. Callers replace
// Locks, Publisher and Log when the deployment provides them.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		WorkItems:      r.WorkItems(),
		Requirements:   r.Requirements(),
		Projects:       r.Projects(),
		Roles:          r,
		Guard:          guard.Default(),
		Locks:          lock.NewKeyedMutex(),
		Events:         events.Writer{DB: db},
		Tx:             SQLTransactor{DB: db},
		Publisher:      events.NopPublisher{},
		Impersonations: session.NewImpersonations(cfg.Session.Capacity, cfg.Session.TTL),
		Log:            zap.NewNop(),
		Now:            time.Now,
		Window:         cfg.WindowDuration(),
		MaxRetries:     cfg.Propagation.MaxRetries,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) window() time.Duration {
	if e.Window > 0 {
		return e.Window
	}
	return DefaultWindow
}

func (e Engine) lock(ctx context.Context, key string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	release, err := e.Locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	return release, nil
}

// inTx runs fn inside e.Tx, or against the engine's own stores when no
// transactor is configured. fn must only use s: with a single sqlite
// connection, going around the transaction blocks.
func (e Engine) inTx(ctx context.Context, fn func(s Stores) error) error {
	if e.Tx == nil {
		return fn(Stores{WorkItems: e.WorkItems, Requirements: e.Requirements, Projects: e.Projects, Events: e.Events})
	}
	return e.Tx.InTx(ctx, fn)
}

func audit(ctx context.Context, s Stores, evtType string, projectID int64, kind string, id int64, actorID string, payload events.EventPayload) error {
	if s.Events == nil {
		return nil
	}
	if err := s.Events.Append(ctx, evtType, projectID, kind, id, actorID, payload); err != nil {
		return storeErr("append "+evtType+" event", err)
	}
	return nil
}

func (e Engine) publish(ctx context.Context, routingKey string, payload any) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, routingKey, payload); err != nil {
		e.log().Warn("publish event failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// storeErr wraps a store failure for callers. Not-found and conflict keep
// their identity; anything else is reported as ErrTransientStore.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrConflict) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrTransientStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
