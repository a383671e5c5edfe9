package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/domain"
)

type Projects struct {
	DB DBTX
}

const projectColumns = `id,name,status,progress,version,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var status, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &status, &p.Progress, &p.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProjectStatus(status)
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (s Projects) Create(ctx context.Context, name string, now time.Time) (domain.Project, error) {
	p := domain.Project{
		Name:      name,
		Status:    domain.ProjectNew,
		Version:   1,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO projects(name,status,progress,version,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.Name, string(p.Status), p.Progress, p.Version, formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return p, err
	}
	return p, nil
}

func (s Projects) GetByID(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (s Projects) List(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Update writes status and progress if the stored version still equals
// p.Version, bumping the version. A stale version yields ErrConflict.
func (s Projects) Update(ctx context.Context, p domain.Project) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET name=?, status=?, progress=?, updated_at=?, version=version+1
WHERE id=? AND version=?`, p.Name, string(p.Status), p.Progress, formatTS(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetByID(ctx, p.ID); err != nil {
		return err
	}
	return fmt.Errorf("project %d version %d: %w", p.ID, p.Version, ErrConflict)
}
