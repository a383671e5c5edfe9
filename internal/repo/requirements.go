package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/domain"
)

type Requirements struct {
	DB DBTX
}

const requirementColumns = `id,project_id,name,status,created_at,updated_at`

func scanRequirement(row rowScanner) (domain.Requirement, error) {
	var r domain.Requirement
	var status, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Status = domain.RequirementStatus(status)
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

func (s Requirements) Create(ctx context.Context, projectID int64, name string, status domain.RequirementStatus, now time.Time) (domain.Requirement, error) {
	if status == "" {
		status = domain.RequirementNew
	}
	r := domain.Requirement{
		ProjectID: projectID,
		Name:      name,
		Status:    status,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO requirements(project_id,name,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		r.ProjectID, r.Name, string(r.Status), formatTS(r.CreatedAt), formatTS(r.UpdatedAt))
	if err != nil {
		return r, fmt.Errorf("insert requirement: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return r, err
	}
	return r, nil
}

func (s Requirements) GetByID(ctx context.Context, id int64) (domain.Requirement, error) {
	return scanRequirement(s.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id=?`, id))
}

func (s Requirements) ListByProject(ctx context.Context, projectID int64) ([]domain.Requirement, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s Requirements) UpdateStatus(ctx context.Context, id int64, status domain.RequirementStatus, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE requirements SET status=?, updated_at=? WHERE id=?`, string(status), formatTS(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
