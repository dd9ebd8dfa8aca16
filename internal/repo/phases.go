package repo

import (
	"context"
	"database/sql"
	"errors"

	"phaseline/internal/domain"
)

const phaseColumns = `id,report_id,phase,status,started_by,started_at,completed_by,completed_at`

func scanPhase(s scanner) (domain.PhaseInstance, error) {
	var p domain.PhaseInstance
	var completedBy, completedAt sql.NullString
	err := s.Scan(&p.ID, &p.ReportID, &p.Phase, &p.Status, &p.StartedBy, &p.StartedAt, &completedBy, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CompletedBy = stringPtr(completedBy)
	p.CompletedAt = stringPtr(completedAt)
	return p, nil
}

func (r Repo) InsertPhaseInstance(ctx context.Context, q Querier, p domain.PhaseInstance) error {
	_, err := q.ExecContext(ctx, `INSERT INTO phase_instances(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.ReportID, p.Phase, p.Status, p.StartedBy, p.StartedAt, nullableStringPtr(p.CompletedBy), nullableStringPtr(p.CompletedAt))
	return err
}

func (r Repo) GetPhaseInstance(ctx context.Context, q Querier, id string) (domain.PhaseInstance, error) {
	return scanPhase(q.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE id=?`, id))
}

func (r Repo) GetPhaseByName(ctx context.Context, q Querier, reportID, phase string) (domain.PhaseInstance, error) {
	return scanPhase(q.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE report_id=? AND phase=?`, reportID, phase))
}

func (r Repo) ListPhaseInstances(ctx context.Context, q Querier, reportID string) ([]domain.PhaseInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE report_id=? ORDER BY started_at ASC, id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseInstance
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CompletePhaseInstance moves an in_progress phase to complete. It returns
// false when the phase was not in_progress.
func (r Repo) CompletePhaseInstance(ctx context.Context, q Querier, id, actorID, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE phase_instances SET status=?, completed_by=?, completed_at=? WHERE id=? AND status=?`,
		domain.PhaseComplete, actorID, at, id, domain.PhaseInProgress)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
