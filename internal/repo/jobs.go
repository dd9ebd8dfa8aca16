package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"phaseline/internal/domain"
)

const jobColumns = `id,version_id,root_job_id,resumed_from,resumed_by,state,total,cursor,succeeded,failed,pause_requested,fail_reason,created_by,created_at,updated_at`

func scanJob(s scanner) (domain.BatchJob, error) {
	var j domain.BatchJob
	var resumedFrom, resumedBy, failReason sql.NullString
	err := s.Scan(&j.ID, &j.VersionID, &j.RootJobID, &resumedFrom, &resumedBy, &j.State, &j.Total, &j.Cursor,
		&j.Succeeded, &j.Failed, &j.PauseRequest, &failReason, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.ResumedFrom = stringPtr(resumedFrom)
	j.ResumedBy = stringPtr(resumedBy)
	j.FailReason = failReason.String
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, q Querier, j domain.BatchJob) error {
	_, err := q.ExecContext(ctx, `INSERT INTO batch_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.VersionID, j.RootJobID, nullableStringPtr(j.ResumedFrom), nullableStringPtr(j.ResumedBy), j.State, j.Total, j.Cursor,
		j.Succeeded, j.Failed, boolInt(j.PauseRequest), nullable(j.FailReason), j.CreatedBy, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, q Querier, id string) (domain.BatchJob, error) {
	return scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id=?`, id))
}

type JobFilters struct {
	VersionID string
	State     domain.JobState
	Limit     int
}

func (r Repo) ListJobs(ctx context.Context, q Querier, f JobFilters) ([]domain.BatchJob, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.VersionID != "" {
		clauses = append(clauses, "version_id=?")
		args = append(args, f.VersionID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// InsertJobItems stores the immutable ordered item list of a root job.
func (r Repo) InsertJobItems(ctx context.Context, q Querier, jobID string, items []domain.ItemDescriptor) error {
	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO batch_job_items(job_id,position,item_id,descriptor_json) VALUES (?,?,?,?)`,
			jobID, i, it.ItemID, string(data)); err != nil {
			return err
		}
	}
	return nil
}

// ListJobItems returns the root job's items in submission order.
func (r Repo) ListJobItems(ctx context.Context, q Querier, rootJobID string) ([]domain.ItemDescriptor, error) {
	rows, err := q.QueryContext(ctx, `SELECT descriptor_json FROM batch_job_items WHERE job_id=? ORDER BY position ASC`, rootJobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ItemDescriptor
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var it domain.ItemDescriptor
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCheckpoint(ctx context.Context, q Querier, cp domain.Checkpoint) error {
	_, err := q.ExecContext(ctx, `INSERT INTO job_checkpoints(job_id,cursor,succeeded,failed,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET cursor=excluded.cursor, succeeded=excluded.succeeded, failed=excluded.failed, updated_at=excluded.updated_at`,
		cp.JobID, cp.Cursor, cp.Succeeded, cp.Failed, cp.UpdatedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, q Querier, jobID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := q.QueryRowContext(ctx, `SELECT job_id,cursor,succeeded,failed,updated_at FROM job_checkpoints WHERE job_id=?`, jobID).
		Scan(&cp.JobID, &cp.Cursor, &cp.Succeeded, &cp.Failed, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	return cp, err
}

func (r Repo) DeleteCheckpoint(ctx context.Context, q Querier, jobID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM job_checkpoints WHERE job_id=?`, jobID)
	return err
}

// JobFinish moves a running job to a stopped state with its final counters.
type JobFinish struct {
	JobID     string
	State     domain.JobState
	Cursor    int
	Succeeded int
	Failed    int
	Reason    string
	At        string
}

// FinishJob applies f only while the job is running.
func (r Repo) FinishJob(ctx context.Context, q Querier, f JobFinish) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE batch_jobs SET state=?, cursor=?, succeeded=?, failed=?, fail_reason=?, pause_requested=0, updated_at=? WHERE id=? AND state=?`,
		f.State, f.Cursor, f.Succeeded, f.Failed, nullable(f.Reason), f.At, f.JobID, domain.JobRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequestPause raises the pause flag on a running job.
func (r Repo) RequestPause(ctx context.Context, q Querier, jobID, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE batch_jobs SET pause_requested=1, updated_at=? WHERE id=? AND state=?`, at, jobID, domain.JobRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) PauseRequested(ctx context.Context, q Querier, jobID string) (bool, error) {
	var flag bool
	err := q.QueryRowContext(ctx, `SELECT pause_requested FROM batch_jobs WHERE id=?`, jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag, err
}

// MarkResumed links a paused job to its successor. It returns false when the
// job is not paused or was already resumed.
func (r Repo) MarkResumed(ctx context.Context, q Querier, jobID, successorID, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE batch_jobs SET resumed_by=?, updated_at=? WHERE id=? AND state=? AND resumed_by IS NULL`,
		successorID, at, jobID, domain.JobPaused)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
