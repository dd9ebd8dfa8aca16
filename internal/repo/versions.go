package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

const versionColumns = `id,phase_instance_id,number,status,parent_id,total,decided,accepted,declined,overridden,created_by,created_at,submitted_by,submitted_at,approved_by,approved_at,approval_notes,rejected_by,rejected_at,rejection_reason,updated_at`

func scanVersion(s scanner) (domain.Version, error) {
	var v domain.Version
	var parentID, submittedBy, submittedAt, approvedBy, approvedAt, approvalNotes, rejectedBy, rejectedAt, rejectionReason sql.NullString
	err := s.Scan(&v.ID, &v.PhaseInstanceID, &v.Number, &v.Status, &parentID,
		&v.Counters.Total, &v.Counters.Decided, &v.Counters.Accepted, &v.Counters.Declined, &v.Counters.Overridden,
		&v.CreatedBy, &v.CreatedAt, &submittedBy, &submittedAt, &approvedBy, &approvedAt, &approvalNotes,
		&rejectedBy, &rejectedAt, &rejectionReason, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ParentID = stringPtr(parentID)
	v.SubmittedBy = stringPtr(submittedBy)
	v.SubmittedAt = stringPtr(submittedAt)
	v.ApprovedBy = stringPtr(approvedBy)
	v.ApprovedAt = stringPtr(approvedAt)
	v.ApprovalNotes = stringPtr(approvalNotes)
	v.RejectedBy = stringPtr(rejectedBy)
	v.RejectedAt = stringPtr(rejectedAt)
	v.RejectionReason = stringPtr(rejectionReason)
	return v, nil
}

func (r Repo) InsertVersion(ctx context.Context, q Querier, v domain.Version) error {
	_, err := q.ExecContext(ctx, `INSERT INTO versions(id,phase_instance_id,number,status,parent_id,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.PhaseInstanceID, v.Number, v.Status, nullableStringPtr(v.ParentID), v.CreatedBy, v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) GetVersion(ctx context.Context, q Querier, id string) (domain.Version, error) {
	return scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id))
}

type VersionFilters struct {
	PhaseInstanceID string
	Statuses        []domain.VersionStatus
	Limit           int
}

// ListVersions returns versions ordered by number ascending.
func (r Repo) ListVersions(ctx context.Context, q Querier, f VersionFilters) ([]domain.Version, error) {
	var clauses []string
	var args []any
	if f.PhaseInstanceID != "" {
		clauses = append(clauses, "phase_instance_id=?")
		args = append(args, f.PhaseInstanceID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + versionColumns + ` FROM versions ` + where + ` ORDER BY number ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// OpenVersion returns the draft or pending_approval version of a phase instance.
func (r Repo) OpenVersion(ctx context.Context, q Querier, phaseInstanceID string) (domain.Version, error) {
	return scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE phase_instance_id=? AND status IN (?,?)`,
		phaseInstanceID, domain.VersionDraft, domain.VersionPendingApproval))
}

// ApprovedVersion returns the current approved version of a phase instance.
func (r Repo) ApprovedVersion(ctx context.Context, q Querier, phaseInstanceID string) (domain.Version, error) {
	return scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE phase_instance_id=? AND status=?`,
		phaseInstanceID, domain.VersionApproved))
}

func (r Repo) NextVersionNumber(ctx context.Context, q Querier, phaseInstanceID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM versions WHERE phase_instance_id=?`, phaseInstanceID).Scan(&n)
	return n, err
}

// LatestVersionWithFeedback returns the highest-numbered version holding at
// least one record the approver rejected or asked to revise.
func (r Repo) LatestVersionWithFeedback(ctx context.Context, q Querier, phaseInstanceID string) (domain.Version, error) {
	return scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions v WHERE v.phase_instance_id=? AND EXISTS (
  SELECT 1 FROM decision_records d WHERE d.version_id=v.id AND d.approver_action IN (?,?)
) ORDER BY v.number DESC LIMIT 1`, phaseInstanceID, domain.ActionReject, domain.ActionRevise))
}

// Transition is a compare-and-swap status change.
type Transition struct {
	VersionID string
	From      domain.VersionStatus
	To        domain.VersionStatus
	ActorID   string
	At        string
	Note      string
}

// TransitionVersion applies t only if the version is still in t.From. It
// returns false when another writer moved the version first.
func (r Repo) TransitionVersion(ctx context.Context, q Querier, t Transition) (bool, error) {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{t.To, t.At}
	switch t.To {
	case domain.VersionPendingApproval:
		fields = append(fields, "submitted_by=?", "submitted_at=?")
		args = append(args, t.ActorID, t.At)
	case domain.VersionApproved:
		fields = append(fields, "approved_by=?", "approved_at=?", "approval_notes=?")
		args = append(args, t.ActorID, t.At, nullable(t.Note))
	case domain.VersionRejected:
		fields = append(fields, "rejected_by=?", "rejected_at=?", "rejection_reason=?")
		args = append(args, t.ActorID, t.At, nullable(t.Note))
	case domain.VersionSuperseded, domain.VersionDraft:
	default:
		return false, fmt.Errorf("unknown version status %q", t.To)
	}
	args = append(args, t.VersionID, t.From)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE versions SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ComputeCounters recomputes a version's aggregates from its records.
func (r Repo) ComputeCounters(ctx context.Context, q Querier, versionID string) (domain.Counters, error) {
	var c domain.Counters
	err := q.QueryRowContext(ctx, `SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN tester_action IS NOT NULL THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN tester_action=? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN tester_action=? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(override),0)
FROM decision_records WHERE version_id=?`, domain.ActionAccept, domain.ActionDecline, versionID).
		Scan(&c.Total, &c.Decided, &c.Accepted, &c.Declined, &c.Overridden)
	return c, err
}

// RefreshCounters stores freshly computed aggregates on the version row.
func (r Repo) RefreshCounters(ctx context.Context, q Querier, versionID, at string) (domain.Counters, error) {
	c, err := r.ComputeCounters(ctx, q, versionID)
	if err != nil {
		return c, err
	}
	_, err = q.ExecContext(ctx, `UPDATE versions SET total=?, decided=?, accepted=?, declined=?, overridden=?, updated_at=? WHERE id=?`,
		c.Total, c.Decided, c.Accepted, c.Declined, c.Overridden, at, versionID)
	return c, err
}
