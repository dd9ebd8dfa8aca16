package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

const recordColumns = `id,version_id,item_id,position,
suggestion_action,suggestion_confidence,suggestion_rationale,suggestion_metadata_json,suggestion_provider,suggestion_generated_at,suggestion_raw_request,suggestion_raw_response,
tester_action,tester_rationale,tester_by,tester_at,
approver_action,approver_notes,approver_by,approver_at,
override,override_reason,is_critical,has_known_issue,created_at,updated_at`

func scanRecord(s scanner) (domain.DecisionRecord, error) {
	var rec domain.DecisionRecord
	var (
		sAction, sRationale, sMeta, sProvider, sAt, sReq, sResp sql.NullString
		sConfidence                                             sql.NullFloat64
		tAction, tRationale, tBy, tAt                           sql.NullString
		aAction, aNotes, aBy, aAt                               sql.NullString
		overrideReason                                          sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.VersionID, &rec.ItemID, &rec.Position,
		&sAction, &sConfidence, &sRationale, &sMeta, &sProvider, &sAt, &sReq, &sResp,
		&tAction, &tRationale, &tBy, &tAt,
		&aAction, &aNotes, &aBy, &aAt,
		&rec.Override, &overrideReason, &rec.IsCritical, &rec.HasKnownIssue, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if sAction.Valid {
		rec.Suggestion = &domain.Suggestion{
			Action:      sAction.String,
			Confidence:  sConfidence.Float64,
			Rationale:   sRationale.String,
			Provider:    sProvider.String,
			GeneratedAt: sAt.String,
			RawRequest:  sReq.String,
			RawResponse: sResp.String,
		}
		if sMeta.Valid && sMeta.String != "" {
			if err := json.Unmarshal([]byte(sMeta.String), &rec.Suggestion.Metadata); err != nil {
				return rec, fmt.Errorf("decode suggestion metadata for %s: %w", rec.ID, err)
			}
		}
	}
	if tAction.Valid {
		rec.Tester = &domain.TesterDecision{Action: tAction.String, Rationale: tRationale.String, DecidedBy: tBy.String, DecidedAt: tAt.String}
	}
	if aAction.Valid {
		rec.Approver = &domain.ApproverDecision{Action: aAction.String, Notes: aNotes.String, DecidedBy: aBy.String, DecidedAt: aAt.String}
	}
	rec.OverrideReason = overrideReason.String
	return rec, nil
}

func suggestionArgs(s *domain.Suggestion) ([]any, error) {
	if s == nil {
		return []any{nil, nil, nil, nil, nil, nil, nil, nil}, nil
	}
	var meta any
	if len(s.Metadata) > 0 {
		data, err := json.Marshal(s.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(data)
	}
	return []any{s.Action, s.Confidence, nullable(s.Rationale), meta, nullable(s.Provider), nullable(s.GeneratedAt), nullable(s.RawRequest), nullable(s.RawResponse)}, nil
}

func testerArgs(d *domain.TesterDecision) []any {
	if d == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{d.Action, nullable(d.Rationale), d.DecidedBy, d.DecidedAt}
}

func approverArgs(d *domain.ApproverDecision) []any {
	if d == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{d.Action, nullable(d.Notes), d.DecidedBy, d.DecidedAt}
}

// InsertRecord creates a record. It returns false when the version already
// holds a record for the item.
func (r Repo) InsertRecord(ctx context.Context, q Querier, rec domain.DecisionRecord) (bool, error) {
	sArgs, err := suggestionArgs(rec.Suggestion)
	if err != nil {
		return false, err
	}
	args := []any{rec.ID, rec.VersionID, rec.ItemID, rec.Position}
	args = append(args, sArgs...)
	args = append(args, testerArgs(rec.Tester)...)
	args = append(args, approverArgs(rec.Approver)...)
	args = append(args, boolInt(rec.Override), nullable(rec.OverrideReason), boolInt(rec.IsCritical), boolInt(rec.HasKnownIssue), rec.CreatedAt, rec.UpdatedAt)
	res, err := q.ExecContext(ctx, `INSERT INTO decision_records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(version_id,item_id) DO NOTHING`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetRecord(ctx context.Context, q Querier, versionID, itemID string) (domain.DecisionRecord, error) {
	return scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM decision_records WHERE version_id=? AND item_id=?`, versionID, itemID))
}

type RecordFilters struct {
	VersionID string
	// Undecided keeps only records without a tester decision.
	Undecided bool
	// NeedsRework keeps only records the approver rejected or asked to revise.
	NeedsRework bool
	Limit       int
}

// ListRecords returns records in seeding order.
func (r Repo) ListRecords(ctx context.Context, q Querier, f RecordFilters) ([]domain.DecisionRecord, error) {
	clauses := []string{"version_id=?"}
	args := []any{f.VersionID}
	if f.Undecided {
		clauses = append(clauses, "tester_action IS NULL")
	}
	if f.NeedsRework {
		clauses = append(clauses, "approver_action IN (?,?)")
		args = append(args, domain.ActionReject, domain.ActionRevise)
	}
	query := `SELECT ` + recordColumns + ` FROM decision_records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY position ASC, item_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdateSuggestion replaces the suggestion fields and the override pair.
func (r Repo) UpdateSuggestion(ctx context.Context, q Querier, rec domain.DecisionRecord) error {
	sArgs, err := suggestionArgs(rec.Suggestion)
	if err != nil {
		return err
	}
	args := append(sArgs, boolInt(rec.Override), nullable(rec.OverrideReason), rec.UpdatedAt, rec.ID)
	_, err = q.ExecContext(ctx, `UPDATE decision_records SET suggestion_action=?, suggestion_confidence=?, suggestion_rationale=?, suggestion_metadata_json=?,
suggestion_provider=?, suggestion_generated_at=?, suggestion_raw_request=?, suggestion_raw_response=?, override=?, override_reason=?, updated_at=? WHERE id=?`, args...)
	return err
}

// UpdateTester replaces the tester decision and the override pair.
func (r Repo) UpdateTester(ctx context.Context, q Querier, rec domain.DecisionRecord) error {
	args := append(testerArgs(rec.Tester), boolInt(rec.Override), nullable(rec.OverrideReason), rec.UpdatedAt, rec.ID)
	_, err := q.ExecContext(ctx, `UPDATE decision_records SET tester_action=?, tester_rationale=?, tester_by=?, tester_at=?, override=?, override_reason=?, updated_at=? WHERE id=?`, args...)
	return err
}

func (r Repo) UpdateApprover(ctx context.Context, q Querier, rec domain.DecisionRecord) error {
	args := append(approverArgs(rec.Approver), rec.UpdatedAt, rec.ID)
	_, err := q.ExecContext(ctx, `UPDATE decision_records SET approver_action=?, approver_notes=?, approver_by=?, approver_at=?, updated_at=? WHERE id=?`, args...)
	return err
}
