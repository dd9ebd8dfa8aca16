package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// DecisionInput is a human decision before it is attributed.
type DecisionInput struct {
	Action string `json:"action"`
	// Comment is the tester rationale or the approver notes.
	Comment string `json:"comment,omitempty"`
}

// Completeness gates submission: every record needs a tester decision.
type Completeness struct {
	Total   int `json:"total"`
	Decided int `json:"decided"`
}

func (c Completeness) Complete() bool { return c.Total == c.Decided }

// BulkResult reports a BulkApply outcome.
type BulkResult struct {
	Updated int          `json:"updated"`
	Skipped []SkipReason `json:"skipped"`
}

type SkipReason struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// CounterCheck compares cached aggregates with a live recomputation.
type CounterCheck struct {
	VersionID  string          `json:"version_id"`
	Stored     domain.Counters `json:"stored"`
	Live       domain.Counters `json:"live"`
	Consistent bool            `json:"consistent"`
}

// versionScope is a version plus the phase instance that owns it.
type versionScope struct {
	Version domain.Version
	Phase   domain.PhaseInstance
}

func (e Engine) loadScope(ctx context.Context, q repo.Querier, versionID string) (versionScope, error) {
	v, err := e.Repo.GetVersion(ctx, q, versionID)
	if err != nil {
		return versionScope{}, storeErr(err, "version %s not found", versionID)
	}
	pi, err := e.Repo.GetPhaseInstance(ctx, q, v.PhaseInstanceID)
	if err != nil {
		return versionScope{}, storeErr(err, "phase instance %s not found", v.PhaseInstanceID)
	}
	return versionScope{Version: v, Phase: pi}, nil
}

func requireStatus(v domain.Version, want domain.VersionStatus, op string) error {
	if v.Status != want {
		return apperr.InvalidState("cannot %s: version %s is %s, not %s", op, v.ID, v.Status, want).
			With("status", string(v.Status))
	}
	return nil
}

func validSuggestionAction(a string) bool {
	return a == domain.ActionAccept || a == domain.ActionDecline
}

func validApproverAction(a string) bool {
	return a == domain.ActionApprove || a == domain.ActionReject || a == domain.ActionRevise
}

// applyOverride sets override iff both a suggestion and a tester decision are
// present and their actions differ.
func applyOverride(rec *domain.DecisionRecord) {
	if rec.Suggestion == nil || rec.Tester == nil || rec.Suggestion.Action == rec.Tester.Action {
		rec.Override = false
		rec.OverrideReason = ""
		return
	}
	rec.Override = true
	if rec.Tester.Rationale != "" {
		rec.OverrideReason = rec.Tester.Rationale
		return
	}
	rec.OverrideReason = fmt.Sprintf("tester chose %s over suggested %s", rec.Tester.Action, rec.Suggestion.Action)
}

// SeedRecords bulk-creates empty records for catalog items in a draft version.
// Re-seeding an item already present is a no-op. Returns the number created.
func (e Engine) SeedRecords(ctx context.Context, versionID string, itemIDs []string, actorID string) (int, error) {
	if err := requireActor(actorID); err != nil {
		return 0, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return 0, err
	}
	if err := requireStatus(sc.Version, domain.VersionDraft, "seed records"); err != nil {
		return 0, err
	}
	catalog, err := e.Repo.ListCatalogItems(ctx, tx, sc.Phase.ReportID)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]domain.CatalogItem, len(catalog))
	for _, it := range catalog {
		byID[it.ID] = it
	}
	items := make([]domain.CatalogItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		it, ok := byID[id]
		if !ok {
			return 0, apperr.Validation("item %s is not in the catalog of report %s", id, sc.Phase.ReportID)
		}
		items = append(items, it)
	}
	n, err := e.seedTx(ctx, tx, sc, recordsFromCatalog(items, versionID, e.stamp()), actorID)
	if err != nil {
		return 0, err
	}
	if err := commit(tx); err != nil {
		return 0, err
	}
	return n, nil
}

// seedTx inserts prepared records and refreshes the version counters.
func (e Engine) seedTx(ctx context.Context, tx *sql.Tx, sc versionScope, recs []domain.DecisionRecord, actorID string) (int, error) {
	created := 0
	for _, rec := range recs {
		ok, err := e.Repo.InsertRecord(ctx, tx, rec)
		if err != nil {
			return 0, fmt.Errorf("insert record for %s: %w", rec.ItemID, err)
		}
		if ok {
			created++
		}
	}
	if _, err := e.Repo.RefreshCounters(ctx, tx, sc.Version.ID, e.stamp()); err != nil {
		return 0, err
	}
	if err := e.events().Append(ctx, tx, events.RecordsSeeded, sc.Phase.ReportID, "version", sc.Version.ID, actorID,
		events.EventPayload{"created": created, "requested": len(recs)}); err != nil {
		return 0, err
	}
	return created, nil
}

// ApplyAutomatedSuggestion stores a provider suggestion on one record.
func (e Engine) ApplyAutomatedSuggestion(ctx context.Context, versionID, itemID string, s domain.Suggestion, actorID string) (domain.DecisionRecord, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.ApplySuggestionTx(ctx, tx, versionID, itemID, s, actorID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := commit(tx); err != nil {
		return domain.DecisionRecord{}, err
	}
	return rec, nil
}

// ApplySuggestionTx is ApplyAutomatedSuggestion inside a caller-owned
// transaction, so the batch engine can commit it with its checkpoint.
func (e Engine) ApplySuggestionTx(ctx context.Context, tx *sql.Tx, versionID, itemID string, s domain.Suggestion, actorID string) (domain.DecisionRecord, error) {
	if !validSuggestionAction(s.Action) {
		return domain.DecisionRecord{}, apperr.Validation("invalid suggested action %q", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return domain.DecisionRecord{}, apperr.Validation("confidence %v outside [0,1]", s.Confidence)
	}
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := requireStatus(sc.Version, domain.VersionDraft, "apply suggestion"); err != nil {
		return domain.DecisionRecord{}, err
	}
	rec, err := e.Repo.GetRecord(ctx, tx, versionID, itemID)
	if err != nil {
		return domain.DecisionRecord{}, storeErr(err, "no record for item %s in version %s", itemID, versionID)
	}
	now := e.stamp()
	if s.GeneratedAt == "" {
		s.GeneratedAt = now
	}
	rec.Suggestion = &s
	rec.UpdatedAt = now
	applyOverride(&rec)
	if err := e.Repo.UpdateSuggestion(ctx, tx, rec); err != nil {
		return domain.DecisionRecord{}, err
	}
	if _, err := e.Repo.RefreshCounters(ctx, tx, versionID, now); err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := e.events().Append(ctx, tx, events.RecordSuggested, sc.Phase.ReportID, "decision_record", rec.ID, actorID, events.EventPayload{
		"version_id": versionID, "item_id": itemID, "action": s.Action, "confidence": s.Confidence, "provider": s.Provider,
	}); err != nil {
		return domain.DecisionRecord{}, err
	}
	return rec, nil
}

// ApplyTesterDecision records the tester's decision on a draft version's record.
func (e Engine) ApplyTesterDecision(ctx context.Context, versionID, itemID string, in DecisionInput, actorID string) (domain.DecisionRecord, error) {
	return e.ApplyDecision(ctx, domain.DecisionTester, versionID, itemID, in, actorID)
}

// ApplyApproverDecision records the approver's decision on a pending version's record.
func (e Engine) ApplyApproverDecision(ctx context.Context, versionID, itemID string, in DecisionInput, actorID string) (domain.DecisionRecord, error) {
	return e.ApplyDecision(ctx, domain.DecisionApprover, versionID, itemID, in, actorID)
}

// ApplyDecision writes a human decision into the slot selected by kind.
func (e Engine) ApplyDecision(ctx context.Context, kind domain.DecisionKind, versionID, itemID string, in DecisionInput, actorID string) (domain.DecisionRecord, error) {
	if err := requireActor(actorID); err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := validateDecision(kind, in); err != nil {
		return domain.DecisionRecord{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := requireStatus(sc.Version, kindStatus(kind), "apply "+string(kind)+" decision"); err != nil {
		return domain.DecisionRecord{}, err
	}
	rec, err := e.Repo.GetRecord(ctx, tx, versionID, itemID)
	if err != nil {
		return domain.DecisionRecord{}, storeErr(err, "no record for item %s in version %s", itemID, versionID)
	}
	rec, err = e.writeDecision(ctx, tx, sc, rec, kind, in, actorID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if _, err := e.Repo.RefreshCounters(ctx, tx, versionID, e.stamp()); err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := commit(tx); err != nil {
		return domain.DecisionRecord{}, err
	}
	return rec, nil
}

func validateDecision(kind domain.DecisionKind, in DecisionInput) error {
	switch kind {
	case domain.DecisionTester:
		if !validSuggestionAction(in.Action) {
			return apperr.Validation("invalid tester action %q", in.Action)
		}
	case domain.DecisionApprover:
		if !validApproverAction(in.Action) {
			return apperr.Validation("invalid approver action %q", in.Action)
		}
	default:
		return apperr.Validation("unknown decision kind %q", kind)
	}
	return nil
}

func kindStatus(kind domain.DecisionKind) domain.VersionStatus {
	if kind == domain.DecisionApprover {
		return domain.VersionPendingApproval
	}
	return domain.VersionDraft
}

func (e Engine) writeDecision(ctx context.Context, tx *sql.Tx, sc versionScope, rec domain.DecisionRecord, kind domain.DecisionKind, in DecisionInput, actorID string) (domain.DecisionRecord, error) {
	now := e.stamp()
	rec.UpdatedAt = now
	evtType := events.RecordTesterSet
	switch kind {
	case domain.DecisionTester:
		rec.Tester = &domain.TesterDecision{Action: in.Action, Rationale: in.Comment, DecidedBy: actorID, DecidedAt: now}
		applyOverride(&rec)
		if err := e.Repo.UpdateTester(ctx, tx, rec); err != nil {
			return rec, err
		}
	case domain.DecisionApprover:
		evtType = events.RecordApproverSet
		rec.Approver = &domain.ApproverDecision{Action: in.Action, Notes: in.Comment, DecidedBy: actorID, DecidedAt: now}
		if err := e.Repo.UpdateApprover(ctx, tx, rec); err != nil {
			return rec, err
		}
	}
	if err := e.events().Append(ctx, tx, evtType, sc.Phase.ReportID, "decision_record", rec.ID, actorID, events.EventPayload{
		"version_id": rec.VersionID, "item_id": rec.ItemID, "action": in.Action, "override": rec.Override,
	}); err != nil {
		return rec, err
	}
	return rec, nil
}

// BulkApply writes the same decision to many records. Items without a record
// in the version are skipped and reported rather than failing the batch.
func (e Engine) BulkApply(ctx context.Context, kind domain.DecisionKind, versionID string, itemIDs []string, in DecisionInput, actorID string) (BulkResult, error) {
	if err := requireActor(actorID); err != nil {
		return BulkResult{}, err
	}
	if err := validateDecision(kind, in); err != nil {
		return BulkResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return BulkResult{}, err
	}
	if err := requireStatus(sc.Version, kindStatus(kind), "bulk apply "+string(kind)+" decision"); err != nil {
		return BulkResult{}, err
	}
	res := BulkResult{Skipped: []SkipReason{}}
	seen := make(map[string]bool, len(itemIDs))
	for _, itemID := range itemIDs {
		if seen[itemID] {
			res.Skipped = append(res.Skipped, SkipReason{ItemID: itemID, Reason: "duplicate"})
			continue
		}
		seen[itemID] = true
		rec, err := e.Repo.GetRecord(ctx, tx, versionID, itemID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				res.Skipped = append(res.Skipped, SkipReason{ItemID: itemID, Reason: "not_found"})
				continue
			}
			return BulkResult{}, err
		}
		if _, err := e.writeDecision(ctx, tx, sc, rec, kind, in, actorID); err != nil {
			return BulkResult{}, err
		}
		res.Updated++
	}
	if _, err := e.Repo.RefreshCounters(ctx, tx, versionID, e.stamp()); err != nil {
		return BulkResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.RecordsBulkApplied, sc.Phase.ReportID, "version", versionID, actorID, events.EventPayload{
		"kind": string(kind), "action": in.Action, "updated": res.Updated, "skipped": len(res.Skipped),
	}); err != nil {
		return BulkResult{}, err
	}
	if err := commit(tx); err != nil {
		return BulkResult{}, err
	}
	return res, nil
}

// DecisionCompleteness counts records and tester-decided records live.
func (e Engine) DecisionCompleteness(ctx context.Context, versionID string) (Completeness, error) {
	if _, err := e.Repo.GetVersion(ctx, e.DB, versionID); err != nil {
		return Completeness{}, storeErr(err, "version %s not found", versionID)
	}
	c, err := e.Repo.ComputeCounters(ctx, e.DB, versionID)
	if err != nil {
		return Completeness{}, err
	}
	return Completeness{Total: c.Total, Decided: c.Decided}, nil
}

// VerifyCounters recomputes a version's aggregates and compares them with the cached ones.
func (e Engine) VerifyCounters(ctx context.Context, versionID string) (CounterCheck, error) {
	v, err := e.Repo.GetVersion(ctx, e.DB, versionID)
	if err != nil {
		return CounterCheck{}, storeErr(err, "version %s not found", versionID)
	}
	live, err := e.Repo.ComputeCounters(ctx, e.DB, versionID)
	if err != nil {
		return CounterCheck{}, err
	}
	return CounterCheck{VersionID: versionID, Stored: v.Counters, Live: live, Consistent: v.Counters == live}, nil
}

// ListRecords returns a version's records in catalog order.
func (e Engine) ListRecords(ctx context.Context, versionID string, undecidedOnly bool) ([]domain.DecisionRecord, error) {
	if _, err := e.Repo.GetVersion(ctx, e.DB, versionID); err != nil {
		return nil, storeErr(err, "version %s not found", versionID)
	}
	return e.Repo.ListRecords(ctx, e.DB, repo.RecordFilters{VersionID: versionID, Undecided: undecidedOnly})
}

func (e Engine) GetRecord(ctx context.Context, versionID, itemID string) (domain.DecisionRecord, error) {
	rec, err := e.Repo.GetRecord(ctx, e.DB, versionID, itemID)
	if err != nil {
		return rec, storeErr(err, "no record for item %s in version %s", itemID, versionID)
	}
	return rec, nil
}
