package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// CarryMode selects how a child version inherits its parent's records.
type CarryMode int

const (
	// CarryAll copies every parent record's suggestion and clears both human decisions.
	CarryAll CarryMode = iota
	// CarryFlagged copies only the records the approver flagged for rework,
	// with their suggestions and both decisions cleared.
	CarryFlagged
)

func (m CarryMode) String() string {
	switch m {
	case CarryAll:
		return "all"
	case CarryFlagged:
		return "flagged"
	default:
		return fmt.Sprintf("CarryMode(%d)", int(m))
	}
}

func recordsFromCatalog(items []domain.CatalogItem, versionID, now string) []domain.DecisionRecord {
	out := make([]domain.DecisionRecord, 0, len(items))
	for _, it := range items {
		out = append(out, domain.DecisionRecord{
			ID:            uuid.NewString(),
			VersionID:     versionID,
			ItemID:        it.ID,
			Position:      it.Position,
			IsCritical:    it.IsCritical,
			HasKnownIssue: it.HasKnownIssue,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return out
}

// carryForward derives a child version's records from its parent's. The
// critical and known-issue flags travel with the record, never re-read from
// the catalog.
func carryForward(parent []domain.DecisionRecord, mode CarryMode, versionID, now string) []domain.DecisionRecord {
	out := make([]domain.DecisionRecord, 0, len(parent))
	for _, p := range parent {
		if mode == CarryFlagged && !p.Approver.NeedsRework() {
			continue
		}
		rec := domain.DecisionRecord{
			ID:            uuid.NewString(),
			VersionID:     versionID,
			ItemID:        p.ItemID,
			Position:      p.Position,
			IsCritical:    p.IsCritical,
			HasKnownIssue: p.HasKnownIssue,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if p.Suggestion != nil {
			s := *p.Suggestion
			if p.Suggestion.Metadata != nil {
				s.Metadata = make(map[string]string, len(p.Suggestion.Metadata))
				for k, v := range p.Suggestion.Metadata {
					s.Metadata[k] = v
				}
			}
			rec.Suggestion = &s
		}
		applyOverride(&rec)
		out = append(out, rec)
	}
	return out
}

// phaseSeed returns the catalog items a fresh version of the phase starts
// with: the whole catalog for root phases, otherwise the union of items the
// tester accepted in each prerequisite's approved version, in catalog order.
func (e Engine) phaseSeed(ctx context.Context, q repo.Querier, g phaseGraph, pi domain.PhaseInstance) ([]domain.CatalogItem, error) {
	catalog, err := e.Repo.ListCatalogItems(ctx, q, pi.ReportID)
	if err != nil {
		return nil, err
	}
	reqs := g.requires[pi.Phase]
	if len(reqs) == 0 {
		return catalog, nil
	}
	accepted := make(map[string]bool)
	for _, req := range reqs {
		prereq, err := e.Repo.GetPhaseByName(ctx, q, pi.ReportID, req)
		if err != nil {
			return nil, storeErr(err, "prerequisite phase %s not started", req)
		}
		approved, err := e.Repo.ApprovedVersion(ctx, q, prereq.ID)
		if err != nil {
			return nil, storeErr(err, "prerequisite phase %s has no approved version", req)
		}
		recs, err := e.Repo.ListRecords(ctx, q, repo.RecordFilters{VersionID: approved.ID})
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.Tester != nil && r.Tester.Action == domain.ActionAccept {
				accepted[r.ItemID] = true
			}
		}
	}
	out := make([]domain.CatalogItem, 0, len(accepted))
	for _, it := range catalog {
		if accepted[it.ID] {
			out = append(out, it)
		}
	}
	return out, nil
}

// initialRecords builds the record set for a new version: carried from parent
// when given, otherwise seeded from the phase's sources.
func (e Engine) initialRecords(ctx context.Context, tx *sql.Tx, pi domain.PhaseInstance, parent *domain.Version, mode CarryMode, versionID string) ([]domain.DecisionRecord, error) {
	now := e.stamp()
	if parent != nil {
		recs, err := e.Repo.ListRecords(ctx, tx, repo.RecordFilters{VersionID: parent.ID})
		if err != nil {
			return nil, err
		}
		return carryForward(recs, mode, versionID, now), nil
	}
	g, err := newPhaseGraph(e.Config)
	if err != nil {
		return nil, err
	}
	items, err := e.phaseSeed(ctx, tx, g, pi)
	if err != nil {
		return nil, err
	}
	return recordsFromCatalog(items, versionID, now), nil
}
