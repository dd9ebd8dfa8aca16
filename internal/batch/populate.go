package batch

import (
	"context"

	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/provider"
)

// PopulateResult is either an inline outcome or the job that took over.
type PopulateResult struct {
	Inline    bool             `json:"inline"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Job       *domain.BatchJob `json:"job,omitempty"`
}

// Populate fills suggestions for items. Lists no longer than the sync
// threshold are handled inline; longer ones become a background job.
func (e *Engine) Populate(ctx context.Context, versionID string, items []domain.ItemDescriptor, actorID string) (PopulateResult, error) {
	if len(items) > e.syncThreshold {
		job, err := e.Submit(ctx, versionID, items, actorID)
		if err != nil {
			return PopulateResult{}, err
		}
		return PopulateResult{Job: &job}, nil
	}
	if actorID == "" {
		return PopulateResult{}, apperr.Validation("actor id is required")
	}
	sc, err := e.loadScope(ctx, e.db(), versionID)
	if err != nil {
		return PopulateResult{}, err
	}
	if sc.version.Status != domain.VersionDraft {
		return PopulateResult{}, apperr.InvalidState("cannot populate: version %s is %s, not draft", versionID, sc.version.Status).
			With("status", string(sc.version.Status))
	}
	bc := provider.BatchContext{ReportID: sc.phase.ReportID, Phase: sc.phase.Phase, VersionID: versionID}
	log := e.log().With(zap.String("version_id", versionID))
	out := PopulateResult{Inline: true}
	for _, item := range items {
		res, ok := e.generate(ctx, log, bc, item)
		if !ok {
			out.Failed++
			e.Metrics.BatchItem("failed")
			continue
		}
		_, err := e.Core.ApplyAutomatedSuggestion(ctx, versionID, item.ItemID, res.Suggestion(e.Provider.Name(), e.stamp()), actorID)
		switch {
		case err == nil:
			out.Succeeded++
			e.Metrics.BatchItem("succeeded")
		case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindValidation):
			log.Warn("suggestion rejected", zap.String("item_id", item.ItemID), zap.Error(err))
			out.Failed++
			e.Metrics.BatchItem("failed")
		default:
			return out, err
		}
	}
	log.Info("populated inline", zap.Int("succeeded", out.Succeeded), zap.Int("failed", out.Failed))
	return out, nil
}

// DescribeRecords builds descriptors for every record of a version from the
// report catalog, for callers that populate a whole version.
func (e *Engine) DescribeRecords(ctx context.Context, versionID string) ([]domain.ItemDescriptor, error) {
	sc, err := e.loadScope(ctx, e.db(), versionID)
	if err != nil {
		return nil, err
	}
	recs, err := e.Core.ListRecords(ctx, versionID, false)
	if err != nil {
		return nil, err
	}
	catalog, err := e.repo().ListCatalogItems(ctx, e.db(), sc.phase.ReportID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.CatalogItem, len(catalog))
	for _, it := range catalog {
		byID[it.ID] = it
	}
	out := make([]domain.ItemDescriptor, 0, len(recs))
	for _, r := range recs {
		it := byID[r.ItemID]
		out = append(out, domain.ItemDescriptor{
			ItemID:        r.ItemID,
			Name:          it.Name,
			Description:   it.Description,
			IsCritical:    r.IsCritical,
			HasKnownIssue: r.HasKnownIssue,
		})
	}
	return out, nil
}
