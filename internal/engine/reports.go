package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// CreateReport registers a report under test.
func (e Engine) CreateReport(ctx context.Context, id, name, actorID string) (domain.Report, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Report{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Report{}, apperr.Validation("report name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	rep := domain.Report{ID: id, Name: name, CreatedBy: actorID, CreatedAt: e.stamp()}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.Report{}, storeErr(err, "report %s already exists", id)
	}
	if err := e.events().Append(ctx, tx, events.ReportCreated, rep.ID, "report", rep.ID, actorID, events.EventPayload{"name": rep.Name}); err != nil {
		return domain.Report{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

func (e Engine) GetReport(ctx context.Context, id string) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, e.DB, id)
	if err != nil {
		return rep, storeErr(err, "report %s not found", id)
	}
	return rep, nil
}

func (e Engine) ListReports(ctx context.Context) ([]domain.Report, error) {
	return e.Repo.ListReports(ctx, e.DB)
}

// CatalogItemInput describes one governed item of a report.
type CatalogItemInput struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	IsCritical    bool   `json:"is_critical,omitempty"`
	HasKnownIssue bool   `json:"has_known_issue,omitempty"`
}

// AddCatalogItems appends items to the report catalog in the given order.
// Items whose id is already catalogued are skipped; the number added is returned.
func (e Engine) AddCatalogItems(ctx context.Context, reportID string, items []CatalogItemInput, actorID string) (int, error) {
	if err := requireActor(actorID); err != nil {
		return 0, err
	}
	for i, it := range items {
		if it.ID == "" {
			return 0, apperr.Validation("catalog item %d has no id", i)
		}
		if it.Name == "" {
			return 0, apperr.Validation("catalog item %s has no name", it.ID)
		}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetReport(ctx, tx, reportID); err != nil {
		return 0, storeErr(err, "report %s not found", reportID)
	}
	pos, err := e.Repo.NextCatalogPosition(ctx, tx, reportID)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, it := range items {
		ok, err := e.Repo.InsertCatalogItem(ctx, tx, domain.CatalogItem{
			ID:            it.ID,
			ReportID:      reportID,
			Position:      pos,
			Name:          it.Name,
			Description:   it.Description,
			IsCritical:    it.IsCritical,
			HasKnownIssue: it.HasKnownIssue,
		})
		if err != nil {
			return 0, err
		}
		if ok {
			added++
			pos++
		}
	}
	if err := e.events().Append(ctx, tx, events.CatalogItemsAdded, reportID, "report", reportID, actorID, events.EventPayload{"added": added, "requested": len(items)}); err != nil {
		return 0, err
	}
	if err := commit(tx); err != nil {
		return 0, err
	}
	return added, nil
}

func (e Engine) ListCatalog(ctx context.Context, reportID string) ([]domain.CatalogItem, error) {
	if _, err := e.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListCatalogItems(ctx, e.DB, reportID)
}
