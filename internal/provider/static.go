package provider

import (
	"context"

	"phaseline/internal/domain"
)

// Static suggests the same action for every item.
type Static struct {
	Action     string
	Confidence float64
}

func (s Static) Name() string { return "static" }

func (s Static) Generate(ctx context.Context, _ BatchContext, items []domain.ItemDescriptor) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(items))
	for _, it := range items {
		out = append(out, Result{
			ItemID:          it.ItemID,
			SuggestedAction: s.Action,
			Confidence:      s.Confidence,
			Rationale:       "static policy",
		})
	}
	return out, nil
}
