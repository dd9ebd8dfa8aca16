// Package provider defines the recommendation provider contract and its
// implementations.
package provider

import (
	"context"
	"fmt"
	"os"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// BatchContext tells the provider where the items come from.
type BatchContext struct {
	ReportID  string `json:"report_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	VersionID string `json:"version_id"`
	JobID     string `json:"job_id,omitempty"`
}

// Result is the provider's suggestion for one item.
type Result struct {
	ItemID          string            `json:"item_id"`
	SuggestedAction string            `json:"suggested_action"`
	Confidence      float64           `json:"confidence"`
	Rationale       string            `json:"rationale,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RawRequest      string            `json:"-"`
	RawResponse     string            `json:"-"`
}

// Provider generates suggestions. It may return fewer results than items; the
// caller treats missing items as failures. It never retries.
type Provider interface {
	Name() string
	Generate(ctx context.Context, bc BatchContext, items []domain.ItemDescriptor) ([]Result, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, bc BatchContext, items []domain.ItemDescriptor) ([]Result, error)

func (f Func) Name() string { return "func" }

func (f Func) Generate(ctx context.Context, bc BatchContext, items []domain.ItemDescriptor) ([]Result, error) {
	return f(ctx, bc, items)
}

// Suggestion converts a result into the stored suggestion.
func (r Result) Suggestion(providerName, generatedAt string) domain.Suggestion {
	return domain.Suggestion{
		Action:      r.SuggestedAction,
		Confidence:  r.Confidence,
		Rationale:   r.Rationale,
		Metadata:    r.Metadata,
		Provider:    providerName,
		GeneratedAt: generatedAt,
		RawRequest:  r.RawRequest,
		RawResponse: r.RawResponse,
	}
}

// FromConfig builds the provider selected by config.provider.kind.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.Provider.Kind {
	case "static":
		action := cfg.Provider.StaticAction
		if action == "" {
			action = domain.ActionAccept
		}
		return Static{Action: action, Confidence: 1}, nil
	case "http":
		p := &HTTPProvider{
			URL:     cfg.Provider.URL,
			Model:   cfg.Provider.Model,
			Timeout: cfg.ProviderTimeout(),
		}
		if cfg.Provider.APIKeyEnv != "" {
			p.APIKey = os.Getenv(cfg.Provider.APIKeyEnv)
			if p.APIKey == "" {
				return nil, fmt.Errorf("%s environment variable not set", cfg.Provider.APIKeyEnv)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

// truncate limits a string to maxLen runes, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
