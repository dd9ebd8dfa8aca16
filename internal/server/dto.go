package server

import (
	"encoding/json"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Request payloads

type CreateReportRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type AddCatalogRequest struct {
	Items []engine.CatalogItemInput `json:"items"`
}

type CreateVersionRequest struct {
	ParentVersionID string `json:"parent_version_id,omitempty"`
}

type SeedRecordsRequest struct {
	ItemIDs []string `json:"item_ids"`
}

type DecisionRequest struct {
	Action  string `json:"action" enum:"accept,decline,approve,reject,revise"`
	Comment string `json:"comment,omitempty"`
}

type BulkDecisionRequest struct {
	ItemIDs []string `json:"item_ids"`
	Action  string   `json:"action" enum:"accept,decline,approve,reject,revise"`
	Comment string   `json:"comment,omitempty"`
}

type ApproveRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// ItemsRequest lists descriptors to generate suggestions for. An empty list
// means every record of the version.
type ItemsRequest struct {
	Items []domain.ItemDescriptor `json:"items,omitempty"`
}

// items tolerates a request sent without a body.
func (r *ItemsRequest) items() []domain.ItemDescriptor {
	if r == nil {
		return nil
	}
	return r.Items
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type CountResponse struct {
	Count int `json:"count"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ReportID   string         `json:"report_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// CurrentVersionResponse wraps the optional approved version.
type CurrentVersionResponse struct {
	Version *domain.Version `json:"version"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ReportID:   e.ReportID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
