package api

import (
	"encoding/json"
	"time"

	"cac-client/internal/cac"
	"cac-client/internal/condition"
	"cac-client/internal/store"
)

// ConfigResponse is the cached document together with its freshness.
type ConfigResponse struct {
	Tenant       string    `json:"tenant"`
	Version      string    `json:"version"`
	LastModified time.Time `json:"last_modified"`
	Dimensions   []string  `json:"dimensions"`
	cac.Document
}

// ContextDTO is a context with its condition broken into per-dimension parts.
type ContextDTO struct {
	ID               string               `json:"id"`
	Priority         int                  `json:"priority"`
	OverrideWithKeys []string             `json:"override_with_keys"`
	Condition        any                  `json:"condition"`
	Conditions       condition.Conditions `json:"conditions,omitempty"`
	ParseError       string               `json:"parse_error,omitempty"`
}

// RefreshResponse reports the outcome of a forced refresh.
type RefreshResponse struct {
	Tenant       string    `json:"tenant"`
	Changed      bool      `json:"changed"`
	Version      string    `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// SnapshotDTO is the API representation of a persisted document.
type SnapshotDTO struct {
	ID           uint            `json:"id"`
	Tenant       string          `json:"tenant"`
	Version      string          `json:"version"`
	LastModified time.Time       `json:"last_modified"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Document     json.RawMessage `json:"document,omitempty"`
}

// ApplicableResponse lists the experiment variants a query lands in.
type ApplicableResponse struct {
	Tenant     string   `json:"tenant"`
	VariantIDs []string `json:"variantIds"`
}

func toContextDTO(ctx cac.Context) ContextDTO {
	dto := ContextDTO{
		ID:               ctx.ID,
		Priority:         ctx.Priority,
		OverrideWithKeys: ctx.OverrideWithKeys,
		Condition:        ctx.Condition,
	}
	parsed, err := condition.Parse(ctx.Condition)
	if err != nil {
		dto.ParseError = err.Error()
	} else {
		dto.Conditions = parsed
	}
	return dto
}

func toSnapshotDTO(s store.Snapshot, withDocument bool) SnapshotDTO {
	dto := SnapshotDTO{
		ID:           s.ID,
		Tenant:       s.Tenant,
		Version:      s.Version,
		LastModified: s.LastModified,
		FetchedAt:    s.FetchedAt,
	}
	if withDocument && json.Valid([]byte(s.Payload)) {
		dto.Document = json.RawMessage(s.Payload)
	}
	return dto
}

func toSnapshotDTOs(items []store.Snapshot, withDocument bool) []SnapshotDTO {
	out := make([]SnapshotDTO, 0, len(items))
	for _, item := range items {
		out = append(out, toSnapshotDTO(item, withDocument))
	}
	return out
}
