package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FilterSpecVersion is the current filter schema written to filters_json.
const FilterSpecVersion = 1

// FilterSpec selects failure rows for a FILTERS replay job. It mirrors the
// dashboard's failure table filters and is stored alongside the job so the
// selection can be re-evaluated against the job's snapshot.
type FilterSpec struct {
	Version        int        `json:"version"`
	Search         string     `json:"search,omitempty"`
	TraceID        string     `json:"traceId,omitempty"`
	MessageKey     string     `json:"messageKey,omitempty"`
	AccountNumber  string     `json:"accountNumber,omitempty"`
	ExceptionTypes []string   `json:"exceptionTypes,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
}

// Normalize fills the version and trims free-text fields.
func (f FilterSpec) Normalize() FilterSpec {
	if f.Version == 0 {
		f.Version = FilterSpecVersion
	}
	f.Search = strings.TrimSpace(f.Search)
	f.TraceID = strings.TrimSpace(f.TraceID)
	f.MessageKey = strings.TrimSpace(f.MessageKey)
	f.AccountNumber = strings.TrimSpace(f.AccountNumber)
	types := f.ExceptionTypes[:0:0]
	for _, t := range f.ExceptionTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	f.ExceptionTypes = types
	return f
}

// Validate rejects unknown versions and inverted time windows.
func (f FilterSpec) Validate() error {
	if f.Version != FilterSpecVersion {
		return fmt.Errorf("unsupported filter version %d", f.Version)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return errors.New("filter window ends before it starts")
	}
	return nil
}

// ParseFilterSpec decodes a stored filters_json blob.
func ParseFilterSpec(raw []byte) (*FilterSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f FilterSpec
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
