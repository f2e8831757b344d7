// Package unorganized tracks discovered datasets that could not be placed
// into a study structure, deduplicated by dataset id.
package unorganized

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	// FileName is the tracking file name within the state directory
	FileName = "unorganized-datasets.json"
)

// Reason is the closed enumeration of why a dataset could not be organized
type Reason string

const (
	// ReasonRawDatasetNotFound means the raw dataset a derivative depends
	// on was not discovered
	ReasonRawDatasetNotFound Reason = "raw_dataset_not_found"

	// ReasonInvalidSourceReference means a declared source reference could
	// not be parsed or resolved
	ReasonInvalidSourceReference Reason = "invalid_source_reference"

	// ReasonMultiSourceIncomplete means one or more sources of a
	// multi-source derivative were missing from the discovered set
	ReasonMultiSourceIncomplete Reason = "multi_source_incomplete"

	// ReasonOrganizationError means the organize operation itself failed
	ReasonOrganizationError Reason = "organization_error"

	// ReasonUnknown covers everything else
	ReasonUnknown Reason = "unknown"
)

// Record is one dataset that failed placement
type Record struct {
	// DatasetID is the original dataset id. Unlike organized entries it is
	// an arbitrary string, not constrained to the ds<digits> pattern.
	DatasetID string `json:"dataset_id"`

	// DerivativeID is the derivative identifier, if applicable
	DerivativeID string `json:"derivative_id,omitempty"`

	// ToolName is the processing tool name, if derivative
	ToolName string `json:"tool_name,omitempty"`

	// Version is the tool version, if derivative
	Version string `json:"version,omitempty"`

	// URL is the repository URL
	URL string `json:"url"`

	// CommitSHA is the git commit SHA
	CommitSHA string `json:"commit_sha"`

	// DataladUUID is the dataset UUID, if available
	DataladUUID string `json:"datalad_uuid,omitempty"`

	// SourceDatasets lists the source dataset ids this dataset depends on
	SourceDatasets []string `json:"source_datasets,omitempty"`

	// Reason is why this dataset could not be organized
	Reason Reason `json:"reason"`

	// DiscoveredAt is an ISO 8601 timestamp of when the dataset was discovered
	DiscoveredAt string `json:"discovered_at"`

	// Notes carries additional context or error details
	Notes string `json:"notes,omitempty"`
}

// document is the on-disk shape: a top-level array plus a count field
type document struct {
	Unorganized []*Record `json:"unorganized"`
	Count       int       `json:"count"`
}

// Tracker persists unorganized-dataset records under a state directory.
// Construct one per state directory; tests instantiate independent trackers.
type Tracker struct {
	filePath string
}

// NewTracker creates a tracker persisting to stateDir/unorganized-datasets.json
func NewTracker(stateDir string) *Tracker {
	return &Tracker{filePath: filepath.Join(stateDir, FileName)}
}

// Load reads all tracked records. Returns an empty slice if the file does
// not exist.
func (t *Tracker) Load() ([]*Record, error) {
	data, err := os.ReadFile(t.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read unorganized datasets file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unorganized datasets: %w", err)
	}
	return doc.Unorganized, nil
}

// Save writes the records sorted by (dataset id, url) so output is
// deterministic across runs, via a temporary file and atomic rename.
func (t *Tracker) Save(records []*Record) error {
	dir := filepath.Dir(t.filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	sorted := make([]*Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DatasetID != sorted[j].DatasetID {
			return sorted[i].DatasetID < sorted[j].DatasetID
		}
		return sorted[i].URL < sorted[j].URL
	})

	doc := document{Unorganized: sorted, Count: len(sorted)}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal unorganized datasets: %w", err)
	}

	tempPath := t.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, t.filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename unorganized datasets file: %w", err)
	}
	return nil
}

// Add records a dataset, deduplicated by dataset id. Re-adding an already
// tracked id is a no-op: the first-written record wins.
func (t *Tracker) Add(record *Record) error {
	existing, err := t.Load()
	if err != nil {
		return err
	}

	for _, r := range existing {
		if r.DatasetID == record.DatasetID {
			return nil
		}
	}

	return t.Save(append(existing, record))
}

// Summary returns counts of tracked records grouped by reason
func (t *Tracker) Summary() (map[Reason]int, error) {
	records, err := t.Load()
	if err != nil {
		return nil, err
	}

	summary := make(map[Reason]int)
	for _, r := range records {
		summary[r.Reason]++
	}
	return summary, nil
}
