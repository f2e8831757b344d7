package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
)

// FileName is the persisted discovery file within the state directory
const FileName = "discovered-datasets.json"

// Store persists discovery results. Earlier runs' datasets stay available to
// the organizer through the merged file, so multi-source derivatives can
// resolve sources discovered at any point.
type Store struct {
	filePath string
}

// NewStore creates a store persisting to stateDir/discovered-datasets.json
func NewStore(stateDir string) *Store {
	return &Store{filePath: filepath.Join(stateDir, FileName)}
}

// Load reads the persisted discovery results. Returns an empty set if the
// file does not exist.
func (s *Store) Load() (*Discovered, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Discovered{}, nil
		}
		return nil, fmt.Errorf("failed to read discovered datasets file: %w", err)
	}

	var d Discovered
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal discovered datasets: %w", err)
	}
	return &d, nil
}

// Save merges the new results into the persisted file, deduplicating by
// (dataset id, url) with the existing record winning, then writes the sorted
// document atomically. With overwrite the existing file is replaced instead.
func (s *Store) Save(discovered *Discovered, overwrite bool) error {
	merged := discovered
	if !overwrite {
		existing, err := s.Load()
		if err != nil {
			return err
		}
		merged = merge(existing, discovered)
	}
	sortDiscovered(merged)

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal discovered datasets: %w", err)
	}

	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename discovered datasets file: %w", err)
	}
	return nil
}

// merge appends datasets not already present, keyed by (dataset id, url)
func merge(existing, incoming *Discovered) *Discovered {
	out := &Discovered{
		Raw:        append([]*datasets.Raw{}, existing.Raw...),
		Derivative: append([]*datasets.Derivative{}, existing.Derivative...),
	}

	rawKeys := make(map[[2]string]struct{}, len(existing.Raw))
	for _, r := range existing.Raw {
		rawKeys[[2]string{r.DatasetID, r.URL}] = struct{}{}
	}
	for _, r := range incoming.Raw {
		if _, ok := rawKeys[[2]string{r.DatasetID, r.URL}]; !ok {
			out.Raw = append(out.Raw, r)
		}
	}

	derivKeys := make(map[[2]string]struct{}, len(existing.Derivative))
	for _, d := range existing.Derivative {
		derivKeys[[2]string{d.DatasetID, d.URL}] = struct{}{}
	}
	for _, d := range incoming.Derivative {
		if _, ok := derivKeys[[2]string{d.DatasetID, d.URL}]; !ok {
			out.Derivative = append(out.Derivative, d)
		}
	}
	return out
}
