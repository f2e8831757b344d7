package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// StatusFileName is the name of the study status file within the state directory
	StatusFileName = "study-status.json"
)

// statusDocument is the on-disk shape: a sorted array plus a count field,
// kept deterministic so runs produce diffable output.
type statusDocument struct {
	Studies []*StudyStatus `json:"studies"`
	Count   int            `json:"count"`
}

// Tracker persists study processing states under a state directory
type Tracker struct {
	filePath string
}

// NewTracker creates a tracker persisting to stateDir/study-status.json
func NewTracker(stateDir string) *Tracker {
	return &Tracker{filePath: filepath.Join(stateDir, StatusFileName)}
}

// Load reads all study statuses. Returns an empty slice if the file does not
// exist (first run).
func (t *Tracker) Load() ([]*StudyStatus, error) {
	data, err := os.ReadFile(t.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*StudyStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var doc statusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data: %w", err)
	}
	return doc.Studies, nil
}

// Save writes all study statuses, sorted by study id, via a temporary file
// and atomic rename.
func (t *Tracker) Save(studies []*StudyStatus) error {
	dir := filepath.Dir(t.filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	sorted := make([]*StudyStatus, len(studies))
	copy(sorted, studies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StudyID < sorted[j].StudyID
	})

	doc := statusDocument{Studies: sorted, Count: len(sorted)}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data: %w", err)
	}

	tempPath := t.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file: %w", err)
	}
	if err := os.Rename(tempPath, t.filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}
	return nil
}

// Advance transitions the named study to the given state, creating the record
// when the study is new and the target state is the initial one.
func (t *Tracker) Advance(studyID string, to StudyState, message string) error {
	studies, err := t.Load()
	if err != nil {
		return err
	}

	var rec *StudyStatus
	for _, s := range studies {
		if s.StudyID == studyID {
			rec = s
			break
		}
	}

	if rec == nil {
		if to != StateDiscovered {
			return &InvalidTransitionError{From: "", To: to}
		}
		rec = &StudyStatus{StudyID: studyID, State: StateDiscovered}
		studies = append(studies, rec)
	} else {
		next, err := Transition(rec.State, to)
		if err != nil {
			return err
		}
		rec.State = next
	}

	rec.UpdatedAt = time.Now().UTC()
	rec.Message = message
	return t.Save(studies)
}
