// Package status tracks per-study processing state and its persistence.
package status

import (
	"fmt"
	"time"
)

// StudyState represents the processing state of a study dataset
type StudyState string

const (
	// StateDiscovered means the study's datasets have been discovered but
	// no directory structure exists yet
	StateDiscovered StudyState = "discovered"

	// StateOrganized means the study directory and submodule links exist
	StateOrganized StudyState = "organized"

	// StateMetadataGenerated means summary metadata has been extracted
	StateMetadataGenerated StudyState = "metadata_generated"

	// StateValidated means the study passed external validation
	StateValidated StudyState = "validated"
)

// InvalidTransitionError reports an attempted non-adjacent state transition
type InvalidTransitionError struct {
	From StudyState
	To   StudyState
}

// Error returns the error message
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// validTransitions maps each state to the states reachable from it. Only
// forward moves to the adjacent state are legal.
var validTransitions = map[StudyState][]StudyState{
	StateDiscovered:        {StateOrganized},
	StateOrganized:         {StateMetadataGenerated},
	StateMetadataGenerated: {StateValidated},
}

// Transition validates a state change, returning an InvalidTransitionError
// naming both states when the move is not legal.
func Transition(from, to StudyState) (StudyState, error) {
	for _, next := range validTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, &InvalidTransitionError{From: from, To: to}
}

// StudyStatus is the persisted processing record for one study
type StudyStatus struct {
	// StudyID is the study identifier (e.g. "study-ds000001")
	StudyID string `json:"study_id"`

	// State is the current processing state
	State StudyState `json:"state"`

	// URL is the published repository URL, once known
	URL string `json:"url,omitempty"`

	// UpdatedAt is the timestamp of the last state change
	UpdatedAt time.Time `json:"updated_at"`

	// Message provides additional detail about the last transition
	Message string `json:"message,omitempty"`
}
