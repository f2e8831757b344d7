// Package datasets defines the dataset descriptor types produced by
// discovery and consumed by the organizer.
package datasets

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the closed set of descriptor shapes the organizer
// handles. The placement decision switches exhaustively over these.
type Kind int

const (
	// KindRaw is a raw/source BIDS dataset
	KindRaw Kind = iota

	// KindSingleSourceDerivative is a derivative declaring exactly one source
	KindSingleSourceDerivative

	// KindMultiSourceDerivative is a derivative declaring two or more sources
	KindMultiSourceDerivative
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindSingleSourceDerivative:
		return "single-source derivative"
	case KindMultiSourceDerivative:
		return "multi-source derivative"
	default:
		return "unknown"
	}
}

// Descriptor is one discovered dataset, either raw or derivative
type Descriptor interface {
	// ID returns the dataset identifier (e.g. "ds000001")
	ID() string

	// Kind returns the placement-relevant shape of this descriptor
	Kind() Kind
}

var (
	datasetIDPattern = regexp.MustCompile(`^ds\d+$`)
	commitSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// Raw describes a raw BIDS dataset from a source organization
type Raw struct {
	// DatasetID is the original dataset ID (e.g. "ds000001")
	DatasetID string `json:"dataset_id"`

	// URL is the git repository URL
	URL string `json:"url"`

	// CommitSHA is the specific commit to link (40 hex characters)
	CommitSHA string `json:"commit_sha"`

	// BIDSVersion is the BIDS specification version
	BIDSVersion string `json:"bids_version"`

	// License is the dataset license, if declared
	License string `json:"license,omitempty"`

	// Authors lists the dataset authors, if declared
	Authors []string `json:"authors,omitempty"`
}

// ID returns the dataset identifier
func (r *Raw) ID() string { return r.DatasetID }

// Kind returns KindRaw
func (*Raw) Kind() Kind { return KindRaw }

// Validate checks the descriptor for structural errors
func (r *Raw) Validate() error {
	if !datasetIDPattern.MatchString(r.DatasetID) {
		return fmt.Errorf("invalid dataset id %q: must match ds<digits>", r.DatasetID)
	}
	if err := ValidateCommitSHA(r.CommitSHA); err != nil {
		return fmt.Errorf("dataset %s: %w", r.DatasetID, err)
	}
	if r.URL == "" {
		return fmt.Errorf("dataset %s: URL is required", r.DatasetID)
	}
	return nil
}

// Derivative describes a processed dataset and the sources it was derived from
type Derivative struct {
	// DatasetID is the original dataset ID (e.g. "ds006185")
	DatasetID string `json:"dataset_id"`

	// DerivativeID is the unique tracking identifier (tool-version[-uuidprefix])
	DerivativeID string `json:"derivative_id"`

	// ToolName is the processing tool name (e.g. "fmriprep")
	ToolName string `json:"tool_name"`

	// Version is the tool version
	Version string `json:"version"`

	// DataladUUID is the dataset UUID from .datalad/config
	DataladUUID string `json:"datalad_uuid"`

	// URL is the git repository URL
	URL string `json:"url"`

	// CommitSHA is the specific commit to link (40 hex characters)
	CommitSHA string `json:"commit_sha"`

	// SourceDatasets lists the IDs of the sources this derivative was built
	// from (at least one)
	SourceDatasets []string `json:"source_datasets"`
}

// ID returns the dataset identifier
func (d *Derivative) ID() string { return d.DatasetID }

// Kind returns the single- or multi-source derivative kind depending on the
// number of declared sources
func (d *Derivative) Kind() Kind {
	if len(d.SourceDatasets) == 1 {
		return KindSingleSourceDerivative
	}
	return KindMultiSourceDerivative
}

// UUIDPrefix returns the first 8 characters of the datalad UUID, used for
// derivative id disambiguation
func (d *Derivative) UUIDPrefix() string {
	if len(d.DataladUUID) < 8 {
		return d.DataladUUID
	}
	return d.DataladUUID[:8]
}

// Validate checks the descriptor for structural errors
func (d *Derivative) Validate() error {
	if !datasetIDPattern.MatchString(d.DatasetID) {
		return fmt.Errorf("invalid dataset id %q: must match ds<digits>", d.DatasetID)
	}
	if err := ValidateCommitSHA(d.CommitSHA); err != nil {
		return fmt.Errorf("dataset %s: %w", d.DatasetID, err)
	}
	if len(d.SourceDatasets) == 0 {
		return fmt.Errorf("derivative %s must declare at least one source dataset", d.DatasetID)
	}
	if d.DataladUUID != "" && len(d.DataladUUID) != 36 {
		return fmt.Errorf("derivative %s: datalad uuid must be 36 characters", d.DatasetID)
	}
	return nil
}

// ValidDatasetID reports whether id is a well-formed dataset identifier
func ValidDatasetID(id string) bool {
	return datasetIDPattern.MatchString(id)
}

// ValidateCommitSHA checks that sha is a 40-character lowercase hex string
func ValidateCommitSHA(sha string) error {
	if !commitSHAPattern.MatchString(sha) {
		return fmt.Errorf("commit sha %q must be a 40-character hex string", sha)
	}
	return nil
}

// GenerateDerivativeID builds a unique derivative id. If tool-version already
// exists in existingIDs, the first 8 characters of the UUID are appended.
func GenerateDerivativeID(toolName, version, dataladUUID string, existingIDs []string) string {
	baseID := fmt.Sprintf("%s-%s", toolName, version)
	for _, id := range existingIDs {
		if id == baseID {
			prefix := dataladUUID
			if len(prefix) > 8 {
				prefix = prefix[:8]
			}
			return fmt.Sprintf("%s-%s", baseID, prefix)
		}
	}
	return baseID
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9._+-]+`)

// SanitizeName replaces runs of characters outside [A-Za-z0-9._+-] with a
// single "+", keeping derivative directory names shell- and BIDS-friendly.
func SanitizeName(name string) string {
	return invalidNameChars.ReplaceAllString(name, "+")
}

// DerivativeDirName returns the directory name a derivative is linked under
// within derivatives/. Unusable tool names ("Custom code", "unknown", empty)
// collapse to custom-{datasetID}.
func DerivativeDirName(toolName, version, datasetID string) string {
	lower := strings.ToLower(toolName)
	if toolName == "" || lower == "unknown" || strings.HasPrefix(lower, "custom code") {
		return fmt.Sprintf("custom-%s", datasetID)
	}
	return SanitizeName(fmt.Sprintf("%s-%s", toolName, version))
}
