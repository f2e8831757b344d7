package extraction

import (
	"sort"
	"strings"
)

// SubjectStats is one row of the subjects table: statistics for one subject,
// or one subject within one session for multi-session sources.
type SubjectStats struct {
	SourceID  string
	SubjectID string

	// SessionID is "n/a" for single-session sources
	SessionID string

	BoldNum int
	T1wNum  int
	T2wNum  int

	BoldSize int64
	T1wSize  int64

	BoldDurationTotal Metric
	BoldDurationMean  Metric
	BoldVoxelsTotal   Metric
	BoldVoxelsMean    Metric

	// Datatypes is "n/a" or a lexicographically sorted, de-duplicated,
	// comma-joined list of BIDS datatype labels
	Datatypes string
}

// DatasetStats aggregates the subject rows of one source dataset
type DatasetStats struct {
	SourceID string

	// SubjectsNum counts distinct subject ids
	SubjectsNum int

	// Session statistics are computed only over subjects that have a
	// session id; "n/a" when none do
	SessionsNum Metric
	SessionsMin Metric
	SessionsMax Metric

	BoldNum int
	T1wNum  int
	T2wNum  int

	BoldSize int64
	T1wSize  int64

	// BoldSizeMax is total size divided by file count: an approximation
	// derived from the average, not a true maximum. The study level computes
	// a true max-of-maxes instead; the two formulas are deliberately kept
	// distinct.
	BoldSizeMax Metric

	BoldDurationTotal Metric
	BoldDurationMean  Metric
	BoldVoxelsTotal   Metric
	BoldVoxelsMean    Metric

	Datatypes string
}

// StudyStats aggregates the dataset rows of one study
type StudyStats struct {
	SubjectsNum Metric

	SessionsNum Metric
	SessionsMin Metric
	SessionsMax Metric

	BoldNum int
	T1wNum  int
	T2wNum  int

	BoldSize Metric
	T1wSize  Metric

	// BoldSizeMax is the true maximum across constituent datasets' values
	BoldSizeMax Metric

	BoldDurationTotal Metric
	BoldDurationMean  Metric
	BoldVoxelsTotal   Metric
	BoldVoxelsMean    Metric

	Datatypes string
}

// joinDatatypes canonicalizes a datatype set: "n/a" when empty, otherwise a
// sorted, de-duplicated, comma-joined list
func joinDatatypes(set map[string]struct{}) string {
	if len(set) == 0 {
		return NA
	}
	labels := make([]string, 0, len(set))
	for dt := range set {
		labels = append(labels, dt)
	}
	sort.Strings(labels)
	return strings.Join(labels, ",")
}

// splitDatatypes expands a serialized datatype list back into a set
func splitDatatypes(s string, into map[string]struct{}) {
	if s == "" || s == NA {
		return
	}
	for _, dt := range strings.Split(s, ",") {
		into[dt] = struct{}{}
	}
}
