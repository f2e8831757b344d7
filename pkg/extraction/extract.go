package extraction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
	"github.com/openneuro-studies/openneuro-studies/pkg/nifti"
	"github.com/openneuro-studies/openneuro-studies/pkg/sparse"
)

// Stage selects how deep extraction goes. Each stage is a strict superset of
// the previous one.
type Stage int

const (
	// StageBasic extracts only cached metadata: authors and version
	StageBasic Stage = iota

	// StageCounts adds subject, session, datatype and modality file counts
	// from the git tree
	StageCounts

	// StageSizes adds file sizes decoded from annex keys
	StageSizes

	// StageImaging adds voxel counts and scan durations from NIfTI headers
	StageImaging
)

// String returns the stage name as accepted on the command line
func (s Stage) String() string {
	switch s {
	case StageBasic:
		return "basic"
	case StageCounts:
		return "counts"
	case StageSizes:
		return "sizes"
	case StageImaging:
		return "imaging"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ParseStage parses a stage name
func ParseStage(s string) (Stage, error) {
	switch s {
	case "basic":
		return StageBasic, nil
	case "counts":
		return StageCounts, nil
	case "sizes":
		return StageSizes, nil
	case "imaging":
		return StageImaging, nil
	}
	return 0, fmt.Errorf("unknown extraction stage %q (want basic, counts, sizes or imaging)", s)
}

// SessionOpener opens a sparse-access session on a source dataset.
// Injectable so tests can substitute fixture-backed sessions.
type SessionOpener func(path string) (*sparse.Session, error)

// RawMetadata is the cached metadata of a study's raw sources
type RawMetadata struct {
	// AuthorLeadRaw is the first listed author, "n/a" when unknown or when
	// multiple sources disagree
	AuthorLeadRaw string

	// AuthorSeniorRaw is the last listed author, same consistency rule
	AuthorSeniorRaw string

	// RawVersion is the latest git tag of a single source, "n/a" otherwise
	RawVersion string
}

// StudySummary is the full result of one study extraction
type StudySummary struct {
	Raw      RawMetadata
	Subjects []*SubjectStats
	Datasets []*DatasetStats
	Stats    *StudyStats
}

// Extractor computes study statistics through sparse access. Safe for
// concurrent use; each extraction opens its own sessions.
type Extractor struct {
	open   SessionOpener
	runner sparse.CommandRunner
}

// NewExtractor returns an extractor backed by real git and git-annex
func NewExtractor() *Extractor {
	return NewExtractorWith(sparse.Open, sparse.NewExecRunner())
}

// NewExtractorWith returns an extractor with an explicit session opener and
// command runner
func NewExtractorWith(open SessionOpener, runner sparse.CommandRunner) *Extractor {
	return &Extractor{open: open, runner: runner}
}

// ExtractStudy extracts statistics for one study directory up to the given
// stage and writes the sourcedata TSV tables when subject rows were produced.
// Failures on individual files or sources skip only the affected metric.
func (e *Extractor) ExtractStudy(ctx context.Context, studyPath string, stage Stage) (*StudySummary, error) {
	sources, err := listSourceDirs(filepath.Join(studyPath, "sourcedata"))
	if err != nil {
		return nil, err
	}

	summary := &StudySummary{
		Raw: e.extractRawMetadata(ctx, sources),
	}

	if stage >= StageCounts {
		for _, source := range sources {
			sourceID := filepath.Base(source)
			subjects := e.ExtractSubjects(ctx, source, sourceID, stage)
			summary.Subjects = append(summary.Subjects, subjects...)
			summary.Datasets = append(summary.Datasets, AggregateToDataset(subjects, sourceID))
		}
	}
	summary.Stats = AggregateToStudy(summary.Datasets)

	if len(summary.Subjects) > 0 {
		if err := WriteSourcedataFiles(filepath.Join(studyPath, "sourcedata"), summary.Subjects, summary.Datasets); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

// ExtractSubjects extracts one row per subject, or per subject and session
// for multi-session sources. A source that cannot be opened yields no rows.
func (e *Extractor) ExtractSubjects(ctx context.Context, sourcePath, sourceID string, stage Stage) []*SubjectStats {
	ds, err := e.open(sourcePath)
	if err != nil {
		logger.Warnf("failed to open source %s: %v", sourcePath, err)
		return nil
	}
	defer func() {
		_ = ds.Close()
	}()

	var results []*SubjectStats
	for _, subject := range ds.ListDirs("sub-*") {
		name := subject[strings.LastIndex(subject, "/")+1:]
		sessions := ds.ListDirs(name + "/ses-*")
		if len(sessions) == 0 {
			results = append(results, e.extractSubject(ctx, ds, sourceID, name, "", stage))
			continue
		}
		for _, session := range sessions {
			sessionName := session[strings.LastIndex(session, "/")+1:]
			results = append(results, e.extractSubject(ctx, ds, sourceID, name, sessionName, stage))
		}
	}
	return results
}

// extractSubject computes one subjects-table row
func (e *Extractor) extractSubject(ctx context.Context, ds *sparse.Session, sourceID, subject, session string, stage Stage) *SubjectStats {
	prefix := subject + "/"
	sessionID := NA
	if session != "" {
		prefix = subject + "/" + session + "/"
		sessionID = session
	}

	row := &SubjectStats{
		SourceID:          sourceID,
		SubjectID:         subject,
		SessionID:         sessionID,
		BoldDurationTotal: NAMetric(),
		BoldDurationMean:  NAMetric(),
		BoldVoxelsTotal:   NAMetric(),
		BoldVoxelsMean:    NAMetric(),
	}

	var subjectFiles, boldFiles, t1wFiles []string
	datatypes := make(map[string]struct{})
	for _, f := range ds.ListFiles("*") {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		subjectFiles = append(subjectFiles, f)
		switch {
		case strings.Contains(f, "_bold.nii"):
			boldFiles = append(boldFiles, f)
		case strings.Contains(f, "_T1w.nii"):
			t1wFiles = append(t1wFiles, f)
		case strings.Contains(f, "_T2w.nii"):
			row.T2wNum++
		}
	}
	row.BoldNum = len(boldFiles)
	row.T1wNum = len(t1wFiles)

	for _, f := range subjectFiles {
		for _, part := range strings.Split(f, "/") {
			if _, ok := sparse.BIDSDatatypes[part]; ok {
				datatypes[part] = struct{}{}
				break
			}
		}
	}
	row.Datatypes = joinDatatypes(datatypes)

	if stage >= StageSizes {
		for _, f := range boldFiles {
			if size, ok := ds.FileSize(ctx, f); ok {
				row.BoldSize += size
			}
		}
		for _, f := range t1wFiles {
			if size, ok := ds.FileSize(ctx, f); ok {
				row.T1wSize += size
			}
		}
	}

	if stage >= StageImaging && len(boldFiles) > 0 {
		e.extractImaging(ctx, ds, boldFiles, row)
	}

	return row
}

// extractImaging fills in voxel and duration metrics from BOLD headers.
// Every file is attempted; a file whose header cannot be read contributes
// nothing.
func (e *Extractor) extractImaging(ctx context.Context, ds *sparse.Session, boldFiles []string, row *SubjectStats) {
	var durations []float64
	var voxels []int64

	for _, f := range boldFiles {
		hdr, ok := e.readHeader(ctx, ds, f)
		if !ok {
			continue
		}
		voxels = append(voxels, hdr.Voxels())
		if d, ok := hdr.Duration(); ok {
			durations = append(durations, d)
		}
	}

	if len(voxels) > 0 {
		var total int64
		for _, v := range voxels {
			total += v
		}
		row.BoldVoxelsTotal = Int(total)
		row.BoldVoxelsMean = Float(float64(total) / float64(len(voxels)))
	}
	if len(durations) > 0 {
		var total float64
		for _, d := range durations {
			total += d
		}
		row.BoldDurationTotal = Float(total)
		row.BoldDurationMean = Float(total / float64(len(durations)))
	}
}

// readHeader streams at most nifti.ReadBudget bytes of one BOLD file and
// decodes its header
func (e *Extractor) readHeader(ctx context.Context, ds *sparse.Session, path string) (nifti.Header, bool) {
	stream, err := ds.OpenFile(ctx, path)
	if err != nil {
		logger.Debugf("failed to open %s: %v", path, err)
		return nifti.Header{}, false
	}
	defer func() {
		_ = stream.Close()
	}()

	buf, err := io.ReadAll(io.LimitReader(stream, nifti.ReadBudget))
	if err != nil && len(buf) == 0 {
		logger.Debugf("failed to read %s: %v", path, err)
		return nifti.Header{}, false
	}

	hdr, ok := nifti.ExtractHeader(buf)
	if !ok {
		logger.Debugf("could not decode NIfTI header from %s", path)
	}
	return hdr, ok
}

// extractRawMetadata reads authors from each source's cached
// dataset_description.json and the version from its git tags. With several
// sources, author fields are kept only when all sources agree and the
// version stays unknown.
func (e *Extractor) extractRawMetadata(ctx context.Context, sources []string) RawMetadata {
	meta := RawMetadata{AuthorLeadRaw: NA, AuthorSeniorRaw: NA, RawVersion: NA}

	var leads, seniors, versions []string
	for _, source := range sources {
		data, err := os.ReadFile(filepath.Join(source, "dataset_description.json"))
		if err == nil {
			authors := gjson.GetBytes(data, "Authors").Array()
			if len(authors) > 0 {
				leads = append(leads, authors[0].String())
				seniors = append(seniors, authors[len(authors)-1].String())
			}
		} else if !os.IsNotExist(err) {
			logger.Debugf("failed to read dataset description in %s: %v", source, err)
		}

		if tag := sparse.LatestTag(ctx, e.runner, source); tag != "" {
			versions = append(versions, tag)
		}
	}

	if len(sources) == 1 {
		if len(leads) > 0 {
			meta.AuthorLeadRaw = leads[0]
		}
		if len(seniors) > 0 {
			meta.AuthorSeniorRaw = seniors[0]
		}
		if len(versions) > 0 {
			meta.RawVersion = versions[0]
		}
		return meta
	}

	if v, ok := uniform(leads); ok {
		meta.AuthorLeadRaw = v
	}
	if v, ok := uniform(seniors); ok {
		meta.AuthorSeniorRaw = v
	}
	return meta
}

// uniform reports the single distinct value of a non-empty slice
func uniform(values []string) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return "", false
		}
	}
	return values[0], true
}

// listSourceDirs returns the non-hidden subdirectories of a sourcedata
// directory, sorted. An absent sourcedata directory is an empty study, not
// an error.
func listSourceDirs(sourcedataPath string) ([]string, error) {
	entries, err := os.ReadDir(sourcedataPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", sourcedataPath, err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			dirs = append(dirs, filepath.Join(sourcedataPath, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
