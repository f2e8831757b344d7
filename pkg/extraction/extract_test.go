package extraction

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openneuro-studies/openneuro-studies/pkg/sparse"
)

func TestParseStage(t *testing.T) {
	t.Parallel()

	for _, want := range []Stage{StageBasic, StageCounts, StageSizes, StageImaging} {
		got, err := ParseStage(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseStage("everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown extraction stage")
}

// stubRunner serves canned stdout keyed by the joined command line
type stubRunner struct {
	outputs map[string]string
}

func (r *stubRunner) Run(_ context.Context, _, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	out, ok := r.outputs[key]
	if !ok {
		return nil, fmt.Errorf("%s: exit status 1", key)
	}
	return []byte(out), nil
}

// stubHTTP serves one fixed body for every streamed URL
type stubHTTP struct {
	body []byte
}

func (s *stubHTTP) Get(_ context.Context, _ string, _ map[string]string) ([]byte, error) {
	return s.body, nil
}

func (s *stubHTTP) Stream(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.body)), nil
}

// boldHeader builds a gzip-compressed NIfTI-1 header for a 64x64x30 volume
// with 200 timepoints at TR 2.0
func boldHeader(t *testing.T) []byte {
	t.Helper()

	hdr := make([]byte, 352)
	rng := rand.New(rand.NewSource(11))
	_, err := rng.Read(hdr[148:348])
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(hdr[0:4], 348)
	dims := []uint16{4, 64, 64, 30, 200}
	for i, d := range dims {
		binary.LittleEndian.PutUint16(hdr[40+2*i:], d)
	}
	binary.LittleEndian.PutUint32(hdr[76+4*4:], math.Float32bits(2.0))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(hdr)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fixtureStudy builds a study directory whose sourcedata holds one committed
// git repository shaped like an annexed BIDS dataset
func fixtureStudy(t *testing.T) (studyPath string, boldPaths []string) {
	t.Helper()

	studyPath = t.TempDir()
	sourcePath := filepath.Join(studyPath, "sourcedata", "ds000001")
	require.NoError(t, os.MkdirAll(sourcePath, 0o755))

	repo, err := git.PlainInit(sourcePath, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	files := map[string]string{
		"dataset_description.json":                 `{"Name": "Test", "Authors": ["Ada First", "Grace Middle", "Alan Last"]}`,
		"sub-01/anat/sub-01_T1w.nii.gz":            "annex/objects/SHA256E-s1000--aa.nii.gz",
		"sub-01/func/sub-01_task-rest_bold.nii.gz": "annex/objects/SHA256E-s4000--bb.nii.gz",
		"sub-02/anat/sub-02_T1w.nii.gz":            "annex/objects/SHA256E-s1500--cc.nii.gz",
		"sub-02/func/sub-02_task-rest_bold.nii.gz": "annex/objects/SHA256E-s6000--dd.nii.gz",
		"sub-02/dwi/sub-02_dwi.nii.gz":             "annex/objects/SHA256E-s2500--ee.nii.gz",
	}
	for path, content := range files {
		full := filepath.Join(sourcePath, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err = wt.Add(path)
		require.NoError(t, err)
	}
	_, err = wt.Commit("add fixture dataset", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	boldPaths = []string{
		"sub-01/func/sub-01_task-rest_bold.nii.gz",
		"sub-02/func/sub-02_task-rest_bold.nii.gz",
	}
	return studyPath, boldPaths
}

func fixtureExtractor(t *testing.T, studyPath string, boldPaths []string) *Extractor {
	t.Helper()

	sourcePath := filepath.Join(studyPath, "sourcedata", "ds000001")
	outputs := map[string]string{
		"git describe --tags --abbrev=0": "1.0.0\n",
	}
	for _, p := range boldPaths {
		outputs["git annex whereis --json "+p] =
			`{"whereis": [{"urls": ["https://example.com/` + filepath.Base(p) + `"]}], "untrusted": []}`
	}
	runner := &stubRunner{outputs: outputs}
	client := &stubHTTP{body: boldHeader(t)}

	open := func(path string) (*sparse.Session, error) {
		require.Equal(t, sourcePath, path)
		return sparse.OpenWith(path, runner, client)
	}
	return NewExtractorWith(open, runner)
}

func TestExtractStudyBasic(t *testing.T) {
	t.Parallel()

	studyPath, bolds := fixtureStudy(t)
	e := fixtureExtractor(t, studyPath, bolds)

	summary, err := e.ExtractStudy(context.Background(), studyPath, StageBasic)
	require.NoError(t, err)

	assert.Equal(t, "Ada First", summary.Raw.AuthorLeadRaw)
	assert.Equal(t, "Alan Last", summary.Raw.AuthorSeniorRaw)
	assert.Equal(t, "1.0.0", summary.Raw.RawVersion)

	// Basic stage produces no rows and writes no tables
	assert.Empty(t, summary.Subjects)
	assert.NoFileExists(t, filepath.Join(studyPath, "sourcedata", "sourcedata+subjects.tsv"))
}

func TestExtractStudyCounts(t *testing.T) {
	t.Parallel()

	studyPath, bolds := fixtureStudy(t)
	e := fixtureExtractor(t, studyPath, bolds)

	summary, err := e.ExtractStudy(context.Background(), studyPath, StageCounts)
	require.NoError(t, err)

	require.Len(t, summary.Subjects, 2)
	sub01, sub02 := summary.Subjects[0], summary.Subjects[1]

	assert.Equal(t, "sub-01", sub01.SubjectID)
	assert.Equal(t, NA, sub01.SessionID)
	assert.Equal(t, 1, sub01.BoldNum)
	assert.Equal(t, 1, sub01.T1wNum)
	assert.Equal(t, "anat,func", sub01.Datatypes)

	assert.Equal(t, "anat,dwi,func", sub02.Datatypes)

	// Counts stage does not resolve sizes
	assert.Zero(t, sub01.BoldSize)
	assert.False(t, sub01.BoldVoxelsTotal.Valid())

	require.Len(t, summary.Datasets, 1)
	assert.Equal(t, "ds000001", summary.Datasets[0].SourceID)
	assert.Equal(t, 2, summary.Datasets[0].SubjectsNum)
	assert.Equal(t, 2, summary.Datasets[0].BoldNum)

	assert.FileExists(t, filepath.Join(studyPath, "sourcedata", "sourcedata+subjects.tsv"))
	assert.FileExists(t, filepath.Join(studyPath, "sourcedata", "sourcedata+datasets.tsv"))
}

func TestExtractStudySizes(t *testing.T) {
	t.Parallel()

	studyPath, bolds := fixtureStudy(t)
	e := fixtureExtractor(t, studyPath, bolds)

	summary, err := e.ExtractStudy(context.Background(), studyPath, StageSizes)
	require.NoError(t, err)

	require.Len(t, summary.Subjects, 2)
	assert.Equal(t, int64(4000), summary.Subjects[0].BoldSize)
	assert.Equal(t, int64(1000), summary.Subjects[0].T1wSize)
	assert.Equal(t, int64(6000), summary.Subjects[1].BoldSize)

	assert.Equal(t, int64(10000), summary.Datasets[0].BoldSize)
	assert.Equal(t, int64(5000), summary.Datasets[0].BoldSizeMax.IntValue())

	// Sizes stage still skips imaging headers
	assert.False(t, summary.Subjects[0].BoldVoxelsTotal.Valid())
}

func TestExtractStudyImaging(t *testing.T) {
	t.Parallel()

	studyPath, bolds := fixtureStudy(t)
	e := fixtureExtractor(t, studyPath, bolds)

	summary, err := e.ExtractStudy(context.Background(), studyPath, StageImaging)
	require.NoError(t, err)

	require.Len(t, summary.Subjects, 2)
	for _, s := range summary.Subjects {
		require.True(t, s.BoldVoxelsTotal.Valid())
		assert.Equal(t, int64(122880), s.BoldVoxelsTotal.IntValue())
		assert.InDelta(t, 400.0, s.BoldDurationTotal.Value(), 1e-6)
	}

	stats := summary.Stats
	require.NotNil(t, stats)
	assert.Equal(t, int64(245760), stats.BoldVoxelsTotal.IntValue())
	assert.InDelta(t, 800.0, stats.BoldDurationTotal.Value(), 1e-6)
}

func TestExtractStudyEmptySourcedata(t *testing.T) {
	t.Parallel()

	studyPath := t.TempDir()
	e := NewExtractorWith(nil, &stubRunner{})

	summary, err := e.ExtractStudy(context.Background(), studyPath, StageCounts)
	require.NoError(t, err)

	assert.Equal(t, NA, summary.Raw.AuthorLeadRaw)
	assert.Equal(t, NA, summary.Raw.RawVersion)
	assert.Empty(t, summary.Subjects)
	assert.Empty(t, summary.Datasets)
	require.NotNil(t, summary.Stats)
	assert.False(t, summary.Stats.SubjectsNum.Valid())
}

func TestExtractRawMetadataMultipleSources(t *testing.T) {
	t.Parallel()

	studyPath := t.TempDir()
	for _, source := range []string{"ds000001", "ds000002"} {
		dir := filepath.Join(studyPath, "sourcedata", source)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset_description.json"),
			[]byte(`{"Authors": ["Ada First", "Alan Last"]}`), 0o644))
	}

	e := NewExtractorWith(nil, &stubRunner{})
	summary, err := e.ExtractStudy(context.Background(), studyPath, StageBasic)
	require.NoError(t, err)

	// Authors agree across sources; the version never does
	assert.Equal(t, "Ada First", summary.Raw.AuthorLeadRaw)
	assert.Equal(t, "Alan Last", summary.Raw.AuthorSeniorRaw)
	assert.Equal(t, NA, summary.Raw.RawVersion)
}

func TestExtractRawMetadataDisagreeingSources(t *testing.T) {
	t.Parallel()

	studyPath := t.TempDir()
	authors := []string{`["Ada First", "Alan Last"]`, `["Someone Else"]`}
	for i, source := range []string{"ds000001", "ds000002"} {
		dir := filepath.Join(studyPath, "sourcedata", source)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset_description.json"),
			[]byte(`{"Authors": `+authors[i]+`}`), 0o644))
	}

	e := NewExtractorWith(nil, &stubRunner{})
	summary, err := e.ExtractStudy(context.Background(), studyPath, StageBasic)
	require.NoError(t, err)

	assert.Equal(t, NA, summary.Raw.AuthorLeadRaw)
	assert.Equal(t, NA, summary.Raw.AuthorSeniorRaw)
}
