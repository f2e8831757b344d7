package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subjectRow(subject, session string, bold int, boldSize int64, duration float64, voxels int64) *SubjectStats {
	s := &SubjectStats{
		SourceID:  "ds000001",
		SubjectID: subject,
		SessionID: session,
		BoldNum:   bold,
		T1wNum:    1,
		BoldSize:  boldSize,
		T1wSize:   100,
		Datatypes: "anat,func",
	}
	if duration > 0 {
		s.BoldDurationTotal = Float(duration)
		s.BoldDurationMean = Float(duration / float64(bold))
	} else {
		s.BoldDurationTotal = NAMetric()
		s.BoldDurationMean = NAMetric()
	}
	if voxels > 0 {
		s.BoldVoxelsTotal = Int(voxels)
		s.BoldVoxelsMean = Float(float64(voxels) / float64(bold))
	} else {
		s.BoldVoxelsTotal = NAMetric()
		s.BoldVoxelsMean = NAMetric()
	}
	return s
}

func TestAggregateToDatasetEmpty(t *testing.T) {
	t.Parallel()

	d := AggregateToDataset(nil, "ds000001")

	assert.Equal(t, "ds000001", d.SourceID)
	assert.Zero(t, d.SubjectsNum)
	assert.Zero(t, d.BoldNum)
	assert.False(t, d.SessionsNum.Valid())
	assert.False(t, d.BoldSizeMax.Valid())
	assert.False(t, d.BoldDurationTotal.Valid())
	assert.Equal(t, "n/a", d.Datatypes)
}

func TestAggregateToDataset(t *testing.T) {
	t.Parallel()

	subjects := []*SubjectStats{
		subjectRow("sub-01", NA, 2, 2000, 800, 245760),
		subjectRow("sub-02", NA, 4, 4000, 1600, 491520),
	}

	d := AggregateToDataset(subjects, "ds000001")

	assert.Equal(t, 2, d.SubjectsNum)
	assert.Equal(t, 6, d.BoldNum)
	assert.Equal(t, 2, d.T1wNum)
	assert.Equal(t, int64(6000), d.BoldSize)
	assert.Equal(t, int64(200), d.T1wSize)

	// No session ids, so session statistics stay missing
	assert.False(t, d.SessionsNum.Valid())

	// Size max is the average file size, not a true maximum
	require.True(t, d.BoldSizeMax.Valid())
	assert.Equal(t, int64(1000), d.BoldSizeMax.IntValue())

	require.True(t, d.BoldDurationTotal.Valid())
	assert.InDelta(t, 2400, d.BoldDurationTotal.Value(), 1e-9)
	assert.InDelta(t, 400, d.BoldDurationMean.Value(), 1e-9)

	require.True(t, d.BoldVoxelsTotal.Valid())
	assert.Equal(t, int64(737280), d.BoldVoxelsTotal.IntValue())
	assert.InDelta(t, 122880, d.BoldVoxelsMean.Value(), 1e-9)

	assert.Equal(t, "anat,func", d.Datatypes)
}

func TestAggregateToDatasetSessions(t *testing.T) {
	t.Parallel()

	subjects := []*SubjectStats{
		subjectRow("sub-01", "ses-01", 1, 500, 0, 0),
		subjectRow("sub-01", "ses-02", 1, 500, 0, 0),
		subjectRow("sub-01", "ses-03", 1, 500, 0, 0),
		subjectRow("sub-02", "ses-01", 1, 500, 0, 0),
	}

	d := AggregateToDataset(subjects, "ds000002")

	// Two distinct subjects across four subject/session rows
	assert.Equal(t, 2, d.SubjectsNum)
	require.True(t, d.SessionsNum.Valid())
	assert.Equal(t, int64(4), d.SessionsNum.IntValue())
	assert.Equal(t, int64(1), d.SessionsMin.IntValue())
	assert.Equal(t, int64(3), d.SessionsMax.IntValue())

	// No imaging data collected for any subject
	assert.False(t, d.BoldDurationTotal.Valid())
	assert.False(t, d.BoldVoxelsTotal.Valid())
}

func TestAggregateToDatasetTinyFilesYieldMissingSizeMax(t *testing.T) {
	t.Parallel()

	// Total size below the file count truncates the average to zero, which
	// is reported as missing rather than a zero-byte maximum
	subjects := []*SubjectStats{
		subjectRow("sub-01", NA, 3, 2, 0, 0),
	}

	d := AggregateToDataset(subjects, "ds000003")
	assert.False(t, d.BoldSizeMax.Valid())
}

func TestAggregateToDatatypesCanonicalization(t *testing.T) {
	t.Parallel()

	subjects := []*SubjectStats{
		{SourceID: "ds000004", SubjectID: "sub-01", SessionID: NA, Datatypes: "func,anat"},
		{SourceID: "ds000004", SubjectID: "sub-02", SessionID: NA, Datatypes: "dwi,func"},
		{SourceID: "ds000004", SubjectID: "sub-03", SessionID: NA, Datatypes: NA},
	}

	d := AggregateToDataset(subjects, "ds000004")
	assert.Equal(t, "anat,dwi,func", d.Datatypes)
}

func TestAggregateToStudyEmpty(t *testing.T) {
	t.Parallel()

	s := AggregateToStudy(nil)

	assert.False(t, s.SubjectsNum.Valid())
	assert.False(t, s.SessionsNum.Valid())
	assert.False(t, s.BoldSize.Valid())
	assert.False(t, s.BoldSizeMax.Valid())
	assert.Zero(t, s.BoldNum)
	assert.Equal(t, "n/a", s.Datatypes)
}

func TestAggregateToStudy(t *testing.T) {
	t.Parallel()

	ds1 := AggregateToDataset([]*SubjectStats{
		subjectRow("sub-01", NA, 2, 2000, 800, 245760),
		subjectRow("sub-02", NA, 2, 6000, 800, 245760),
	}, "ds000001")
	ds2 := AggregateToDataset([]*SubjectStats{
		subjectRow("sub-01", "ses-01", 4, 4000, 1600, 491520),
		subjectRow("sub-01", "ses-02", 4, 4000, 1600, 491520),
	}, "ds000002")

	s := AggregateToStudy([]*DatasetStats{ds1, ds2})

	require.True(t, s.SubjectsNum.Valid())
	assert.Equal(t, int64(3), s.SubjectsNum.IntValue())
	assert.Equal(t, 12, s.BoldNum)
	assert.Equal(t, int64(16000), s.BoldSize.IntValue())

	// Session stats come only from the multi-session dataset
	require.True(t, s.SessionsNum.Valid())
	assert.Equal(t, int64(2), s.SessionsNum.IntValue())
	assert.Equal(t, int64(2), s.SessionsMin.IntValue())
	assert.Equal(t, int64(2), s.SessionsMax.IntValue())

	// True max across the dataset-level values (2000 vs 1000)
	require.True(t, s.BoldSizeMax.Valid())
	assert.Equal(t, int64(2000), s.BoldSizeMax.IntValue())

	// Weighted by each dataset's BOLD file count
	assert.InDelta(t, 4800, s.BoldDurationTotal.Value(), 1e-9)
	assert.InDelta(t, 400, s.BoldDurationMean.Value(), 1e-9)
	assert.Equal(t, int64(1474560), s.BoldVoxelsTotal.IntValue())

	assert.Equal(t, "anat,func", s.Datatypes)
}

func TestAggregateSummationOrderIndependent(t *testing.T) {
	t.Parallel()

	a := subjectRow("sub-01", NA, 2, 2000, 800, 245760)
	b := subjectRow("sub-02", NA, 4, 4000, 1600, 491520)
	c := subjectRow("sub-03", NA, 1, 1000, 400, 122880)

	forward := AggregateToDataset([]*SubjectStats{a, b, c}, "ds000001")
	reversed := AggregateToDataset([]*SubjectStats{c, b, a}, "ds000001")

	assert.Equal(t, forward.BoldNum, reversed.BoldNum)
	assert.Equal(t, forward.BoldSize, reversed.BoldSize)
	assert.Equal(t, forward.BoldSizeMax.String(), reversed.BoldSizeMax.String())
	assert.Equal(t, forward.BoldDurationTotal.String(), reversed.BoldDurationTotal.String())
	assert.Equal(t, forward.BoldDurationMean.String(), reversed.BoldDurationMean.String())
	assert.Equal(t, forward.Datatypes, reversed.Datatypes)
}
