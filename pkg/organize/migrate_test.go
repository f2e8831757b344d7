package organize

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openneuro-studies/openneuro-studies/pkg/gitlink"
)

func TestMigratedPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		url      string
		modName  string
		expected string
	}{
		{
			name:     "legacy raw path takes the dataset id from the url",
			path:     "sourcedata/raw",
			url:      "https://github.com/OpenNeuroDatasets/ds000001.git",
			expected: "sourcedata/ds000001",
		},
		{
			name:     "custom code derivative",
			path:     "derivatives/Custom code",
			url:      "https://github.com/OpenNeuroDerivatives/ds006185.git",
			expected: "derivatives/custom-ds006185",
		},
		{
			name:     "unknown derivative",
			path:     "derivatives/unknown",
			url:      "https://github.com/OpenNeuroDerivatives/ds006186.git",
			expected: "derivatives/custom-ds006186",
		},
		{
			name:     "unknown derivative without usable url falls back to the name",
			path:     "derivatives/unknown",
			url:      "",
			modName:  "ds006187",
			expected: "derivatives/custom-ds006187",
		},
		{
			name:     "derivative name is sanitized",
			path:     "derivatives/fmriprep 21.0.1",
			url:      "https://github.com/OpenNeuroDerivatives/ds006185.git",
			expected: "derivatives/fmriprep+21.0.1",
		},
		{
			name:     "conforming derivative is unchanged",
			path:     "derivatives/fmriprep-21.0.1",
			url:      "https://github.com/OpenNeuroDerivatives/ds006185.git",
			expected: "derivatives/fmriprep-21.0.1",
		},
		{
			name:     "paths outside sourcedata and derivatives are out of scope",
			path:     "code/pipeline",
			url:      "https://github.com/org/pipeline.git",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, migratedPath(tt.path, tt.url, tt.modName))
		})
	}
}

func TestDatasetIDFromURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ds000001", datasetIDFromURL("https://github.com/org/ds000001.git"))
	assert.Equal(t, "ds000001", datasetIDFromURL("https://github.com/org/ds000001/"))
	assert.Equal(t, "ds000001", datasetIDFromURL("ds000001"))
}

// legacyStudy builds a study repository still using the old sourcedata/raw
// layout, returning the parent path and the pinned commit id
func legacyStudy(t *testing.T) (parent string, pinned string) {
	t.Helper()

	parent = t.TempDir()
	studyPath, err := CreateStudy("study-ds000001", "OpenNeuroStudies", parent)
	require.NoError(t, err)

	pinned = testSHA
	require.NoError(t, gitlink.Link(studyPath, "sourcedata/raw",
		"https://github.com/OpenNeuroDatasets/ds000001.git", pinned, "", ""))
	require.NoError(t, gitlink.Commit(studyPath, "Add raw dataset"))
	return parent, pinned
}

func TestMigrateDryRun(t *testing.T) {
	t.Parallel()

	parent, _ := legacyStudy(t)

	result, err := Migrate(parent, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 0, result.Skipped)
	require.Len(t, result.Changes, 1)
	assert.Equal(t, "sourcedata/raw", result.Changes[0].OldPath)
	assert.Equal(t, "sourcedata/ds000001", result.Changes[0].NewPath)

	// Dry run leaves the study untouched
	studyPath := filepath.Join(parent, "study-ds000001")
	assert.True(t, gitlink.IsLinked(studyPath, "sourcedata/raw"))
}

func TestMigrateAppliesRenames(t *testing.T) {
	t.Parallel()

	parent, pinned := legacyStudy(t)
	studyPath := filepath.Join(parent, "study-ds000001")

	result, err := Migrate(parent, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)

	assert.False(t, gitlink.IsLinked(studyPath, "sourcedata/raw"))
	assert.True(t, gitlink.IsLinked(studyPath, "sourcedata/ds000001"))

	// The pinned commit survives the rename
	repo, err := git.PlainOpen(studyPath)
	require.NoError(t, err)
	idx, err := repo.Storer.Index()
	require.NoError(t, err)
	found := false
	for _, entry := range idx.Entries {
		if entry.Name == "sourcedata/ds000001" {
			found = true
			assert.Equal(t, plumbing.NewHash(pinned), entry.Hash)
		}
	}
	assert.True(t, found, "renamed gitlink entry missing from index")

	// The migration was committed
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Contains(t, commit.Message, "Migrate to new naming conventions")
}

func TestMigrateSkipsConformingStudies(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	studyPath, err := CreateStudy("study-ds000002", "OpenNeuroStudies", parent)
	require.NoError(t, err)
	require.NoError(t, gitlink.Link(studyPath, "sourcedata/ds000002",
		"https://github.com/OpenNeuroDatasets/ds000002.git", testSHA, "", ""))
	require.NoError(t, gitlink.Commit(studyPath, "Add raw dataset"))

	result, err := Migrate(parent, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Changes)
}

func TestMigrateSelectsRequestedStudies(t *testing.T) {
	t.Parallel()

	parent, _ := legacyStudy(t)

	// A requested id that does not exist is skipped with a warning
	result, err := Migrate(parent, []string{"study-ds000001", "study-ds999999"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
}
