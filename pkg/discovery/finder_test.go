package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openneuro-studies/openneuro-studies/pkg/config"
	"github.com/openneuro-studies/openneuro-studies/pkg/forge"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

// fakeRepo describes one repository served by the fake forge
type fakeRepo struct {
	description string
	datalad     string
}

// fakeForge implements forge.Client from an in-memory repository map
type fakeForge struct {
	repos map[string]fakeRepo
}

func (f *fakeForge) ListRepositories(_ context.Context, _ string) ([]forge.Repository, error) {
	var repos []forge.Repository
	for name := range f.repos {
		repos = append(repos, forge.Repository{
			Name:          name,
			CloneURL:      "https://github.com/org/" + name + ".git",
			DefaultBranch: "main",
		})
	}
	return repos, nil
}

func (f *fakeForge) GetFileContent(_ context.Context, _, repo, path, _ string) ([]byte, error) {
	r, ok := f.repos[repo]
	if !ok {
		return nil, fmt.Errorf("repository %s not found", repo)
	}
	switch path {
	case descriptionFile:
		if r.description == "" {
			return nil, fmt.Errorf("%s not found in %s", path, repo)
		}
		return []byte(r.description), nil
	case ".datalad/config":
		if r.datalad == "" {
			return nil, fmt.Errorf("%s not found in %s", path, repo)
		}
		return []byte(r.datalad), nil
	}
	return nil, fmt.Errorf("%s not found in %s", path, repo)
}

func (f *fakeForge) GetDefaultBranchSHA(_ context.Context, _, repo string) (string, error) {
	if _, ok := f.repos[repo]; !ok {
		return "", fmt.Errorf("repository %s not found", repo)
	}
	return testSHA, nil
}

func testConfig(sources ...config.SourceSpec) *config.Config {
	return &config.Config{
		GitHubOrg: "OpenNeuroStudies",
		StateDir:  "/tmp/state",
		Sources:   sources,
	}
}

func rawSource() config.SourceSpec {
	return config.SourceSpec{
		Name:              "raw",
		OrganizationURL:   "https://github.com/OpenNeuroDatasets",
		Type:              config.SourceTypeRaw,
		InclusionPatterns: []string{".*"},
	}
}

func derivativeSource() config.SourceSpec {
	return config.SourceSpec{
		Name:              "derivatives",
		OrganizationURL:   "https://github.com/OpenNeuroDerivatives",
		Type:              config.SourceTypeDerivative,
		InclusionPatterns: []string{".*"},
	}
}

func TestDiscoverAllClassifiesRepositories(t *testing.T) {
	t.Parallel()

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds000001": {description: `{"Name": "Raw One", "BIDSVersion": "1.8.0", "License": "CC0", "Authors": ["A", "B"]}`},
		"ds000002": {description: `{"Name": "Raw Two"}`},
		"ds006185": {
			description: `{
				"Name": "Derived",
				"DatasetType": "derivative",
				"GeneratedBy": [{"Name": "fmriprep", "Version": "21.0.1"}],
				"SourceDatasets": [{"URL": "https://github.com/OpenNeuroDatasets/ds000001"}]
			}`,
			datalad: "[datalad \"dataset\"]\n\tid = 8a3cbf09-fd29-4612-ae81-ae688f55ef1a\n",
		},
		"broken": {},
	}}

	finder := NewFinder(Options{
		Config:  testConfig(rawSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)

	require.Len(t, discovered.Raw, 2)
	assert.Equal(t, "ds000001", discovered.Raw[0].DatasetID)
	assert.Equal(t, testSHA, discovered.Raw[0].CommitSHA)
	assert.Equal(t, "1.8.0", discovered.Raw[0].BIDSVersion)
	assert.Equal(t, "CC0", discovered.Raw[0].License)
	assert.Equal(t, []string{"A", "B"}, discovered.Raw[0].Authors)

	// Missing BIDSVersion falls back to unknown
	assert.Equal(t, "unknown", discovered.Raw[1].BIDSVersion)

	require.Len(t, discovered.Derivative, 1)
	deriv := discovered.Derivative[0]
	assert.Equal(t, "ds006185", deriv.DatasetID)
	assert.Equal(t, "fmriprep", deriv.ToolName)
	assert.Equal(t, "21.0.1", deriv.Version)
	assert.Equal(t, "8a3cbf09-fd29-4612-ae81-ae688f55ef1a", deriv.DataladUUID)
	assert.Equal(t, []string{"ds000001"}, deriv.SourceDatasets)
	assert.Equal(t, "fmriprep-21.0.1", deriv.DerivativeID)
}

func TestDiscoverAllAssignsUniqueDerivativeIDs(t *testing.T) {
	t.Parallel()

	derivDesc := func(uuid string) fakeRepo {
		return fakeRepo{
			description: `{
				"DatasetType": "derivative",
				"GeneratedBy": [{"Name": "fmriprep", "Version": "21.0.1"}],
				"SourceDatasets": ["ds000001"]
			}`,
			datalad: "[datalad \"dataset\"]\n\tid = " + uuid + "\n",
		}
	}

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds006185": derivDesc("8a3cbf09-fd29-4612-ae81-ae688f55ef1a"),
		"ds006186": derivDesc("b24a86fe-0012-4612-ae81-ae688f55ef1b"),
	}}

	finder := NewFinder(Options{
		Config:  testConfig(derivativeSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered.Derivative, 2)

	// Same tool and version: the second id carries the UUID prefix
	assert.Equal(t, "fmriprep-21.0.1", discovered.Derivative[0].DerivativeID)
	assert.Equal(t, "fmriprep-21.0.1-b24a86fe", discovered.Derivative[1].DerivativeID)
}

func TestDiscoverAllFilter(t *testing.T) {
	t.Parallel()

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds000001": {description: `{"Name": "One"}`},
		"ds000002": {description: `{"Name": "Two"}`},
	}}

	finder := NewFinder(Options{
		Config:  testConfig(rawSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
		Filter:  []string{"ds000002"},
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered.Raw, 1)
	assert.Equal(t, "ds000002", discovered.Raw[0].DatasetID)
}

func TestDiscoverAllIncludeDerivativesExpandsTransitively(t *testing.T) {
	t.Parallel()

	rawForge := &fakeForge{repos: map[string]fakeRepo{
		"ds000001": {description: `{"Name": "One"}`},
		"ds000002": {description: `{"Name": "Two"}`},
	}}
	derivForge := &fakeForge{repos: map[string]fakeRepo{
		"ds006185": {description: `{
			"DatasetType": "derivative",
			"GeneratedBy": [{"Name": "fmriprep", "Version": "21.0.1"}],
			"SourceDatasets": ["ds000001"]
		}`},
		"ds006186": {description: `{
			"DatasetType": "derivative",
			"GeneratedBy": [{"Name": "xcp-d", "Version": "0.4.0"}],
			"SourceDatasets": ["derived from ds006185"]
		}`},
		"ds006187": {description: `{
			"DatasetType": "derivative",
			"GeneratedBy": [{"Name": "mriqc", "Version": "22.0.6"}],
			"SourceDatasets": ["ds000002"]
		}`},
	}}

	rawSpec := rawSource()
	derivSpec := derivativeSource()
	finder := NewFinder(Options{
		Config: testConfig(rawSpec, derivSpec),
		Clients: func(spec config.SourceSpec) forge.Client {
			if spec.Type == config.SourceTypeDerivative {
				return derivForge
			}
			return rawForge
		},
		Filter:             []string{"ds000001"},
		IncludeDerivatives: true,
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)

	require.Len(t, discovered.Raw, 1)
	assert.Equal(t, "ds000001", discovered.Raw[0].DatasetID)

	// The derivative of ds000001 and the derivative of that derivative are
	// both pulled in; the ds000002 derivative is not
	require.Len(t, discovered.Derivative, 2)
	assert.Equal(t, "ds006185", discovered.Derivative[0].DatasetID)
	assert.Equal(t, "ds006186", discovered.Derivative[1].DatasetID)
}

func TestExtractSourceIDs(t *testing.T) {
	t.Parallel()

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds006185": {description: `{
			"DatasetType": "derivative",
			"GeneratedBy": [{"Name": "fmriprep"}],
			"SourceDatasets": [
				"ds000001",
				{"URL": "https://github.com/OpenNeuroDatasets/ds000002"},
				{"DOI": "doi:10.18112/openneuro.ds000003.v1.0.0"},
				{"URL": "https://example.com/unrelated"},
				"ds000001"
			]
		}`},
	}}

	finder := NewFinder(Options{
		Config:  testConfig(derivativeSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered.Derivative, 1)

	// De-duplicated, unresolvable references dropped
	assert.Equal(t, []string{"ds000001", "ds000002", "ds000003"},
		discovered.Derivative[0].SourceDatasets)
}

func TestDiscoverAllSkipsDerivativeWithoutSources(t *testing.T) {
	t.Parallel()

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds006185": {description: `{
			"DatasetType": "derivative",
			"GeneratedBy": [{"Name": "fmriprep", "Version": "21.0.1"}]
		}`},
	}}

	finder := NewFinder(Options{
		Config:  testConfig(derivativeSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discovered.Derivative)
	assert.Empty(t, discovered.Raw)
}

func TestFilterRepos(t *testing.T) {
	t.Parallel()

	repos := []forge.Repository{
		{Name: "ds000001"}, {Name: "ds000002"}, {Name: ".github"}, {Name: "tools"},
	}

	t.Run("default inclusion keeps all", func(t *testing.T) {
		t.Parallel()
		kept := filterRepos(repos, []string{".*"}, nil)
		assert.Len(t, kept, 4)
	})

	t.Run("inclusion narrows", func(t *testing.T) {
		t.Parallel()
		kept := filterRepos(repos, []string{`ds\d+`}, nil)
		require.Len(t, kept, 2)
		assert.Equal(t, "ds000001", kept[0].Name)
	})

	t.Run("exclusion drops", func(t *testing.T) {
		t.Parallel()
		kept := filterRepos(repos, []string{".*"}, []string{`\.github`, "tools"})
		require.Len(t, kept, 2)
	})

	t.Run("patterns anchor at the start", func(t *testing.T) {
		t.Parallel()
		kept := filterRepos([]forge.Repository{{Name: "not-ds000001"}}, []string{`ds\d+`}, nil)
		assert.Empty(t, kept)
	})
}

func TestSourceLookup(t *testing.T) {
	t.Parallel()

	forgeStub := &fakeForge{repos: map[string]fakeRepo{
		"ds000001": {description: `{"Name": "One"}`},
	}}
	finder := NewFinder(Options{
		Config:  testConfig(rawSource()),
		Clients: func(config.SourceSpec) forge.Client { return forgeStub },
	})

	discovered, err := finder.DiscoverAll(context.Background())
	require.NoError(t, err)

	lookup := discovered.SourceLookup()
	require.Contains(t, lookup, "ds000001")
	assert.Equal(t, testSHA, lookup["ds000001"].CommitSHA)
}
