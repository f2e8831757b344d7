// Package discovery enumerates the repositories of the configured source
// organizations and classifies each as a raw or derivative dataset from its
// dataset_description.json.
package discovery

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/openneuro-studies/openneuro-studies/pkg/config"
	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
	"github.com/openneuro-studies/openneuro-studies/pkg/forge"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
)

// DefaultMaxWorkers is the per-organization worker-pool size
const DefaultMaxWorkers = 8

// descriptionFile is fetched once per repository to classify it
const descriptionFile = "dataset_description.json"

var sourceIDPattern = regexp.MustCompile(`(ds\d{6})`)

// dataladIDPattern matches the dataset id line of a .datalad/config file
var dataladIDPattern = regexp.MustCompile(`(?m)^\s*id\s*=\s*([0-9a-f-]{36})`)

// Discovered is the classified result of one or more discovery runs
type Discovered struct {
	Raw        []*datasets.Raw        `json:"raw"`
	Derivative []*datasets.Derivative `json:"derivative"`
}

// SourceLookup indexes the raw datasets by id for the organizer
func (d *Discovered) SourceLookup() map[string]*datasets.Raw {
	lookup := make(map[string]*datasets.Raw, len(d.Raw))
	for _, r := range d.Raw {
		lookup[r.DatasetID] = r
	}
	return lookup
}

// ClientFactory builds a forge client for one source spec, resolving its
// access token environment variable. Injectable for tests.
type ClientFactory func(spec config.SourceSpec) forge.Client

// DefaultClientFactory builds REST clients with tokens from the environment
func DefaultClientFactory(spec config.SourceSpec) forge.Client {
	tokenEnv := spec.AccessTokenEnv
	if tokenEnv == "" {
		tokenEnv = config.DefaultAccessTokenEnv
	}
	return forge.NewRESTClient("", os.Getenv(tokenEnv))
}

// Options configures a Finder
type Options struct {
	Config *config.Config

	// Clients builds the forge client per source; defaults to
	// DefaultClientFactory
	Clients ClientFactory

	// Filter restricts discovery to the named dataset ids; empty means all
	Filter []string

	// IncludeDerivatives expands Filter with derivatives whose declared
	// sources intersect the filtered set, transitively
	IncludeDerivatives bool

	// MaxWorkers bounds concurrent per-repository processing
	MaxWorkers int
}

// Finder discovers datasets across all configured sources
type Finder struct {
	cfg                *config.Config
	clients            ClientFactory
	filter             []string
	includeDerivatives bool
	maxWorkers         int
}

// NewFinder returns a Finder
func NewFinder(opts Options) *Finder {
	clients := opts.Clients
	if clients == nil {
		clients = DefaultClientFactory
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	return &Finder{
		cfg:                opts.Config,
		clients:            clients,
		filter:             opts.Filter,
		includeDerivatives: opts.IncludeDerivatives,
		maxWorkers:         workers,
	}
}

// DiscoverAll processes every configured source. Per-repository failures are
// logged and skipped; the batch always runs to completion. Results are sorted
// by (dataset id, url) and derivative ids are assigned deterministically.
func (f *Finder) DiscoverAll(ctx context.Context) (*Discovered, error) {
	filter := f.filter
	if f.includeDerivatives && len(filter) > 0 {
		expanded, err := f.expandFilter(ctx)
		if err != nil {
			return nil, err
		}
		logger.Infof("expanded filter from %d to %d datasets", len(filter), len(expanded))
		filter = expanded
	}

	discovered := &Discovered{}
	for _, spec := range f.cfg.Sources {
		raws, derivs, err := f.discoverSource(ctx, spec, filter)
		if err != nil {
			logger.Warnf("failed to discover %s: %v", spec.Name, err)
			continue
		}
		discovered.Raw = append(discovered.Raw, raws...)
		discovered.Derivative = append(discovered.Derivative, derivs...)
	}

	sortDiscovered(discovered)
	assignDerivativeIDs(discovered.Derivative)
	return discovered, nil
}

// discoverSource lists one organization and classifies each matching
// repository in a worker pool
func (f *Finder) discoverSource(ctx context.Context, spec config.SourceSpec, filter []string) ([]*datasets.Raw, []*datasets.Derivative, error) {
	client := f.clients(spec)
	org := orgName(spec.OrganizationURL)

	repos, err := client.ListRepositories(ctx, org)
	if err != nil {
		return nil, nil, err
	}
	repos = filterRepos(repos, spec.InclusionPatterns, spec.ExclusionPatterns)
	if len(filter) > 0 {
		wanted := make(map[string]struct{}, len(filter))
		for _, id := range filter {
			wanted[id] = struct{}{}
		}
		var selected []forge.Repository
		for _, r := range repos {
			if _, ok := wanted[r.Name]; ok {
				selected = append(selected, r)
			}
		}
		repos = selected
	}
	logger.Infof("processing %d repositories in %s", len(repos), org)

	var mu sync.Mutex
	var raws []*datasets.Raw
	var derivs []*datasets.Derivative

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxWorkers)
	for _, repo := range repos {
		g.Go(func() error {
			raw, deriv := f.processRepo(gctx, client, org, repo)
			mu.Lock()
			defer mu.Unlock()
			if raw != nil {
				raws = append(raws, raw)
			}
			if deriv != nil {
				derivs = append(derivs, deriv)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return raws, derivs, nil
}

// processRepo fetches the description once and classifies the repository.
// Any failure skips the repository.
func (f *Finder) processRepo(ctx context.Context, client forge.Client, org string, repo forge.Repository) (*datasets.Raw, *datasets.Derivative) {
	sha, err := client.GetDefaultBranchSHA(ctx, org, repo.Name)
	if err != nil {
		logger.Debugf("failed to resolve %s/%s: %v", org, repo.Name, err)
		return nil, nil
	}

	data, err := client.GetFileContent(ctx, org, repo.Name, descriptionFile, sha)
	if err != nil {
		logger.Debugf("no usable %s in %s/%s: %v", descriptionFile, org, repo.Name, err)
		return nil, nil
	}
	desc := gjson.ParseBytes(data)
	if !desc.IsObject() {
		logger.Debugf("invalid %s in %s/%s", descriptionFile, org, repo.Name)
		return nil, nil
	}

	if desc.Get("DatasetType").String() == "derivative" {
		return nil, f.buildDerivative(ctx, client, org, repo, sha, desc)
	}
	return buildRaw(repo, sha, desc), nil
}

// buildRaw creates a raw descriptor. DatasetType is optional for raw
// datasets; anything not declared derivative counts as raw.
func buildRaw(repo forge.Repository, sha string, desc gjson.Result) *datasets.Raw {
	bidsVersion := desc.Get("BIDSVersion").String()
	if bidsVersion == "" {
		bidsVersion = "unknown"
	}
	var authors []string
	for _, a := range desc.Get("Authors").Array() {
		authors = append(authors, a.String())
	}
	return &datasets.Raw{
		DatasetID:   repo.Name,
		URL:         repo.CloneURL,
		CommitSHA:   sha,
		BIDSVersion: bidsVersion,
		License:     desc.Get("License").String(),
		Authors:     authors,
	}
}

// buildDerivative creates a derivative descriptor, requiring GeneratedBy and
// at least one resolvable source reference
func (f *Finder) buildDerivative(ctx context.Context, client forge.Client, org string, repo forge.Repository, sha string, desc gjson.Result) *datasets.Derivative {
	generatedBy := desc.Get("GeneratedBy").Array()
	if len(generatedBy) == 0 {
		logger.Debugf("derivative %s/%s has no GeneratedBy", org, repo.Name)
		return nil
	}
	toolName := generatedBy[0].Get("Name").String()
	if toolName == "" {
		toolName = "unknown"
	}
	version := generatedBy[0].Get("Version").String()
	if version == "" {
		version = "unknown"
	}

	sources := extractSourceIDs(desc.Get("SourceDatasets"))
	if len(sources) == 0 {
		logger.Debugf("derivative %s/%s declares no resolvable sources", org, repo.Name)
		return nil
	}

	return &datasets.Derivative{
		DatasetID:      repo.Name,
		ToolName:       toolName,
		Version:        version,
		DataladUUID:    f.fetchDataladUUID(ctx, client, org, repo.Name, sha),
		URL:            repo.CloneURL,
		CommitSHA:      sha,
		SourceDatasets: sources,
	}
}

// fetchDataladUUID reads the dataset id from .datalad/config, used to
// disambiguate same tool-version derivatives. Soft failure: missing config
// means no UUID.
func (f *Finder) fetchDataladUUID(ctx context.Context, client forge.Client, org, repo, sha string) string {
	data, err := client.GetFileContent(ctx, org, repo, ".datalad/config", sha)
	if err != nil {
		return ""
	}
	if m := dataladIDPattern.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

// expandFilter discovers all derivatives (unfiltered) and transitively adds
// those whose declared sources intersect the filtered set, so derivatives of
// derivatives are carried along.
func (f *Finder) expandFilter(ctx context.Context) ([]string, error) {
	expanded := make(map[string]struct{}, len(f.filter))
	for _, id := range f.filter {
		expanded[id] = struct{}{}
	}

	// Relationship map: derivative dataset id -> declared source ids
	relations := make(map[string][]string)
	for _, spec := range f.cfg.Sources {
		if spec.Type != config.SourceTypeDerivative {
			continue
		}
		_, derivs, err := f.discoverSource(ctx, spec, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s for derivatives: %w", spec.Name, err)
		}
		for _, d := range derivs {
			relations[d.DatasetID] = d.SourceDatasets
		}
	}

	for {
		added := false
		for id, sources := range relations {
			if _, ok := expanded[id]; ok {
				continue
			}
			for _, source := range sources {
				if _, ok := expanded[source]; ok {
					expanded[id] = struct{}{}
					added = true
					break
				}
			}
		}
		if !added {
			break
		}
	}

	result := make([]string, 0, len(expanded))
	for id := range expanded {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// extractSourceIDs pulls dataset ids out of the SourceDatasets field, which
// may hold strings or objects with URL/DOI members
func extractSourceIDs(field gjson.Result) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, source := range field.Array() {
		ref := source.String()
		if source.IsObject() {
			ref = source.Get("URL").String()
			if ref == "" {
				ref = source.Get("DOI").String()
			}
		}
		if m := sourceIDPattern.FindString(ref); m != "" {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				ids = append(ids, m)
			}
		}
	}
	return ids
}

// filterRepos applies inclusion then exclusion regex patterns to repository
// names
func filterRepos(repos []forge.Repository, inclusion, exclusion []string) []forge.Repository {
	selected := repos
	if len(inclusion) > 0 && !(len(inclusion) == 1 && inclusion[0] == ".*") {
		selected = nil
		for _, r := range repos {
			if matchAny(inclusion, r.Name) {
				selected = append(selected, r)
			}
		}
	}
	if len(exclusion) == 0 {
		return selected
	}
	var kept []forge.Repository
	for _, r := range selected {
		if !matchAny(exclusion, r.Name) {
			kept = append(kept, r)
		}
	}
	return kept
}

// matchAny reports whether any pattern matches at the start of name,
// mirroring prefix-anchored matching. Invalid patterns are logged and skipped.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			logger.Warnf("invalid pattern %q: %v", p, err)
			continue
		}
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// sortDiscovered orders both lists by (dataset id, url) for deterministic
// output
func sortDiscovered(d *Discovered) {
	sort.Slice(d.Raw, func(i, j int) bool {
		if d.Raw[i].DatasetID != d.Raw[j].DatasetID {
			return d.Raw[i].DatasetID < d.Raw[j].DatasetID
		}
		return d.Raw[i].URL < d.Raw[j].URL
	})
	sort.Slice(d.Derivative, func(i, j int) bool {
		if d.Derivative[i].DatasetID != d.Derivative[j].DatasetID {
			return d.Derivative[i].DatasetID < d.Derivative[j].DatasetID
		}
		return d.Derivative[i].URL < d.Derivative[j].URL
	})
}

// assignDerivativeIDs generates tracking ids in sorted order so collisions
// disambiguate the same way on every run
func assignDerivativeIDs(derivs []*datasets.Derivative) {
	var existing []string
	for _, d := range derivs {
		if d.DerivativeID != "" {
			existing = append(existing, d.DerivativeID)
			continue
		}
		d.DerivativeID = datasets.GenerateDerivativeID(d.ToolName, d.Version, d.DataladUUID, existing)
		existing = append(existing, d.DerivativeID)
	}
}

// orgName extracts the organization name from its URL
func orgName(orgURL string) string {
	trimmed := strings.TrimRight(orgURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
