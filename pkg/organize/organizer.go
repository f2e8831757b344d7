// Package organize places discovered datasets into study repositories:
// no-clone submodule links, per-study locking, and a single batch commit of
// the parent repository per run.
package organize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/openneuro-studies/openneuro-studies/pkg/config"
	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
	"github.com/openneuro-studies/openneuro-studies/pkg/gitlink"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
	"github.com/openneuro-studies/openneuro-studies/pkg/status"
	"github.com/openneuro-studies/openneuro-studies/pkg/unorganized"
)

// SourcedataRawPath is the fixed link path for a study's own raw dataset
const SourcedataRawPath = "sourcedata/raw"

// DefaultJobs is the worker-pool size for batch organization
const DefaultJobs = 4

// SourceLookup resolves declared source dataset ids to their discovered
// descriptors, including ones persisted by earlier discovery runs
type SourceLookup map[string]*datasets.Raw

// OrganizationError wraps any failure to organize one dataset
type OrganizationError struct {
	DatasetID string
	Err       error
}

// Error returns the error message
func (e *OrganizationError) Error() string {
	return fmt.Sprintf("failed to organize %s: %v", e.DatasetID, e.Err)
}

// Unwrap returns the underlying cause
func (e *OrganizationError) Unwrap() error {
	return e.Err
}

// SourceNotFoundError reports a declared source missing from the discovered
// set. A placeholder link is never substituted.
type SourceNotFoundError struct {
	SourceID     string
	DerivativeID string
}

// Error returns the error message
func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source %s of derivative %s not found in discovered set", e.SourceID, e.DerivativeID)
}

// Options configures an Organizer
type Options struct {
	Config *config.Config

	// ParentPath is the top-level parent repository all studies live in
	ParentPath string

	// Locks is the shared lock registry; one per Organizer
	Locks *LockRegistry

	// Lookup resolves source ids for multi-source derivatives
	Lookup SourceLookup

	// Unorganized records datasets that could not be placed; optional
	Unorganized *unorganized.Tracker

	// Status tracks per-study lifecycle state; optional
	Status *status.Tracker
}

// Organizer places dataset descriptors into study repositories. Safe for
// concurrent use; all index mutations go through the lock registry.
type Organizer struct {
	cfg         *config.Config
	parentPath  string
	locks       *LockRegistry
	lookup      SourceLookup
	unorganized *unorganized.Tracker
	status      *status.Tracker

	mu        sync.Mutex
	organized []string
}

// New returns an Organizer
func New(opts Options) *Organizer {
	locks := opts.Locks
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &Organizer{
		cfg:         opts.Config,
		parentPath:  opts.ParentPath,
		locks:       locks,
		lookup:      opts.Lookup,
		unorganized: opts.Unorganized,
		status:      opts.Status,
	}
}

// Result is the outcome of a batch run
type Result struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// Organize places one dataset. The placement decision is an exhaustive match
// over the descriptor kind: raw datasets get their own study, single-source
// derivatives join their source's study, multi-source derivatives get a study
// keyed by their own derivative id with every source linked alongside.
// Returns the study path. A partially organized study is left in place for
// idempotent retry.
func (o *Organizer) Organize(ctx context.Context, desc datasets.Descriptor) (string, error) {
	var studyPath string
	var err error

	switch d := desc.(type) {
	case *datasets.Raw:
		studyPath, err = o.organizeRaw(ctx, d)
	case *datasets.Derivative:
		switch d.Kind() {
		case datasets.KindSingleSourceDerivative:
			studyPath, err = o.organizeSingleSource(ctx, d)
		case datasets.KindMultiSourceDerivative:
			studyPath, err = o.organizeMultiSource(ctx, d)
		default:
			err = fmt.Errorf("derivative %s declares no sources", d.DatasetID)
		}
	default:
		err = fmt.Errorf("unknown descriptor kind %s", desc.Kind())
	}

	if err != nil {
		return "", &OrganizationError{DatasetID: desc.ID(), Err: err}
	}

	o.advanceStatus(desc.ID(), studyPath)
	return studyPath, nil
}

// OrganizeAll organizes a batch concurrently and finishes with one parent
// repository commit covering every study organized this run. Individual
// failures are captured per dataset and never abort the batch; only the
// final parent commit is batch-fatal.
func (o *Organizer) OrganizeAll(ctx context.Context, batch []datasets.Descriptor, jobs int) (*Result, error) {
	if jobs <= 0 {
		jobs = DefaultJobs
	}

	result := &Result{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, desc := range batch {
		g.Go(func() error {
			studyPath, err := o.Organize(gctx, desc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warnf("%v", err)
				result.Failed++
				result.Errors = append(result.Errors, err)
				o.recordUnorganized(desc, unorganized.ReasonOrganizationError, err.Error())
				return nil
			}
			logger.Infof("organized %s -> %s", desc.ID(), studyPath)
			result.Succeeded++
			return nil
		})
	}
	// Workers only record their outcome; the join is the fan-in barrier
	// before the parent commit.
	_ = g.Wait()

	if err := o.CommitParent(); err != nil {
		return result, err
	}
	return result, nil
}

// CommitParent commits the parent repository once for all studies organized
// since the previous commit. Guarded by the in-process parent mutex and a
// cross-process file lock.
func (o *Organizer) CommitParent() error {
	o.mu.Lock()
	count := len(o.organized)
	o.organized = nil
	o.mu.Unlock()
	if count == 0 {
		return nil
	}

	unlock := o.locks.LockParent()
	defer unlock()

	fl := flock.New(filepath.Join(o.parentPath, ".git", "openneuro-studies.lock"))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock parent repository: %w", err)
	}
	defer func() {
		_ = fl.Unlock()
	}()

	msg := fmt.Sprintf("Organize %d studies", count)
	if count == 1 {
		msg = "Organize 1 study"
	}
	return gitlink.Commit(o.parentPath, msg)
}

// organizeRaw creates study-{id} and links the dataset itself at the fixed
// sourcedata/raw path
func (o *Organizer) organizeRaw(_ context.Context, d *datasets.Raw) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	studyID := "study-" + d.DatasetID
	studyPath := filepath.Join(o.parentPath, studyID)

	unlock := o.locks.Lock(studyPath)
	defer unlock()

	if _, err := CreateStudy(studyID, o.cfg.GitHubOrg, o.parentPath); err != nil {
		return "", err
	}

	linked, err := o.linkOne(studyPath, SourcedataRawPath, d.URL, d.CommitSHA, d.DatasetID+"-raw", "")
	if err != nil {
		return "", err
	}
	if linked {
		msg := fmt.Sprintf("Link raw dataset %s\n\nAdded %s submodule pointing to %s @ %s",
			d.DatasetID, SourcedataRawPath, d.URL, shortSHA(d.CommitSHA))
		if err := gitlink.Commit(studyPath, msg); err != nil {
			return "", err
		}
	}
	if err := gitlink.CreateMarkerDir(studyPath, SourcedataRawPath); err != nil {
		return "", err
	}

	return studyPath, o.registerStudy(studyID, studyPath)
}

// organizeSingleSource links a derivative into its source's study
func (o *Organizer) organizeSingleSource(_ context.Context, d *datasets.Derivative) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	sourceID := d.SourceDatasets[0]
	if !datasets.ValidDatasetID(sourceID) {
		o.recordUnorganized(d, unorganized.ReasonInvalidSourceReference,
			fmt.Sprintf("source %q is not a valid dataset id", sourceID))
		return "", fmt.Errorf("invalid source reference %q", sourceID)
	}

	studyID := "study-" + sourceID
	studyPath := filepath.Join(o.parentPath, studyID)

	unlock := o.locks.Lock(studyPath)
	defer unlock()

	// The source must be known: either discovered (this run or a persisted
	// earlier one) or already organized on disk.
	if _, known := o.lookup[sourceID]; !known {
		if _, err := os.Stat(studyPath); err != nil {
			o.recordUnorganized(d, unorganized.ReasonRawDatasetNotFound,
				fmt.Sprintf("source %s has not been discovered or organized", sourceID))
			return "", &SourceNotFoundError{SourceID: sourceID, DerivativeID: d.DerivativeID}
		}
	}

	if _, err := CreateStudy(studyID, o.cfg.GitHubOrg, o.parentPath); err != nil {
		return "", err
	}

	derivPath := "derivatives/" + datasets.DerivativeDirName(d.ToolName, d.Version, d.DatasetID)
	linked, err := o.linkOne(studyPath, derivPath, d.URL, d.CommitSHA, d.DatasetID, d.DataladUUID)
	if err != nil {
		return "", err
	}
	if linked {
		msg := fmt.Sprintf("Link derivative %s\n\nAdded %s submodule for %s %s",
			d.DerivativeID, derivPath, d.ToolName, d.Version)
		if err := gitlink.Commit(studyPath, msg); err != nil {
			return "", err
		}
	}
	if err := gitlink.CreateMarkerDir(studyPath, derivPath); err != nil {
		return "", err
	}

	return studyPath, o.registerStudy(studyID, studyPath)
}

// organizeMultiSource creates a study keyed by the derivative's own id and
// links every declared source next to the derivative. Every source must
// resolve through the lookup table; a placeholder URL or commit is never
// written.
func (o *Organizer) organizeMultiSource(_ context.Context, d *datasets.Derivative) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	sources := make([]*datasets.Raw, 0, len(d.SourceDatasets))
	for _, sourceID := range d.SourceDatasets {
		if !datasets.ValidDatasetID(sourceID) {
			o.recordUnorganized(d, unorganized.ReasonInvalidSourceReference,
				fmt.Sprintf("source %q is not a valid dataset id", sourceID))
			return "", fmt.Errorf("invalid source reference %q", sourceID)
		}
		source, ok := o.lookup[sourceID]
		if !ok {
			o.recordUnorganized(d, unorganized.ReasonMultiSourceIncomplete,
				fmt.Sprintf("source %s not found in discovered set", sourceID))
			return "", &SourceNotFoundError{SourceID: sourceID, DerivativeID: d.DerivativeID}
		}
		sources = append(sources, source)
	}

	studyID := "study-" + d.DerivativeID
	studyPath := filepath.Join(o.parentPath, studyID)

	unlock := o.locks.Lock(studyPath)
	defer unlock()

	if _, err := CreateStudy(studyID, o.cfg.GitHubOrg, o.parentPath); err != nil {
		return "", err
	}

	var linkedPaths []string
	anyLinked := false
	for _, source := range sources {
		sourcePath := "sourcedata/" + source.DatasetID
		linked, err := o.linkOne(studyPath, sourcePath, source.URL, source.CommitSHA, source.DatasetID+"-raw", "")
		if err != nil {
			return "", err
		}
		anyLinked = anyLinked || linked
		linkedPaths = append(linkedPaths, sourcePath)
	}

	derivPath := "derivatives/" + datasets.DerivativeDirName(d.ToolName, d.Version, d.DatasetID)
	linked, err := o.linkOne(studyPath, derivPath, d.URL, d.CommitSHA, d.DatasetID, d.DataladUUID)
	if err != nil {
		return "", err
	}
	anyLinked = anyLinked || linked
	linkedPaths = append(linkedPaths, derivPath)

	if anyLinked {
		msg := fmt.Sprintf("Link multi-source derivative %s\n\nAdded %d source datasets and derivative %s",
			d.DerivativeID, len(sources), d.ToolName)
		if err := gitlink.Commit(studyPath, msg); err != nil {
			return "", err
		}
	}
	for _, p := range linkedPaths {
		if err := gitlink.CreateMarkerDir(studyPath, p); err != nil {
			return "", err
		}
	}

	return studyPath, o.registerStudy(studyID, studyPath)
}

// linkOne links a submodule unless the path is already declared. The check
// runs inside the caller's study lock.
func (o *Organizer) linkOne(studyPath, path, url, sha, name, dataladID string) (bool, error) {
	if gitlink.IsLinked(studyPath, path) {
		return false, nil
	}
	if err := gitlink.Link(studyPath, path, url, sha, name, dataladID); err != nil {
		return false, err
	}
	return true, nil
}

// registerStudy links the study itself as a submodule of the parent
// repository, after the study's own commit, under the parent lock. The batch
// commit happens later in CommitParent.
func (o *Organizer) registerStudy(studyID, studyPath string) error {
	head, err := headSHA(studyPath)
	if err != nil {
		return err
	}

	unlock := o.locks.LockParent()
	defer unlock()

	if err := o.ensureParentRepo(); err != nil {
		return err
	}
	url := fmt.Sprintf("https://github.com/%s/%s", o.cfg.GitHubOrg, studyID)
	if err := gitlink.Link(o.parentPath, studyID, url, head, studyID, ""); err != nil {
		return err
	}

	o.mu.Lock()
	o.organized = append(o.organized, studyID)
	o.mu.Unlock()
	return nil
}

// ensureParentRepo initializes the parent repository on first use. Caller
// holds the parent lock.
func (o *Organizer) ensureParentRepo() error {
	if _, err := git.PlainOpen(o.parentPath); err == nil {
		return nil
	}
	if _, err := git.PlainInit(o.parentPath, false); err != nil {
		return fmt.Errorf("failed to init parent repository %s: %w", o.parentPath, err)
	}
	return nil
}

// advanceStatus moves a study to the organized state; the tracker is optional
func (o *Organizer) advanceStatus(datasetID, studyPath string) {
	if o.status == nil {
		return
	}
	studyID := filepath.Base(studyPath)
	msg := fmt.Sprintf("organized %s", datasetID)
	err := o.status.Advance(studyID, status.StateOrganized, msg)
	if err != nil {
		// Studies organized from a direct target have no discovery record yet
		if seedErr := o.status.Advance(studyID, status.StateDiscovered, msg); seedErr == nil {
			err = o.status.Advance(studyID, status.StateOrganized, msg)
		}
	}
	if err != nil {
		logger.Debugf("status update for %s: %v", studyID, err)
	}
}

// recordUnorganized adds a tracker record; the tracker is optional
func (o *Organizer) recordUnorganized(desc datasets.Descriptor, reason unorganized.Reason, notes string) {
	if o.unorganized == nil {
		return
	}

	rec := &unorganized.Record{
		DatasetID:    desc.ID(),
		Reason:       reason,
		DiscoveredAt: time.Now().UTC().Format(time.RFC3339),
		Notes:        notes,
	}
	if d, ok := desc.(*datasets.Derivative); ok {
		rec.DerivativeID = d.DerivativeID
		rec.ToolName = d.ToolName
		rec.Version = d.Version
		rec.URL = d.URL
		rec.CommitSHA = d.CommitSHA
		rec.DataladUUID = d.DataladUUID
		rec.SourceDatasets = d.SourceDatasets
	} else if r, ok := desc.(*datasets.Raw); ok {
		rec.URL = r.URL
		rec.CommitSHA = r.CommitSHA
	}

	if err := o.unorganized.Add(rec); err != nil {
		logger.Warnf("failed to record unorganized dataset %s: %v", desc.ID(), err)
	}
}

// headSHA returns the current HEAD commit of a repository
func headSHA(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD of %s: %w", repoPath, err)
	}
	return ref.Hash().String(), nil
}

// shortSHA abbreviates a commit id for log and commit messages
func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
