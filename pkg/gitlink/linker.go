// Package gitlink registers nested repositories as submodules of a parent
// repository without fetching them: a .gitmodules stanza plus a gitlink-mode
// index entry pinned at a specific commit.
package gitlink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	gitcfg "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
)

// GitmodulesFile is the module-declaration file at the repository root
const GitmodulesFile = ".gitmodules"

// Fallback committer identity when the repository carries no user config
const (
	defaultAuthorName  = "OpenNeuroStudies Bot"
	defaultAuthorEmail = "bot@openneurostudies.org"
)

// LinkError reports a failed submodule registration
type LinkError struct {
	Name string
	Path string
	Err  error
}

// Error returns the error message
func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link submodule %s at %s: %v", e.Name, e.Path, e.Err)
}

// Unwrap returns the underlying cause
func (e *LinkError) Unwrap() error {
	return e.Err
}

// Link registers a submodule at path in the parent repository, pinned at
// commitSHA, without cloning. The path's parent directory is created on disk;
// the leaf directory is not (a gitlink with an empty checked-out directory is
// an inconsistent state) — CreateMarkerDir adds it after the nested commit.
// Name defaults to the path with separators flattened. A non-empty dataladID
// adds the datalad-id and datalad-url fields to the stanza. All effects
// succeed together or the operation fails with a LinkError.
func Link(parentRepo, path, url, commitSHA, name, dataladID string) error {
	if name == "" {
		name = strings.ReplaceAll(path, "/", "-")
	}
	if err := link(parentRepo, path, url, commitSHA, name, dataladID); err != nil {
		return &LinkError{Name: name, Path: path, Err: err}
	}
	return nil
}

func link(parentRepo, path, url, commitSHA, name, dataladID string) error {
	if err := datasets.ValidateCommitSHA(commitSHA); err != nil {
		return err
	}

	fs := osfs.New(parentRepo)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	modules, err := loadModules(fs)
	if err != nil {
		return err
	}
	stanza := modules.Section("submodule").Subsection(name)
	stanza.SetOption("path", path)
	stanza.SetOption("url", url)
	if dataladID != "" {
		stanza.SetOption("datalad-id", dataladID)
		stanza.SetOption("datalad-url", url)
	}
	if err := saveModules(fs, modules); err != nil {
		return err
	}

	repo, err := git.PlainOpen(parentRepo)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	if err := stageGitmodules(repo); err != nil {
		return err
	}
	return setIndexGitlink(repo, path, plumbing.NewHash(commitSHA))
}

// IsLinked reports whether the module-declaration file already declares an
// entry at path. Read-only.
func IsLinked(parentRepo, path string) bool {
	modules, err := loadModules(osfs.New(parentRepo))
	if err != nil {
		return false
	}
	return findStanza(modules, path) != nil
}

// Declaration is one submodule stanza from the module-declaration file
type Declaration struct {
	Name string
	Path string
	URL  string
}

// Declared returns every submodule declared by the parent repository,
// in declaration order. Read-only.
func Declared(parentRepo string) ([]Declaration, error) {
	modules, err := loadModules(osfs.New(parentRepo))
	if err != nil {
		return nil, err
	}

	var decls []Declaration
	for _, sub := range modules.Section("submodule").Subsections {
		decls = append(decls, Declaration{
			Name: sub.Name,
			Path: sub.Option("path"),
			URL:  sub.Option("url"),
		})
	}
	return decls, nil
}

// Rename moves an existing link to a new path: the declared path is updated,
// the old index entry removed, and a gitlink re-inserted at the new path with
// the original pinned commit. The new marker directory is created and the old
// one removed when empty.
func Rename(parentRepo, oldPath, newPath string) error {
	fs := osfs.New(parentRepo)
	modules, err := loadModules(fs)
	if err != nil {
		return err
	}
	stanza := findStanza(modules, oldPath)
	if stanza == nil {
		return fmt.Errorf("no submodule declared at %s", oldPath)
	}
	stanza.SetOption("path", newPath)
	if err := saveModules(fs, modules); err != nil {
		return err
	}

	repo, err := git.PlainOpen(parentRepo)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	if err := stageGitmodules(repo); err != nil {
		return err
	}

	idx, err := repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	var commit plumbing.Hash
	found := false
	kept := idx.Entries[:0]
	for _, entry := range idx.Entries {
		if entry.Name == oldPath && entry.Mode == filemode.Submodule {
			commit = entry.Hash
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return fmt.Errorf("no gitlink index entry at %s", oldPath)
	}
	idx.Entries = append(kept, &index.Entry{
		Name: newPath,
		Hash: commit,
		Mode: filemode.Submodule,
	})
	if err := repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	if err := CreateMarkerDir(parentRepo, newPath); err != nil {
		return err
	}
	// Best effort: the old marker disappears only when empty
	_ = fs.Remove(oldPath)
	return nil
}

// CreateMarkerDir creates the empty directory for a linked path so the
// gitlink does not show as deleted in status. Deliberately a separate step
// from Link, performed after the nested repository's commit.
func CreateMarkerDir(parentRepo, path string) error {
	if err := osfs.New(parentRepo).MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory %s: %w", path, err)
	}
	return nil
}

// Commit commits the repository's staged index. Gitlink entries inserted
// through the low-level index must be committed this way; higher-level save
// tooling does not reliably pick them up.
func Commit(repoPath, message string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author:            signature(repo),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", repoPath, err)
	}
	return nil
}

// signature resolves the author from the repository's config chain, falling
// back to the fixed bot identity
func signature(repo *git.Repository) *object.Signature {
	name, email := defaultAuthorName, defaultAuthorEmail
	if cfg, err := repo.Config(); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}

// loadModules parses the module-declaration file; absent file yields an
// empty config
func loadModules(fs billy.Filesystem) (*gitcfg.Config, error) {
	modules := gitcfg.New()
	f, err := fs.Open(GitmodulesFile)
	if os.IsNotExist(err) {
		return modules, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", GitmodulesFile, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := gitcfg.NewDecoder(f).Decode(modules); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", GitmodulesFile, err)
	}
	return modules, nil
}

// saveModules writes the module-declaration file atomically
func saveModules(fs billy.Filesystem, modules *gitcfg.Config) error {
	var buf strings.Builder
	if err := gitcfg.NewEncoder(&buf).Encode(modules); err != nil {
		return fmt.Errorf("failed to encode %s: %w", GitmodulesFile, err)
	}

	tmp := GitmodulesFile + ".tmp"
	if err := util.WriteFile(fs, tmp, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, GitmodulesFile); err != nil {
		return fmt.Errorf("failed to replace %s: %w", GitmodulesFile, err)
	}
	return nil
}

// findStanza returns the submodule stanza declaring path, or nil
func findStanza(modules *gitcfg.Config, path string) *gitcfg.Subsection {
	for _, sub := range modules.Section("submodule").Subsections {
		if sub.Option("path") == path {
			return sub
		}
	}
	return nil
}

// stageGitmodules stages the module-declaration file
func stageGitmodules(repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if _, err := wt.Add(GitmodulesFile); err != nil {
		return fmt.Errorf("failed to stage %s: %w", GitmodulesFile, err)
	}
	return nil
}

// setIndexGitlink upserts a gitlink-mode entry in the low-level index
func setIndexGitlink(repo *git.Repository, path string, commit plumbing.Hash) error {
	idx, err := repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	updated := false
	for _, entry := range idx.Entries {
		if entry.Name == path {
			entry.Hash = commit
			entry.Mode = filemode.Submodule
			updated = true
			break
		}
	}
	if !updated {
		idx.Entries = append(idx.Entries, &index.Entry{
			Name: path,
			Hash: commit,
			Mode: filemode.Submodule,
		})
	}

	if err := repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}
