// Package sparse provides read access to git-annex datasets without
// materializing their content: tree listings from the current commit,
// file sizes decoded from annex keys, and bounded-prefix reads of remote
// files resolved through annex location tracking.
package sparse

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/tidwall/gjson"

	"github.com/openneuro-studies/openneuro-studies/pkg/httpclient"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
)

// EntryKind is the object kind of one tree entry
type EntryKind int

const (
	// KindBlob is a regular file or symlink blob
	KindBlob EntryKind = iota

	// KindTree is a directory
	KindTree

	// KindGitlink is a nested repository reference (mode 160000)
	KindGitlink
)

// Entry is one row of the repository tree listing at the current commit
type Entry struct {
	// Path is the slash-separated path relative to the repository root
	Path string

	// Kind is the object kind
	Kind EntryKind

	// Mode is the raw git file mode
	Mode filemode.FileMode
}

// NotFoundError reports a file whose content could not be located on any
// HTTP-reachable remote
type NotFoundError struct {
	Path string
}

// Error returns the error message
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no remote URL found for %s", e.Path)
}

// Session provides sparse access to one repository. A session caches the
// tree listing for its lifetime and must not be shared across goroutines;
// each worker opens its own.
type Session struct {
	path    string
	repo    *git.Repository
	tree    *object.Tree
	entries []Entry
	runner  CommandRunner
	http    httpclient.Client
}

// Open opens a sparse-access session on the repository at path
func Open(path string) (*Session, error) {
	return OpenWith(path, NewExecRunner(), httpclient.NewDefaultClient(0))
}

// OpenWith opens a session with an explicit command runner and HTTP client
func OpenWith(path string, runner CommandRunner, client httpclient.Client) (*Session, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return &Session{
		path:   path,
		repo:   repo,
		runner: runner,
		http:   client,
	}, nil
}

// Close releases the cached tree listing. The session must not be used
// after Close.
func (s *Session) Close() error {
	s.entries = nil
	s.tree = nil
	s.repo = nil
	return nil
}

// headTree resolves and caches the tree of the current HEAD commit
func (s *Session) headTree() (*object.Tree, error) {
	if s.tree != nil {
		return s.tree, nil
	}
	ref, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read commit tree: %w", err)
	}
	s.tree = tree
	return tree, nil
}

// listEntries builds (once) the full recursive tree listing. Underlying git
// failures are logged and yield an empty listing: partial sparse access
// across thousands of repositories must keep going.
func (s *Session) listEntries() []Entry {
	if s.entries != nil {
		return s.entries
	}

	tree, err := s.headTree()
	if err != nil {
		logger.Warnf("failed to list tree for %s: %v", s.path, err)
		s.entries = []Entry{}
		return s.entries
	}

	var entries []Entry
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warnf("failed to walk tree for %s: %v", s.path, err)
			s.entries = []Entry{}
			return s.entries
		}

		kind := KindBlob
		switch entry.Mode {
		case filemode.Dir:
			kind = KindTree
		case filemode.Submodule:
			kind = KindGitlink
		}
		entries = append(entries, Entry{Path: name, Kind: kind, Mode: entry.Mode})
	}

	s.entries = entries
	return entries
}

// ListFiles returns all blob paths in the current commit matching pattern,
// sorted. Patterns containing "**" are translated to an anchored regex where
// "**" spans path separators and "*" does not; plain patterns use glob
// semantics where "*" matches any run of characters.
func (s *Session) ListFiles(pattern string) []string {
	var files []string
	for _, e := range s.listEntries() {
		if e.Kind == KindBlob {
			files = append(files, e.Path)
		}
	}

	if pattern != "*" && pattern != "" {
		matcher, err := compileGlob(pattern)
		if err != nil {
			logger.Warnf("invalid file pattern %q: %v", pattern, err)
			return nil
		}
		var matched []string
		for _, f := range files {
			if matcher.MatchString(f) {
				matched = append(matched, f)
			}
		}
		files = matched
	}

	sort.Strings(files)
	return files
}

// ListDirs returns the unique ancestor directory paths implied by all tree
// paths, filtered by pattern and sorted. A pattern without a path separator
// matches against the bare directory name; otherwise against the full path.
func (s *Session) ListDirs(pattern string) []string {
	dirSet := make(map[string]struct{})
	for _, e := range s.listEntries() {
		parts := strings.Split(e.Path, "/")
		for i := 1; i < len(parts); i++ {
			dirSet[strings.Join(parts[:i], "/")] = struct{}{}
		}
		if e.Kind == KindTree || e.Kind == KindGitlink {
			dirSet[e.Path] = struct{}{}
		}
	}

	var dirs []string
	if pattern != "*" && pattern != "" {
		matcher, err := compileGlob(pattern)
		if err != nil {
			logger.Warnf("invalid directory pattern %q: %v", pattern, err)
			return nil
		}
		byName := !strings.Contains(pattern, "/")
		for d := range dirSet {
			subject := d
			if byName {
				subject = d[strings.LastIndex(d, "/")+1:]
			}
			if matcher.MatchString(subject) {
				dirs = append(dirs, d)
			}
		}
	} else {
		for d := range dirSet {
			dirs = append(dirs, d)
		}
	}

	sort.Strings(dirs)
	return dirs
}

// BIDSDatatypes is the closed set of BIDS datatype directory names
var BIDSDatatypes = map[string]struct{}{
	"anat": {}, "func": {}, "dwi": {}, "fmap": {}, "perf": {},
	"meg": {}, "eeg": {}, "ieeg": {}, "beh": {}, "pet": {},
	"micr": {}, "nirs": {}, "motion": {},
}

// ListBIDSDatatypes returns the set of BIDS datatype directories present
// anywhere in the dataset
func (s *Session) ListBIDSDatatypes() map[string]struct{} {
	datatypes := make(map[string]struct{})
	for _, d := range s.ListDirs("*") {
		name := d[strings.LastIndex(d, "/")+1:]
		if _, ok := BIDSDatatypes[name]; ok {
			datatypes[name] = struct{}{}
		}
	}
	return datatypes
}

// FileSize resolves a file's size from its annex key without downloading
// content. Resolution order: on-disk symlink target, blob content at the
// current commit, then a live annex lookup. Returns ok=false when the size
// cannot be determined.
func (s *Session) FileSize(ctx context.Context, path string) (int64, bool) {
	// On-disk symlink (partial checkouts keep annex pointers as symlinks)
	if target, err := os.Readlink(filepath.Join(s.path, path)); err == nil {
		if size, ok := ParseAnnexKeySize(target); ok {
			return size, true
		}
	}

	// Blob content at HEAD: for annexed files this is the symlink target or
	// the pointer-file body, both of which embed the key
	if tree, err := s.headTree(); err == nil {
		if file, err := tree.File(path); err == nil {
			if content, err := file.Contents(); err == nil {
				if size, ok := ParseAnnexKeySize(strings.TrimSpace(content)); ok {
					return size, true
				}
			}
		}
	}

	// Live annex query as last resort
	out, err := s.runner.Run(ctx, s.path, "git", "annex", "lookupkey", path)
	if err == nil {
		if size, ok := ParseAnnexKeySize(strings.TrimSpace(string(out))); ok {
			return size, true
		}
	} else {
		logger.Debugf("annex lookupkey failed for %s: %v", path, err)
	}

	return 0, false
}

// OpenFile opens a bounded-prefix read stream for an annexed file, resolved
// to an HTTP(S) URL via annex location tracking. The caller must close the
// returned stream; only a prefix of the content is expected to be read.
func (s *Session) OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	url, err := s.remoteURL(ctx, path)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, &NotFoundError{Path: path}
	}

	stream, err := s.http.Stream(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s from %s: %w", path, url, err)
	}
	return stream, nil
}

// remoteURL resolves the first HTTP(S) URL registered for a file across
// trusted and untrusted annex remotes
func (s *Session) remoteURL(ctx context.Context, path string) (string, error) {
	out, err := s.runner.Run(ctx, s.path, "git", "annex", "whereis", "--json", path)
	if err != nil {
		logger.Debugf("git annex whereis failed for %s: %v", path, err)
		return "", &NotFoundError{Path: path}
	}

	doc := gjson.ParseBytes(out)
	for _, section := range []string{"whereis", "untrusted"} {
		var found string
		doc.Get(section).ForEach(func(_, remote gjson.Result) bool {
			remote.Get("urls").ForEach(func(_, u gjson.Result) bool {
				if strings.HasPrefix(u.String(), "http") {
					found = u.String()
					return false
				}
				return true
			})
			return found == ""
		})
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}
