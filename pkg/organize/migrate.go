package organize

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
	"github.com/openneuro-studies/openneuro-studies/pkg/gitlink"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
)

// MigrationChange is one submodule path rename within a study
type MigrationChange struct {
	StudyID string
	OldPath string
	NewPath string
}

// MigrationResult summarizes a migration run
type MigrationResult struct {
	// Migrated counts studies where at least one path changed
	Migrated int

	// Skipped counts studies already following the naming conventions
	Skipped int

	Changes []MigrationChange
}

// Migrate renames submodule paths in existing studies to the current naming
// conventions: sourcedata/raw becomes sourcedata/{dataset_id}, unusable tool
// names become custom-{dataset_id}, and remaining derivative directory names
// are sanitized. Pinned commit ids are preserved through every rename. With
// dryRun the planned changes are returned without touching anything. An empty
// studyIDs selects every study-* directory under parentPath.
func Migrate(parentPath string, studyIDs []string, dryRun bool) (*MigrationResult, error) {
	studies, err := selectStudies(parentPath, studyIDs)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	for _, studyID := range studies {
		studyPath := filepath.Join(parentPath, studyID)
		changes, err := planStudyMigration(studyID, studyPath)
		if err != nil {
			logger.Warnf("failed to inspect %s: %v", studyID, err)
			continue
		}
		if len(changes) == 0 {
			result.Skipped++
			continue
		}

		result.Changes = append(result.Changes, changes...)
		if dryRun {
			result.Migrated++
			continue
		}

		applied := 0
		for _, c := range changes {
			if err := gitlink.Rename(studyPath, c.OldPath, c.NewPath); err != nil {
				logger.Warnf("failed to rename %s -> %s in %s: %v", c.OldPath, c.NewPath, studyID, err)
				continue
			}
			applied++
		}
		if applied == 0 {
			result.Skipped++
			continue
		}
		msg := "Migrate to new naming conventions\n\n" +
			"- Renamed sourcedata/raw to sourcedata/{dataset_id}\n" +
			"- Sanitized derivative directory names"
		if err := gitlink.Commit(studyPath, msg); err != nil {
			logger.Warnf("failed to commit migration of %s: %v", studyID, err)
		}
		result.Migrated++
	}
	return result, nil
}

// planStudyMigration lists the renames one study needs
func planStudyMigration(studyID, studyPath string) ([]MigrationChange, error) {
	decls, err := gitlink.Declared(studyPath)
	if err != nil {
		return nil, err
	}

	var changes []MigrationChange
	for _, decl := range decls {
		newPath := migratedPath(decl.Path, decl.URL, decl.Name)
		if newPath != "" && newPath != decl.Path {
			changes = append(changes, MigrationChange{
				StudyID: studyID,
				OldPath: decl.Path,
				NewPath: newPath,
			})
		}
	}
	return changes, nil
}

// migratedPath computes the convention-conforming path for one declared
// submodule, or "" when the declaration is outside migration scope
func migratedPath(path, url, name string) string {
	if path == SourcedataRawPath {
		id := datasetIDFromURL(url)
		if id == "" {
			return ""
		}
		return "sourcedata/" + id
	}

	dir, ok := strings.CutPrefix(path, "derivatives/")
	if !ok {
		return ""
	}
	lower := strings.ToLower(dir)
	if strings.HasPrefix(lower, "custom code") || dir == "unknown" {
		id := datasetIDFromURL(url)
		if id == "" {
			id = name
		}
		return "derivatives/custom-" + id
	}
	return "derivatives/" + datasets.SanitizeName(dir)
}

// datasetIDFromURL extracts the dataset id from a repository URL
func datasetIDFromURL(url string) string {
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, ".git")
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	return url
}

// selectStudies resolves the target study list: explicit ids, or every
// study-* directory
func selectStudies(parentPath string, studyIDs []string) ([]string, error) {
	if len(studyIDs) > 0 {
		var studies []string
		for _, id := range studyIDs {
			if _, err := os.Stat(filepath.Join(parentPath, id)); err != nil {
				logger.Warnf("study %s not found, skipping", id)
				continue
			}
			studies = append(studies, id)
		}
		return studies, nil
	}

	entries, err := os.ReadDir(parentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parentPath, err)
	}
	var studies []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "study-") {
			studies = append(studies, entry.Name())
		}
	}
	sort.Strings(studies)
	return studies, nil
}
