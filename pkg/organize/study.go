package organize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"github.com/openneuro-studies/openneuro-studies/pkg/gitlink"
)

// StudyCreationError reports a failed study repository creation
type StudyCreationError struct {
	StudyID string
	Err     error
}

// Error returns the error message
func (e *StudyCreationError) Error() string {
	return fmt.Sprintf("failed to create study dataset %s: %v", e.StudyID, e.Err)
}

// Unwrap returns the underlying cause
func (e *StudyCreationError) Unwrap() error {
	return e.Err
}

// studyDescription is the dataset_description.json written into a new study
type studyDescription struct {
	Name               string   `json:"Name"`
	BIDSVersion        string   `json:"BIDSVersion"`
	DatasetType        string   `json:"DatasetType"`
	License            string   `json:"License"`
	Authors            []string `json:"Authors"`
	ReferencesAndLinks []string `json:"ReferencesAndLinks"`
}

// CreateStudy creates a study repository with sourcedata/ and derivatives/
// directories and an initial commit carrying its dataset_description.json.
// Idempotent: an existing study repository is returned unchanged; a path that
// exists but is not a repository is an error.
func CreateStudy(studyID, githubOrg, parentPath string) (string, error) {
	studyPath := filepath.Join(parentPath, studyID)

	if _, err := os.Stat(studyPath); err == nil {
		if _, err := git.PlainOpen(studyPath); err == nil {
			return studyPath, nil
		}
		return "", &StudyCreationError{
			StudyID: studyID,
			Err:     fmt.Errorf("path %s exists but is not a git repository", studyPath),
		}
	}

	if _, err := git.PlainInit(studyPath, false); err != nil {
		return "", &StudyCreationError{StudyID: studyID, Err: fmt.Errorf("git init: %w", err)}
	}

	for _, dir := range []string{"sourcedata", "derivatives"} {
		if err := os.MkdirAll(filepath.Join(studyPath, dir), 0o755); err != nil {
			return "", &StudyCreationError{StudyID: studyID, Err: err}
		}
	}

	desc := studyDescription{
		Name:        fmt.Sprintf("Study dataset for %s", studyID),
		BIDSVersion: "1.10.1",
		DatasetType: "study",
		License:     "CC0",
		Authors:     []string{"OpenNeuroStudies Contributors"},
		ReferencesAndLinks: []string{
			"https://openneuro.org",
			fmt.Sprintf("https://github.com/%s/%s", githubOrg, studyID),
			"https://bids.neuroimaging.io/extensions/beps/bep_035.html",
		},
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", &StudyCreationError{StudyID: studyID, Err: err}
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(studyPath, "dataset_description.json"), data, 0o644); err != nil {
		return "", &StudyCreationError{StudyID: studyID, Err: err}
	}

	if err := stageAndCommitInit(studyPath, studyID); err != nil {
		return "", &StudyCreationError{StudyID: studyID, Err: err}
	}
	return studyPath, nil
}

// stageAndCommitInit stages the description file and makes the initial commit
func stageAndCommitInit(studyPath, studyID string) error {
	repo, err := git.PlainOpen(studyPath)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Add("dataset_description.json"); err != nil {
		return err
	}
	return gitlink.Commit(studyPath, fmt.Sprintf("Initialize %s study dataset", studyID))
}
