package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openneuro-studies/openneuro-studies/pkg/extraction"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
	"github.com/openneuro-studies/openneuro-studies/pkg/status"
)

var extractCmd = &cobra.Command{
	Use:   "extract [study-id...]",
	Short: "Extract summary metadata from organized studies",
	Long: `Extract computes subject, dataset and study statistics for organized
studies through sparse git access, writing the sourcedata TSV tables.

Stages build on each other:
  basic    cached metadata only (authors, version)
  counts   + subject/session/datatype and modality file counts
  sizes    + file sizes decoded from annex keys
  imaging  + voxel counts and durations from NIfTI headers (bounded reads)

Without arguments every study-* directory is processed.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().String("stage", "basic", "Extraction stage (basic, counts, sizes, imaging)")
	extractCmd.Flags().String("parent", ".", "Parent repository directory holding the studies")
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stageName, _ := cmd.Flags().GetString("stage")
	parentPath, _ := cmd.Flags().GetString("parent")

	stage, err := extraction.ParseStage(stageName)
	if err != nil {
		return err
	}

	studies, err := selectStudyDirs(parentPath, args)
	if err != nil {
		return err
	}
	if len(studies) == 0 {
		fmt.Println("No studies to extract.")
		return nil
	}

	extractor := extraction.NewExtractor()
	tracker := status.NewTracker(cfg.StateDir)

	succeeded, failed := 0, 0
	for _, study := range studies {
		summary, err := extractor.ExtractStudy(cmd.Context(), study.path, stage)
		if err != nil {
			logger.Warnf("failed to extract %s: %v", study.id, err)
			failed++
			continue
		}
		succeeded++

		fmt.Printf("%s: %d subjects rows, %d datasets (version %s)\n",
			study.id, len(summary.Subjects), len(summary.Datasets), summary.Raw.RawVersion)

		if err := tracker.Advance(study.id, status.StateMetadataGenerated, "extracted "+stage.String()); err != nil {
			logger.Debugf("status update for %s: %v", study.id, err)
		}
	}

	fmt.Printf("Extracted: %d succeeded, %d failed\n", succeeded, failed)
	return nil
}

type studyDir struct {
	id   string
	path string
}

// selectStudyDirs resolves the target studies: explicit ids, or every
// study-* directory under parentPath
func selectStudyDirs(parentPath string, ids []string) ([]studyDir, error) {
	if len(ids) > 0 {
		var studies []studyDir
		for _, id := range ids {
			path := filepath.Join(parentPath, id)
			if _, err := os.Stat(path); err != nil {
				logger.Warnf("study %s not found, skipping", id)
				continue
			}
			studies = append(studies, studyDir{id: id, path: path})
		}
		return studies, nil
	}

	entries, err := os.ReadDir(parentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parentPath, err)
	}
	var studies []studyDir
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "study-") {
			studies = append(studies, studyDir{
				id:   entry.Name(),
				path: filepath.Join(parentPath, entry.Name()),
			})
		}
	}
	sort.Slice(studies, func(i, j int) bool { return studies[i].id < studies[j].id })
	return studies, nil
}
