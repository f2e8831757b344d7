package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openneuro-studies/openneuro-studies/pkg/datasets"
	"github.com/openneuro-studies/openneuro-studies/pkg/discovery"
	"github.com/openneuro-studies/openneuro-studies/pkg/organize"
	"github.com/openneuro-studies/openneuro-studies/pkg/status"
	"github.com/openneuro-studies/openneuro-studies/pkg/unorganized"
)

var organizeCmd = &cobra.Command{
	Use:   "organize [dataset-id...]",
	Short: "Organize discovered datasets into study repositories",
	Long: `Organize places each discovered dataset into its study repository:
raw datasets get their own study, single-source derivatives join their
source's study, and multi-source derivatives get a study of their own with
every source linked alongside. All links are no-clone gitlink entries pinned
at the discovered commit.

Without arguments every discovered dataset is organized; dataset IDs restrict
the batch.`,
	RunE: runOrganize,
}

func init() {
	organizeCmd.Flags().Int("jobs", organize.DefaultJobs, "Concurrent organize workers")
	organizeCmd.Flags().Bool("dry-run", false, "Show what would be organized without making changes")
	organizeCmd.Flags().String("parent", ".", "Parent repository directory holding the studies")
}

func runOrganize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	jobs, _ := cmd.Flags().GetInt("jobs")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	parentPath, _ := cmd.Flags().GetString("parent")

	store := discovery.NewStore(cfg.StateDir)
	discovered, err := store.Load()
	if err != nil {
		return err
	}

	batch := selectBatch(discovered, args)
	if len(batch) == 0 {
		fmt.Println("No datasets to organize.")
		return nil
	}

	if dryRun {
		fmt.Printf("[dry run] would organize %d datasets:\n", len(batch))
		for _, desc := range batch {
			fmt.Printf("  %s (%s)\n", desc.ID(), desc.Kind())
		}
		return nil
	}

	organizer := organize.New(organize.Options{
		Config:      cfg,
		ParentPath:  parentPath,
		Lookup:      discovered.SourceLookup(),
		Unorganized: unorganized.NewTracker(cfg.StateDir),
		Status:      status.NewTracker(cfg.StateDir),
	})

	result, err := organizer.OrganizeAll(cmd.Context(), batch, jobs)
	if err != nil {
		return err
	}

	fmt.Printf("Organized: %d succeeded, %d failed\n", result.Succeeded, result.Failed)
	return nil
}

// selectBatch orders raw datasets before derivatives so single-source
// derivatives find their studies in place, optionally restricted to the
// given dataset ids
func selectBatch(discovered *discovery.Discovered, targets []string) []datasets.Descriptor {
	wanted := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		wanted[t] = struct{}{}
	}
	include := func(id string) bool {
		if len(wanted) == 0 {
			return true
		}
		_, ok := wanted[id]
		return ok
	}

	var batch []datasets.Descriptor
	for _, raw := range discovered.Raw {
		if include(raw.DatasetID) {
			batch = append(batch, raw)
		}
	}
	for _, deriv := range discovered.Derivative {
		if include(deriv.DatasetID) {
			batch = append(batch, deriv)
		}
	}
	return batch
}
