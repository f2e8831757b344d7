package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openneuro-studies/openneuro-studies/pkg/discovery"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
	"github.com/openneuro-studies/openneuro-studies/pkg/status"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover datasets from the configured source organizations",
	Long: `Discover enumerates every repository of the configured source
organizations, classifies each as raw or derivative from its
dataset_description.json, and persists the merged result for the organize
command.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringSlice("filter", nil, "Restrict discovery to these dataset IDs")
	discoverCmd.Flags().Bool("include-derivatives", false,
		"Expand --filter with derivatives of the filtered datasets")
	discoverCmd.Flags().Int("max-workers", discovery.DefaultMaxWorkers,
		"Concurrent repository processing workers")
	discoverCmd.Flags().Bool("overwrite", false,
		"Replace the persisted discovery file instead of merging into it")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	filter, _ := cmd.Flags().GetStringSlice("filter")
	includeDerivatives, _ := cmd.Flags().GetBool("include-derivatives")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	finder := discovery.NewFinder(discovery.Options{
		Config:             cfg,
		Filter:             filter,
		IncludeDerivatives: includeDerivatives,
		MaxWorkers:         maxWorkers,
	})

	discovered, err := finder.DiscoverAll(cmd.Context())
	if err != nil {
		return err
	}

	store := discovery.NewStore(cfg.StateDir)
	if err := store.Save(discovered, overwrite); err != nil {
		return err
	}

	tracker := status.NewTracker(cfg.StateDir)
	for _, raw := range discovered.Raw {
		studyID := "study-" + raw.DatasetID
		if err := tracker.Advance(studyID, status.StateDiscovered, "discovered "+raw.DatasetID); err != nil {
			logger.Debugf("status update for %s: %v", studyID, err)
		}
	}

	fmt.Printf("Discovered %d raw and %d derivative datasets\n",
		len(discovered.Raw), len(discovered.Derivative))
	return nil
}
