package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openneuro-studies/openneuro-studies/pkg/organize"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [study-id...]",
	Short: "Migrate study structures to the current naming conventions",
	Long: `Migrate renames submodule paths in existing studies:
sourcedata/raw becomes sourcedata/{dataset_id}, unusable tool names become
custom-{dataset_id}, and remaining derivative directory names are sanitized.
Pinned commits are preserved through every rename.

Without arguments every study-* directory is migrated.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().String("parent", ".", "Parent repository directory holding the studies")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	parentPath, _ := cmd.Flags().GetString("parent")

	result, err := organize.Migrate(parentPath, args, dryRun)
	if err != nil {
		return err
	}

	for _, c := range result.Changes {
		if dryRun {
			fmt.Printf("%s: would rename %s -> %s\n", c.StudyID, c.OldPath, c.NewPath)
		} else {
			fmt.Printf("%s: renamed %s -> %s\n", c.StudyID, c.OldPath, c.NewPath)
		}
	}
	fmt.Printf("Migrated: %d studies, already up-to-date: %d\n", result.Migrated, result.Skipped)
	return nil
}
