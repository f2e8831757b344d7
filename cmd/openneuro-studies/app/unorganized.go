package app

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openneuro-studies/openneuro-studies/pkg/unorganized"
)

var unorganizedCmd = &cobra.Command{
	Use:   "unorganized",
	Short: "Inspect datasets that could not be organized",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var unorganizedSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show unorganized dataset counts grouped by reason",
	RunE:  runUnorganizedSummary,
}

var unorganizedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unorganized datasets",
	RunE:  runUnorganizedList,
}

func init() {
	unorganizedCmd.AddCommand(unorganizedSummaryCmd)
	unorganizedCmd.AddCommand(unorganizedListCmd)
}

func runUnorganizedSummary(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	summary, err := unorganized.NewTracker(cfg.StateDir).Summary()
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Println("No unorganized datasets.")
		return nil
	}

	reasons := make([]unorganized.Reason, 0, len(summary))
	total := 0
	for reason, count := range summary {
		reasons = append(reasons, reason)
		total += count
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	table := tablewriter.NewTable(os.Stdout)
	table.Header("Reason", "Count")
	for _, reason := range reasons {
		if err := table.Append([]string{string(reason), strconv.Itoa(summary[reason])}); err != nil {
			return err
		}
	}
	if err := table.Append([]string{"total", strconv.Itoa(total)}); err != nil {
		return err
	}
	return table.Render()
}

func runUnorganizedList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, err := unorganized.NewTracker(cfg.StateDir).Load()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No unorganized datasets.")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header("Dataset", "Reason", "URL", "Notes")
	for _, r := range records {
		if err := table.Append([]string{r.DatasetID, string(r.Reason), r.URL, r.Notes}); err != nil {
			return err
		}
	}
	return table.Render()
}
