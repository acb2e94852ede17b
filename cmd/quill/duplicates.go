package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillforge/quill/internal/types"
)

var duplicatesStatus string

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Inspect and manage detected duplicate pairs",
}

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate pairs",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		pairs, err := app.dedup.ListPairs(ctx, types.PairStatus(duplicatesStatus))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()

		if len(pairs) == 0 {
			fmt.Printf("%s\n", gray("no duplicate pairs"))
			return
		}
		for _, p := range pairs {
			statusColor := gray
			switch p.Status {
			case types.PairPending:
				statusColor = yellow
			case types.PairMerged:
				statusColor = green
			}
			fmt.Printf("%s  %s  %.3f  %s\n", p.ID, statusColor(string(p.Status)), p.Similarity, p.Type)
			fmt.Printf("    %s  ↔  %s\n", p.NodeIDA, p.NodeIDB)
		}
	},
}

var duplicatesDismissCmd = &cobra.Command{
	Use:   "dismiss <pair-id>",
	Short: "Mark a pair as not a duplicate",
	Long: `Dismiss a pending pair. Dismissed pairs are remembered permanently and
never resurface in later scans.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := app.dedup.MarkAsNonDuplicate(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s pair %s dismissed\n", color.GreenString("✓"), args[0])
	},
}

func init() {
	duplicatesListCmd.Flags().StringVar(&duplicatesStatus, "status", string(types.PairPending),
		"filter by status (pending, merging, merged, dismissed; empty for all)")
	duplicatesCmd.AddCommand(duplicatesListCmd)
	duplicatesCmd.AddCommand(duplicatesDismissCmd)
	rootCmd.AddCommand(duplicatesCmd)
}
