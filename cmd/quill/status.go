package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillforge/quill/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault, index, and pipeline status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Quill Status ==="))

		cfg := app.settings.GetSettings()
		fmt.Printf("%s\n", yellow("Vault:"))
		notes, err := app.vault.ListMarkdownFiles()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Root:    %s (%s layout)\n", cfg.VaultDir, cfg.DirectoryScheme)
		fmt.Printf("  Notes:   %d\n", len(notes))
		fmt.Printf("  Indexed: %d embeddings\n", app.index.Len())
		fmt.Println()

		fmt.Printf("%s\n", yellow("Duplicate pairs:"))
		pending, err := app.dedup.ListPairs(ctx, types.PairPending)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Printf("  %s\n", gray("none pending"))
		} else {
			fmt.Printf("  %d pending; run %s\n", len(pending), gray("quill duplicates list"))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Pipelines:"))
		pipelines := app.orch.ListPipelines()
		if len(pipelines) == 0 {
			fmt.Printf("  %s\n", gray("none active"))
		}
		for _, pc := range pipelines {
			fmt.Printf("  %s  %s  %s\n", pc.PipelineID, pc.Kind, pc.Stage)
			if pc.Stage == types.StageReviewChanges {
				fmt.Printf("    awaiting review; run %s\n", gray("quill merge "+pc.PairID))
			}
		}
		fmt.Println()

		stats := app.queue.Stats()
		fmt.Printf("%s\n", yellow("Task queue:"))
		fmt.Printf("  pending %d, running %d, completed %d, failed %d\n",
			stats.Pending, stats.Running, stats.Completed, stats.Failed)
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
