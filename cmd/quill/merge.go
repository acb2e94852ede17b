package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/types"
)

var (
	mergeKeep string
	mergeYes  bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <pair-id>",
	Short: "Merge a detected duplicate pair",
	Long: `Run the merge pipeline for a pending duplicate pair. The pipeline
snapshots both notes, asks the model for a combined document, and pauses
with a diff preview. Confirming writes the merged note, repoints references,
and deletes the absorbed note.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		pairID := args[0]

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		if mergeKeep == "" {
			pair, err := app.dedup.GetPair(ctx, pairID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			// Default: keep the lexically first node, matching pair order.
			mergeKeep = pair.NodeIDA
		}

		review := make(chan struct{}, 1)
		terminal := make(chan events.Event, 1)
		unsub := app.bus.Subscribe(func(ev events.Event) {
			switch {
			case ev.Type == events.EventConfirmationRequired && ev.Stage == types.StageReviewChanges:
				select {
				case review <- struct{}{}:
				default:
				}
			case ev.Type == events.EventPipelineCompleted || ev.Type == events.EventPipelineFailed:
				select {
				case terminal <- ev:
				default:
				}
			}
		})
		defer unsub()

		plID, err := app.orch.Merge(ctx, pairID, mergeKeep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s merge pipeline %s (keeping %s)\n", gray("started"), plID, mergeKeep)

		select {
		case <-review:
		case ev := <-terminal:
			fmt.Printf("%s merge failed", red("✗"))
			if ev.Err != nil {
				fmt.Printf(": %v", ev.Err)
			}
			fmt.Println()
			os.Exit(1)
		}

		pc, err := app.orch.GetPipeline(plID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s\n%s\n", color.New(color.FgCyan, color.Bold).Sprint("Proposed changes:"), pc.DiffPreview)
		fmt.Printf("%s %s will be deleted\n\n", red("✗"), pc.DeletedPath)

		if !mergeYes && !promptYes("Apply this merge?") {
			if err := app.orch.CancelPipeline(ctx, plID); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s merge cancelled, pair returned to pending\n", gray("○"))
			return
		}

		if err := app.orch.ConfirmMerge(ctx, plID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ev := <-terminal
		if ev.Type == events.EventPipelineFailed {
			fmt.Printf("%s merge failed", red("✗"))
			if ev.Err != nil {
				fmt.Printf(": %v", ev.Err)
			}
			fmt.Println()
			os.Exit(1)
		}
		fmt.Printf("%s merged into %s\n", green("✓"), pc.FilePath)
	},
}

func promptYes(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	mergeCmd.Flags().StringVar(&mergeKeep, "keep", "", "node id to keep (default: first node of the pair)")
	mergeCmd.Flags().BoolVar(&mergeYes, "yes", false, "apply the merge without prompting")
	rootCmd.AddCommand(mergeCmd)
}
