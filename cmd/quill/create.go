package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillforge/quill/internal/events"
)

var createCmd = &cobra.Command{
	Use:   "create <input>",
	Short: "Create a note from raw input",
	Long: `Run the create pipeline: standardize and classify the input, write a
stub checkpoint, generate full content, index the embedding, and scan for
duplicates.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		input := strings.Join(args, " ")

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		done := make(chan events.Event, 1)
		unsub := app.bus.Subscribe(func(ev events.Event) {
			switch ev.Type {
			case events.EventStageChanged:
				fmt.Printf("  %s %s\n", gray("→"), ev.Stage)
			case events.EventDuplicatesDetected:
				if ids, ok := ev.Data["pair_ids"].([]string); ok {
					fmt.Printf("  %s possible duplicates found (%d); run %s\n",
						yellow("⚠"), len(ids), gray("quill duplicates list"))
				}
			case events.EventPipelineCompleted, events.EventPipelineFailed:
				select {
				case done <- ev:
				default:
				}
			}
		})
		defer unsub()

		plID, err := app.orch.Create(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s pipeline %s\n", gray("started"), plID)

		ev := <-done
		pc, perr := app.orch.GetPipeline(plID)
		if ev.Type == events.EventPipelineFailed {
			fmt.Printf("\n%s create failed", red("✗"))
			if ev.Err != nil {
				fmt.Printf(": %v", ev.Err)
			}
			fmt.Println()
			os.Exit(1)
		}
		fmt.Printf("\n%s note created", green("✓"))
		if perr == nil && pc.Standardized != nil {
			fmt.Printf(": %s (%s)", pc.Standardized.Title, pc.Type)
		}
		fmt.Println()
		if perr == nil && pc.FilePath != "" {
			fmt.Printf("  %s\n", gray(pc.FilePath))
		}
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
