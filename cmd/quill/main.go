// Command quill is the knowledge-base authoring CLI: LLM-backed note
// creation, duplicate detection, and guided merges over a markdown vault.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	app        *appContext
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "LLM-backed knowledge base authoring",
	Long: `Quill turns raw input into structured markdown notes: it standardizes
and classifies the input, generates content, indexes an embedding, flags
semantic duplicates, and walks you through merging them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init only needs settings; everything else needs the full stack.
		if cmd.Name() == "init" || cmd.Name() == "help" {
			return nil
		}
		var err error
		app, err = newAppContext(cmd.Context(), configPath)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to quill.yaml (default: ./quill.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
