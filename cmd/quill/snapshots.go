package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and restore pre-write snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list [node-id]",
	Short: "List snapshots, newest first",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		nodeID := ""
		if len(args) == 1 {
			nodeID = args[0]
		}
		snaps, err := app.snaps.ListSnapshots(nodeID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		if len(snaps) == 0 {
			fmt.Printf("%s\n", gray("no snapshots"))
			return
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Label)
			fmt.Printf("    %s (%s)\n", s.Path, s.NodeID)
		}
	},
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a note from a snapshot",
	Long: `Write the snapshot's captured content back to its original path. The
current file content at that path is snapshotted first, so a restore is
itself reversible.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path, content, err := app.snaps.RestoreSnapshot(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		current, exists, err := app.vault.ReadByPathIfExists(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if exists && current != content {
			if _, err := app.snaps.CreateSnapshot(path, current, "pre-restore", ""); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if err := app.vault.EnsureDirForPath(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := app.vault.WriteAtomic(path, content); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s restored %s\n", color.GreenString("✓"), path)
	},
}

func init() {
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
	rootCmd.AddCommand(snapshotsCmd)
}
