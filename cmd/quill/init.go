package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultConfig = `# quill configuration
# Every key can also be set through the environment with a QUILL_ prefix,
# e.g. QUILL_VAULT_DIR or QUILL_ENABLE_AUTO_VERIFY.

vault_dir: vault
state_dir: .quill
directory_scheme: by-type

max_retry_attempts: 3
concurrency: 1
enable_auto_verify: false

similarity_threshold: 0.85
dedup_top_k: 20

chat_model: claude-sonnet-4-5-20250929
embed_model: voyage-3
embed_dimensions: 1024
max_tokens: 4096
temperature: 0.2
request_timeout_seconds: 60
`

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a quill workspace",
	Long: `Create the vault and state directories and write a default quill.yaml
in the target directory (default: current directory).`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		for _, dir := range []string{
			filepath.Join(target, "vault"),
			filepath.Join(target, ".quill"),
			filepath.Join(target, ".quill", "snapshots"),
		} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		configFile := filepath.Join(target, "quill.yaml")
		if _, err := os.Stat(configFile); err == nil {
			fmt.Printf("%s %s already exists, leaving it untouched\n", gray("○"), configFile)
		} else {
			if err := os.WriteFile(configFile, []byte(defaultConfig), 0644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s wrote %s\n", green("✓"), configFile)
		}

		fmt.Printf("%s workspace ready\n", green("✓"))
		fmt.Printf("  %s\n", gray("set ANTHROPIC_API_KEY and VOYAGE_API_KEY, then: quill create \"...\""))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
