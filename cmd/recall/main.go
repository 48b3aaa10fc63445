package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	ownerFlag string
)

var rootCmd = &cobra.Command{
	Use:           "recall",
	Short:         "Per-owner memory with hybrid keyword and semantic search",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", os.Getenv("RECALL_OWNER"), "owner whose records are used (default from server.default_owner)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(addCmd, searchCmd, deleteCmd, listCmd, statsCmd, reembedCmd, importCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// versionString is printed by the server on startup.
func versionString() string {
	return fmt.Sprintf("recall version %s", version)
}
