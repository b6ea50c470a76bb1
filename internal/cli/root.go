// Package cli defines the difybridge command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dify2openai/difybridge/internal/buildinfo"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "difybridge",
	Short: "OpenAI-compatible gateway for Dify applications",
	Long: `difybridge exposes Dify applications behind the OpenAI chat and
completion APIs, translating requests, streams, and errors in both
directions and keeping multi-turn conversations alive across calls.`,
	Run: func(c *cobra.Command, args []string) {
		_ = c.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(c *cobra.Command, args []string) {
		fmt.Printf("difybridge %s\n", buildinfo.Version)
	},
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml)")
	rootCmd.AddCommand(versionCmd)
}
