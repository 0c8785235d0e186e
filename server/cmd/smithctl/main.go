// Command smithctl talks to a running scriptsmith server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/obot-platform/scriptsmith/server/internal/version"
)

var (
	serverURL string
	timeout   time.Duration
	language  string
)

var rootCmd = &cobra.Command{
	Use:           "smithctl",
	Short:         "Inspect and drive a scriptsmith server",
	Version:       version.Get(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("SCRIPTSMITH_URL", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout (generate waits without limit)")

	for _, c := range []*cobra.Command{keyCmd, lookupCmd, generateCmd} {
		c.Flags().StringVarP(&language, "language", "l", "english", "Explanation language")
	}

	lessonsCmd.AddCommand(lessonsListCmd)
	rootCmd.AddCommand(keyCmd, lookupCmd, lessonsCmd, generateCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
