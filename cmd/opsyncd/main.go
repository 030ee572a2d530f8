package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

// Version may be set at build time via -ldflags "-X main.Version=...".
// If left as "dev", we will attempt to derive a version from Go build info.
var Version = "dev"

func effectiveVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return strings.TrimPrefix(mv, "v")
	}
	return v
}

var rootCmd = &cobra.Command{
	Use:   "opsyncd",
	Short: "Operation log sync server",
	Long: `opsyncd - Multi-device operation log synchronization server.

Clients append operations with vector clocks; the server assigns a total
order, detects conflicts, and serves incremental downloads and state
snapshots. Configuration comes from OPSYNC_* environment variables.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(effectiveVersion(Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
