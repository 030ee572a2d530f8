package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opsync/opsync/internal/api"
	"github.com/opsync/opsync/internal/store"
	syncengine "github.com/opsync/opsync/internal/sync"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one retention pass and exit",
	Long: `Deletes operations already covered by user snapshots and past the
retention window, prunes stale devices, and recomputes storage usage.
The serve command runs this on a timer; compact is for cron or manual
maintenance against a stopped server.`,
	RunE: runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg := api.LoadConfig()
	logger := newLogger(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := syncengine.New(st, cfg.EngineConfig(), logger)
	report := svc.RunRetention(ctx)
	logger.Info("compaction finished",
		"deletedOps", report.TotalDeleted,
		"affectedUsers", len(report.AffectedUserIDs),
		"staleDevices", report.StaleDevices)
	return nil
}
