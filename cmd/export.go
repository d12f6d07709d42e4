package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/Afsalkalladi/platformioemlock/internal/infrastructure"
	"github.com/spf13/cobra"
)

var (
	exportDevice string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Archive a device's command history and access logs to S3",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportDevice, "device", "d", "", "Device id to export")
	exportCmd.Flags().IntVarP(&exportLimit, "limit", "l", 1000, "Maximum commands and log entries to include")
	_ = exportCmd.MarkFlagRequired("device")
}

func runExport(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	archive, err := infrastructure.NewArchive(ctx, cfg.Archive, logger)
	if err != nil {
		return fmt.Errorf("archive unavailable: %w", err)
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	reads := core.NewReadService(core.NewRepository(db.DB), logger, cfg.Presence, cfg.Commands)

	commands, err := reads.CommandHistory(ctx, exportDevice, exportLimit)
	if err != nil {
		return fmt.Errorf("failed to load commands: %w", err)
	}
	logs, err := reads.AccessLogs(ctx, exportDevice, exportLimit)
	if err != nil {
		return fmt.Errorf("failed to load access logs: %w", err)
	}

	location, err := archive.Export(ctx, &infrastructure.DeviceArchive{
		DeviceID:   exportDevice,
		ExportedAt: time.Now().UTC(),
		Commands:   commands,
		AccessLogs: logs,
	})
	if err != nil {
		return err
	}

	fmt.Println(location)
	return nil
}
