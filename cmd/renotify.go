package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	renotifyDevice string
	renotifyLimit  int
	renotifyDryRun bool
)

var renotifyCmd = &cobra.Command{
	Use:   "renotify",
	Short: "Re-publish PENDING commands to the MQTT bridge",
	Long: `Re-publish commands that are still PENDING to their device command topics.
This is useful after a broker outage; devices that poll the store pick the
commands up regardless.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRenotify()
	},
}

func init() {
	rootCmd.AddCommand(renotifyCmd)

	renotifyCmd.Flags().StringVarP(&renotifyDevice, "device", "d", "", "Only commands of this device")
	renotifyCmd.Flags().IntVarP(&renotifyLimit, "limit", "l", 1000, "Maximum number of commands to process")
	renotifyCmd.Flags().BoolVar(&renotifyDryRun, "dry-run", false, "Show what would be re-published without sending")
}

func runRenotify() error {
	if !renotifyDryRun && cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required unless --dry-run is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	commands := core.NewCommandService(core.NewRepository(db.DB), nil, logger)

	if !renotifyDryRun {
		bridge, err := startBridge(commands, nil)
		if err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		defer bridge.Stop()
	}

	processed, err := commands.Renotify(ctx, renotifyDevice, renotifyLimit, renotifyDryRun)
	if err != nil {
		return fmt.Errorf("renotify failed: %w", err)
	}

	if renotifyDryRun {
		logger.Info("DRY RUN: No commands will be sent")
		for i, c := range processed {
			if i >= 10 {
				logger.Infof("... and %d more commands", len(processed)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"command_id": c.ID,
				"device_id":  c.DeviceID,
				"type":       c.Type,
				"created_at": c.CreatedAt,
			}).Info("Would renotify command")
		}
	}

	logger.WithFields(logrus.Fields{
		"device_id": renotifyDevice,
		"processed": len(processed),
		"dry_run":   renotifyDryRun,
	}).Info("Renotify completed")
	return nil
}
