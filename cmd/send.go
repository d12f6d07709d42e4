package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Afsalkalladi/platformioemlock/internal/client"
	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sendDevice    string
	sendUID       string
	sendWhitelist []string
	sendBlacklist []string
	sendWait      bool
	sendTimeout   time.Duration
	sendBaseURL   string
)

var sendCmd = &cobra.Command{
	Use:   "send <type>",
	Short: "Queue a command for a device through the API",
	Long: `Queue a command (remote_unlock, whitelist_add, blacklist_add, remove_uid,
sync_uids, get_pending, sync_logs) for a device and optionally wait until the
device acknowledges it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(args[0])
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendDevice, "device", "d", "", "Target device id")
	sendCmd.Flags().StringVarP(&sendUID, "uid", "u", "", "Card UID for whitelist_add, blacklist_add and remove_uid")
	sendCmd.Flags().StringSliceVar(&sendWhitelist, "whitelist", nil, "Whitelist UIDs for sync_uids")
	sendCmd.Flags().StringSliceVar(&sendBlacklist, "blacklist", nil, "Blacklist UIDs for sync_uids")
	sendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "Wait until the device acknowledges the command")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "How long to wait (defaults to commands.poll_timeout)")
	sendCmd.Flags().StringVar(&sendBaseURL, "url", "", "API base URL (defaults to server.base_url)")
	_ = sendCmd.MarkFlagRequired("device")
}

func runSend(rawType string) error {
	t, err := core.ParseCommandType(rawType)
	if err != nil {
		return err
	}

	baseURL := sendBaseURL
	if baseURL == "" {
		baseURL = cfg.Server.BaseURL
	}
	apiClient := client.NewClient(baseURL, "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	body := client.CommandBody{
		Type:      t,
		UID:       sendUID,
		Whitelist: sendWhitelist,
		Blacklist: sendBlacklist,
	}

	cmd, err := apiClient.SendCommand(ctx, sendDevice, body)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"type":       cmd.Type,
	}).Info("Command queued")

	if !sendWait {
		fmt.Println(cmd.ID)
		return nil
	}

	poller := core.NewCommandPoller(apiClient, logger, cfg.Commands).WithTimeout(sendTimeout)
	out, err := poller.Await(ctx, cmd.ID)
	if err != nil {
		return err
	}

	switch {
	case out.TimedOut:
		fmt.Printf("TIMEOUT: %s\n", out.Message)
		return fmt.Errorf("command %s still pending", cmd.ID)
	case out.Success:
		fmt.Printf("DONE: %s\n", out.Message)
		return nil
	default:
		fmt.Printf("FAILED: %s\n", out.Message)
		return fmt.Errorf("command %s failed", cmd.ID)
	}
}
