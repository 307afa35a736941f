package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/ui"
)

var scheduleInterval time.Duration

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Control the periodic full sync",
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the periodic full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleStart(cmd)
	},
}

var scheduleStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the periodic full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleStop(cmd)
	},
}

var scheduleRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the periodic full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		// A stop that finds nothing running is fine for restart.
		if err := scheduleStop(cmd); err != nil {
			fmt.Println(ui.RenderMuted("no schedule was running"))
		}
		return scheduleStart(cmd)
	},
}

func scheduleStart(cmd *cobra.Command) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.post(cmd.Context(), "/api/schedule/start", map[string]interface{}{
		"interval_seconds": int(scheduleInterval.Seconds()),
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("%s schedule started: %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(resp.RunID))
	return nil
}

func scheduleStop(cmd *cobra.Command) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if _, err := c.post(cmd.Context(), "/api/schedule/stop", struct{}{}); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("%s schedule stopped\n", ui.RenderPass(ui.IconPass))
	}
	return nil
}

func init() {
	scheduleStartCmd.Flags().DurationVar(&scheduleInterval, "interval", 0,
		"Sync interval (default: server configuration)")
	scheduleRestartCmd.Flags().DurationVar(&scheduleInterval, "interval", 0,
		"Sync interval (default: server configuration)")

	scheduleCmd.AddCommand(scheduleStartCmd, scheduleStopCmd, scheduleRestartCmd)
	rootCmd.AddCommand(scheduleCmd)
}
