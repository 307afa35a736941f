package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/ui"
)

var (
	syncProject string
	syncForce   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Start a full sync now",
	Long: `Starts a full sync across all projects (or one, with --project).

Without --force, repeated requests join the already-running full sync
instead of starting another.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.post(cmd.Context(), "/api/sync", map[string]interface{}{
			"project": syncProject,
			"force":   syncForce,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}
		fmt.Printf("%s sync started: %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(resp.RunID))
		fmt.Println(ui.RenderMuted("track it with: vibesync progress " + resp.RunID))
		return nil
	},
}

var (
	reconcileMode   string
	reconcileDryRun bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sweep for sync rows whose RepoLog mirror disappeared",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.post(cmd.Context(), "/api/reconcile", map[string]interface{}{
			"mode":    reconcileMode,
			"dry_run": reconcileDryRun,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}
		fmt.Printf("%s reconcile started: %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(resp.RunID))
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision <project>",
	Short: "Provision the agent side channel for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.post(cmd.Context(), "/api/provision", map[string]string{"project": args[0]}); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s provisioned %s\n", ui.RenderPass(ui.IconPass), args[0])
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running workflow by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.post(cmd.Context(), "/api/cancel", map[string]string{"run_id": args[0]}); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s cancel requested for %s\n", ui.RenderPass(ui.IconPass), args[0])
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncProject, "project", "", "Sync a single project")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Start a fresh run even if one is running")
	reconcileCmd.Flags().StringVar(&reconcileMode, "mode", "", "mark_deleted (default) or hard_delete")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Report stale rows without writing")

	rootCmd.AddCommand(syncCmd, reconcileCmd, provisionCmd, cancelCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
