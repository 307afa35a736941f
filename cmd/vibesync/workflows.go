package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/orchestrator"
	"github.com/vibeflow/vibesync/internal/ui"
	"github.com/vibeflow/vibesync/internal/workflow"
)

var workflowsLimit int

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List workflow runs",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent workflow runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listWorkflows(cmd, false)
	},
}

var workflowsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed workflow runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listWorkflows(cmd, true)
	},
}

func listWorkflows(cmd *cobra.Command, failedOnly bool) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/workflows?limit=%d", workflowsLimit)
	if failedOnly {
		path += "&failed=true"
	}
	resp, err := c.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var runs []workflow.RunInfo
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return fmt.Errorf("decoding run listing: %w", err)
	}
	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println(ui.RenderMuted("no runs"))
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		age := "-"
		if !r.StartedAt.IsZero() {
			age = time.Since(r.StartedAt).Round(time.Second).String()
		}
		status := fmt.Sprintf("%s %s", ui.StatusIcon(r.Status), r.Status)
		rows = append(rows, []string{r.ID, r.Workflow, status, age, r.Error})
	}
	fmt.Print(ui.Table([]string{"RUN", "WORKFLOW", "STATUS", "AGE", "ERROR"}, rows))
	return nil
}

var progressCmd = &cobra.Command{
	Use:   "progress <run-id>",
	Short: "Show the progress of a full sync run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.get(cmd.Context(), "/api/progress?id="+args[0])
		if err != nil {
			return err
		}
		var p orchestrator.Progress
		if err := json.Unmarshal(resp.Data, &p); err != nil {
			return fmt.Errorf("decoding progress: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}

		fmt.Println(ui.RenderHeader("sync progress"))
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("status     %s %s\n", ui.StatusIcon(p.Status), p.Status)
		if p.CurrentProject != "" {
			fmt.Printf("project    %s\n", ui.RenderAccent(p.CurrentProject))
		}
		fmt.Printf("projects   %d/%d\n", p.ProjectsCompleted, p.ProjectsTotal)
		fmt.Printf("issues     %d\n", p.IssuesSynced)
		fmt.Printf("elapsed    %s\n", (time.Duration(p.ElapsedMs) * time.Millisecond).Round(time.Second))
		for _, e := range p.Errors {
			fmt.Println(ui.RenderFail("  " + ui.IconFail + " " + e))
		}
		if p.Status == workflow.StatusCancelled {
			return fmt.Errorf("run %s: %w", args[0], errCancelled)
		}
		return nil
	},
}

func init() {
	workflowsListCmd.Flags().IntVar(&workflowsLimit, "limit", 20, "Maximum runs to list")
	workflowsFailedCmd.Flags().IntVar(&workflowsLimit, "limit", 20, "Maximum runs to list")

	workflowsCmd.AddCommand(workflowsListCmd, workflowsFailedCmd)
	rootCmd.AddCommand(workflowsCmd, progressCmd)
}
