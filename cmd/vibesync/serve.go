package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/config"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/docshttp"
	"github.com/vibeflow/vibesync/internal/engine"
	"github.com/vibeflow/vibesync/internal/ingest"
	"github.com/vibeflow/vibesync/internal/memorysink"
	"github.com/vibeflow/vibesync/internal/orchestrator"
	"github.com/vibeflow/vibesync/internal/projectsync"
	"github.com/vibeflow/vibesync/internal/reconcile"
	"github.com/vibeflow/vibesync/internal/repolog"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/telemetry"
	"github.com/vibeflow/vibesync/internal/trackerhttp"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/ui"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// scheduleRunID keys the singleton scheduled-sync run so start is idempotent
// and stop can find it.
const scheduleRunID = "scheduled-sync"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the sync runtime, event ingesters and control API",
	Long: `Starts the workflow runtime, the Tracker webhook + control API server,
the RepoLog file watcher and (when configured) the Docs change-stream reader.

Scheduled syncing starts automatically when USE_TEMPORAL_SYNC is set.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(projectsFileFlag)
	if err != nil {
		return err
	}
	if addressFlag != "" {
		cfg.RuntimeAddress = addressFlag
	}

	if err := telemetry.Init(ctx, "vibesync", Version); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tracker := trackerhttp.NewClient(cfg.TrackerURL, cfg.TrackerToken)
	docs := docshttp.NewClient(cfg.DocsURL, cfg.DocsTokenID, cfg.DocsTokenSecret)
	repoLog := repolog.New(cfg.Projects, projectLookup(tracker))

	var memory adapters.MemorySinkAdapter
	if cfg.MemoryURL != "" {
		memory = memorysink.NewClient(cfg.MemoryURL, cfg.MemoryToken)
	}

	rt := workflow.NewRuntime(cfg.TaskQueue)
	eng := engine.New(tracker, repoLog, docs, st)
	eng.OnMessage = serveMessage
	eng.OnWarning = serveWarning

	ingestWf := &ingest.Workflows{
		Engine:  eng,
		Store:   st,
		Tracker: tracker,
		RepoLog: repoLog,
		Docs:    docs,
	}
	ingestWf.Register(rt)

	pipeline := &projectsync.Pipeline{
		Tracker:     tracker,
		RepoLog:     repoLog,
		Docs:        docs,
		Store:       st,
		ProvisionFn: provisioner(memory),
		OnMessage:   serveMessage,
		OnWarning:   serveWarning,
	}
	pipeline.Register(rt)

	metrics, err := telemetry.NewSyncMetrics()
	if err != nil {
		return err
	}
	orch := &orchestrator.Orchestrator{
		Tracker:   tracker,
		Metrics:   metrics,
		OnMessage: serveMessage,
		OnWarning: serveWarning,
	}
	orch.Register(rt)

	rec := &reconcile.Reconciler{
		Tracker:   tracker,
		RepoLog:   repoLog,
		Store:     st,
		OnMessage: serveMessage,
		OnWarning: serveWarning,
	}
	rec.Register(rt)

	ops := controlOps(rt, cfg, memory)
	server := ingest.NewServer(ingest.ServerConfig{
		Runtime:       rt,
		WebhookSecret: []byte(cfg.WebhookSecret),
		Ops:           ops,
	})
	server.OnWarning = serveWarning

	watcher := ingest.NewWatcher(rt, cfg.Projects)
	watcher.OnMessage = serveMessage
	watcher.OnWarning = serveWarning
	if len(cfg.Projects) > 0 {
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if cfg.DocsStreamURL != "" {
		stream := ingest.NewStreamReader(rt, cfg.DocsStreamURL, cfg.DocsStreamToken)
		stream.OnMessage = serveMessage
		stream.OnWarning = serveWarning
		go func() {
			if serr := stream.Run(ctx); serr != nil && ctx.Err() == nil {
				serveWarning(fmt.Sprintf("docs stream stopped: %v", serr))
			}
		}()
	}

	if cfg.UseTemporalSync {
		if _, err := ops.ScheduleStart(cfg.ScheduleInterval); err != nil {
			return err
		}
		serveMessage(fmt.Sprintf("scheduled sync every %s", cfg.ScheduleInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if serr := server.Start(cfg.RuntimeAddress); serr != nil && serr != http.ErrServerClosed {
			errCh <- serr
		}
	}()
	serveMessage(fmt.Sprintf("listening on %s", cfg.RuntimeAddress))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	serveMessage("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

// controlOps binds the control API to the registered workflows.
func controlOps(rt *workflow.Runtime, cfg *config.Config, memory adapters.MemorySinkAdapter) ingest.ControlOps {
	return ingest.ControlOps{
		StartSync: func(ctx context.Context, project string, force bool) (string, error) {
			in := orchestrator.Input{BatchSize: cfg.BatchSize}
			if project != "" {
				in.Projects = []string{project}
			}
			// A keyed id makes repeat requests join the running sync;
			// force always starts a fresh run.
			runID := "full-sync"
			if force || project != "" {
				runID = ""
			}
			run, err := rt.Start(ctx, orchestrator.WorkflowName, runID, in)
			if err != nil {
				return "", err
			}
			return run.ID(), nil
		},
		StartReconcile: func(ctx context.Context, mode string, dryRun bool) (string, error) {
			run, err := rt.Start(ctx, reconcile.WorkflowName, "", reconcile.Input{
				Action: mode,
				DryRun: dryRun,
			})
			if err != nil {
				return "", err
			}
			return run.ID(), nil
		},
		Provision: func(ctx context.Context, project string) error {
			return provisioner(memory)(ctx, project)
		},
		ScheduleStart: func(interval time.Duration) (string, error) {
			if interval <= 0 {
				interval = cfg.ScheduleInterval
			}
			run, err := rt.Start(context.Background(), orchestrator.ScheduledWorkflowName, scheduleRunID,
				orchestrator.ScheduleInput{
					Interval: interval,
					Sync:     orchestrator.Input{BatchSize: cfg.BatchSize},
				})
			if err != nil {
				return "", err
			}
			return run.ID(), nil
		},
		ScheduleStop: func() error {
			run := rt.GetRun(scheduleRunID)
			if run == nil || run.Info().Status != workflow.StatusRunning {
				return fmt.Errorf("no scheduled sync running")
			}
			run.Cancel()
			return nil
		},
	}
}

// projectLookup resolves project codes through the tracker's project listing,
// backing RepoLog repo-path resolution.
func projectLookup(tracker adapters.TrackerAdapter) repolog.ProjectLookup {
	return func(ctx context.Context, project string) (*types.Project, error) {
		list, err := tracker.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if list[i].Identifier == project {
				return &list[i], nil
			}
		}
		return nil, adapters.NotFoundErrorf("project %s not known to tracker", project)
	}
}

// provisioner notifies the project's agent through its memory block.
// Best-effort by contract; callers decide whether a failure matters.
func provisioner(memory adapters.MemorySinkAdapter) func(ctx context.Context, project string) error {
	return func(ctx context.Context, project string) error {
		if memory == nil {
			return adapters.ValidationErrorf("memory sink not configured")
		}
		agentID := strings.ToLower(project) + "-coordinator"
		value := fmt.Sprintf("sync active since %s", time.Now().UTC().Format(time.RFC3339))
		return memory.UpdateBlock(ctx, agentID, "project_sync", value)
	}
}

func serveMessage(msg string) {
	debug.PrintNormal("%s\n", msg)
}

func serveWarning(msg string) {
	fmt.Println(ui.RenderWarn("⚠ " + msg))
}
