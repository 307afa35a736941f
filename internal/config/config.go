// Package config loads vibesync settings from the environment and an
// optional YAML file. Env vars use the VIBESYNC_ prefix; the bare names
// (RUNTIME_ADDRESS, RUNTIME_TASK_QUEUE, USE_TEMPORAL_SYNC) are accepted too.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRuntimeAddress   = "localhost:7233"
	DefaultTaskQueue        = "vibesync-queue"
	DefaultScheduleInterval = 15 * time.Minute
	DefaultBatchSize        = 5
)

// Reconcile actions accepted in config.
var validReconcileActions = map[string]bool{
	"":             true, // unset uses mark_deleted
	"mark_deleted": true,
	"hard_delete":  true,
}

// Config is the resolved runtime configuration.
type Config struct {
	// RuntimeAddress is the host:port the control API listens on (server)
	// or connects to (client).
	RuntimeAddress string
	TaskQueue      string

	// UseTemporalSync gates the durable sync path. Off means event ingestion
	// still runs but scheduled/full syncs are not started automatically.
	UseTemporalSync bool

	// DBPath is the SyncState database file.
	DBPath string

	TrackerURL   string
	TrackerToken string

	DocsURL         string
	DocsTokenID     string
	DocsTokenSecret string
	DocsStreamURL   string
	DocsStreamToken string

	// Memory sink (agent provisioning). Empty URL disables it.
	MemoryURL   string
	MemoryToken string

	WebhookSecret string

	ScheduleInterval time.Duration
	BatchSize        int
	ReconcileAction  string

	// MirrorRoot is the local folder mirrored to Docs books (empty disables
	// the mirror).
	MirrorRoot string
	EchoWindow time.Duration

	// Projects maps project codes to repo working-copy paths. Entries here
	// override paths derived from tracker project descriptions.
	Projects map[string]string
}

// Load reads the environment and, when projectsFile (or
// VIBESYNC_PROJECTS_FILE) names a YAML file, the project→repo override map.
func Load(projectsFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIBESYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Accept both VIBESYNC_RUNTIME_ADDRESS and the bare RUNTIME_ADDRESS.
	for key, bare := range map[string]string{
		"runtime_address":    "RUNTIME_ADDRESS",
		"runtime_task_queue": "RUNTIME_TASK_QUEUE",
		"use_temporal_sync":  "USE_TEMPORAL_SYNC",
	} {
		if err := v.BindEnv(key, "VIBESYNC_"+bare, bare); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	v.SetDefault("runtime_address", DefaultRuntimeAddress)
	v.SetDefault("runtime_task_queue", DefaultTaskQueue)
	v.SetDefault("schedule_interval", DefaultScheduleInterval.String())
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("echo_window", "60s")

	v.SetDefault("db", "vibesync.db")

	cfg := &Config{
		RuntimeAddress:  v.GetString("runtime_address"),
		TaskQueue:       v.GetString("runtime_task_queue"),
		UseTemporalSync: v.GetBool("use_temporal_sync"),
		DBPath:          v.GetString("db"),
		TrackerURL:      v.GetString("tracker_url"),
		TrackerToken:    v.GetString("tracker_token"),
		DocsURL:         v.GetString("docs_url"),
		DocsTokenID:     v.GetString("docs_token_id"),
		DocsTokenSecret: v.GetString("docs_token_secret"),
		DocsStreamURL:   v.GetString("docs_stream_url"),
		DocsStreamToken: v.GetString("docs_stream_token"),
		MemoryURL:       v.GetString("memory_url"),
		MemoryToken:     v.GetString("memory_token"),
		WebhookSecret:   v.GetString("webhook_secret"),
		BatchSize:       v.GetInt("batch_size"),
		ReconcileAction: v.GetString("reconcile_action"),
		MirrorRoot:      v.GetString("mirror_root"),
		Projects:        map[string]string{},
	}

	var err error
	if cfg.ScheduleInterval, err = time.ParseDuration(v.GetString("schedule_interval")); err != nil {
		return nil, fmt.Errorf("config: schedule_interval: %w", err)
	}
	if cfg.EchoWindow, err = time.ParseDuration(v.GetString("echo_window")); err != nil {
		return nil, fmt.Errorf("config: echo_window: %w", err)
	}

	if projectsFile == "" {
		projectsFile = v.GetString("projects_file")
	}
	if projectsFile != "" {
		if err := cfg.loadProjects(projectsFile); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// projectsFile is the on-disk shape of the override map:
//
//	projects:
//	  ACME: /home/dev/acme
//	  BETA: /home/dev/beta
type projectsFile struct {
	Projects map[string]string `yaml:"projects"`
}

func (c *Config) loadProjects(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return fmt.Errorf("config: reading projects file: %w", err)
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for code, repoPath := range pf.Projects {
		if !filepath.IsAbs(repoPath) {
			return fmt.Errorf("config: project %s: repo path %q is not absolute", code, repoPath)
		}
		c.Projects[code] = repoPath
	}
	return nil
}

// Validate checks enum-valued settings.
func (c *Config) Validate() error {
	if !validReconcileActions[c.ReconcileAction] {
		return fmt.Errorf("config: reconcile_action: %q is invalid (valid values: mark_deleted, hard_delete)", c.ReconcileAction)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("config: schedule_interval must be positive, got %s", c.ScheduleInterval)
	}
	return nil
}

// BaseURL normalizes the runtime address into an http base URL for the
// control-API client.
func (c *Config) BaseURL() string {
	addr := c.RuntimeAddress
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}
