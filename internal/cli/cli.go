// ============================================================================
// ForgeBatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: User-facing command line interface based on the Cobra framework
//
// Command Structure:
//   forgebatch                     # Root command
//   ├── run                        # Start the engine and drain the queue
//   │   └── --workers, -w          # Override worker count
//   ├── create                     # Create a batch (engine may be offline)
//   │   ├── --subject / --count    # Expand a subject into prompt variants
//   │   ├── --prompts-file         # One prompt per line
//   │   ├── --dims                 # "style=oil,ink;subject=fox,owl"
//   │   └── --workflow, --priority, --negative, --max-attempts
//   ├── status                     # Show ledger / queue counts
//   ├── results                    # Show results for a batch (--batch)
//   ├── requeue                    # Requeue permanently failed tasks
//   ├── reconcile                  # Rebuild the JSON mirror from the primary
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version / --help
//
// Configuration:
//   One YAML file; see configs/default.yaml. Invalid configuration
//   (workers < 1, missing storage paths, bad metrics port) fails at
//   startup with a ConfigurationError.
//
// Signal Handling:
//   run captures SIGINT / SIGTERM and shuts down gracefully: stop
//   claiming, let in-flight tasks finish, finalize batch summaries.
//
// ============================================================================

package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/forgebatch/internal/coordinator"
	"github.com/ChuLiYu/forgebatch/internal/dispatch"
	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/internal/logging"
	"github.com/ChuLiYu/forgebatch/internal/monitor"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ConfigurationError reports an invalid config value at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// Config is the complete YAML configuration.
// Duration fields are integer milliseconds / seconds, as suffixed.
type Config struct {
	Service struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"service"`

	Storage struct {
		DBPath    string `yaml:"db_path"`
		MirrorDir string `yaml:"mirror_dir"`
	} `yaml:"storage"`

	Batch struct {
		MaxTasks           int `yaml:"max_tasks"`
		DefaultMaxAttempts int `yaml:"default_max_attempts"`
	} `yaml:"batch"`

	Dispatch struct {
		Workers        int `yaml:"workers"`
		PollIntervalMs int `yaml:"poll_interval_ms"`
		TaskTimeoutS   int `yaml:"task_timeout_s"`
		BackoffBaseMs  int `yaml:"backoff_base_ms"`
		BackoffCapS    int `yaml:"backoff_cap_s"`
	} `yaml:"dispatch"`

	Monitor struct {
		IntervalMs int `yaml:"interval_ms"`
		HistoryCap int `yaml:"history_cap"`
		Window     int `yaml:"window"`
	} `yaml:"monitor"`

	Health struct {
		IntervalS int `yaml:"interval_s"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging logging.Config `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Service.BaseURL == "" {
		return &ConfigurationError{Field: "service.base_url", Reason: "must not be empty"}
	}
	if c.Storage.DBPath == "" {
		return &ConfigurationError{Field: "storage.db_path", Reason: "must not be empty"}
	}
	if c.Dispatch.Workers < 1 {
		return &ConfigurationError{Field: "dispatch.workers", Reason: "must be at least 1"}
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return &ConfigurationError{Field: "metrics.port", Reason: "must be a valid port"}
	}
	return nil
}

// coordinatorConfig maps the YAML config onto the engine config.
func (c *Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		DBPath:             c.Storage.DBPath,
		MirrorDir:          c.Storage.MirrorDir,
		MaxBatchTasks:      c.Batch.MaxTasks,
		DefaultMaxAttempts: c.Batch.DefaultMaxAttempts,
		HealthInterval:     time.Duration(c.Health.IntervalS) * time.Second,
		Dispatch: dispatch.Config{
			Workers:      c.Dispatch.Workers,
			PollInterval: time.Duration(c.Dispatch.PollIntervalMs) * time.Millisecond,
			TaskTimeout:  time.Duration(c.Dispatch.TaskTimeoutS) * time.Second,
			BackoffBase:  time.Duration(c.Dispatch.BackoffBaseMs) * time.Millisecond,
			BackoffCap:   time.Duration(c.Dispatch.BackoffCapS) * time.Second,
		},
		Monitor: monitor.Config{
			Interval:   time.Duration(c.Monitor.IntervalMs) * time.Millisecond,
			HistoryCap: c.Monitor.HistoryCap,
			Window:     c.Monitor.Window,
		},
	}
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forgebatch",
		Short: "ForgeBatch: a batch execution engine for generation services",
		Long: `ForgeBatch drives large prompt batches through an image
generation service with durable task state, priority scheduling,
automatic retry and progress monitoring.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCreateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildRequeueCommand())
	rootCmd.AddCommand(buildReconcileCommand())

	return rootCmd
}

// newCoordinator loads config, initializes logging and wires the engine.
func newCoordinator(withMetrics bool) (*coordinator.Coordinator, *Config, *monitor.Collector, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.Init(&cfg.Logging)

	var collector *monitor.Collector
	if withMetrics && cfg.Metrics.Enabled {
		collector = monitor.NewCollector(prometheus.DefaultRegisterer)
	}

	client := genclient.NewHTTPClient(cfg.Service.BaseURL)
	coord, err := coordinator.New(cfg.coordinatorConfig(), client, nil, collector)
	if err != nil {
		return nil, nil, nil, err
	}
	return coord, cfg, collector, nil
}

func buildRunCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and process queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, cfg, collector, err := newCoordinator(true)
			if err != nil {
				return err
			}
			defer coord.Close()

			if collector != nil {
				collector.Serve(cfg.Metrics.Port, prometheus.DefaultGatherer)
				defer collector.Shutdown()
				fmt.Printf("Metrics available on :%d/metrics\n", cfg.Metrics.Port)
			}

			coord.AddProgressObserver(consoleObserver(5 * time.Second))

			if err := coord.Start(workers); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			fmt.Println("Engine started. Press Ctrl+C to stop.")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			fmt.Println("\nShutting down gracefully...")
			coord.Stop()
			fmt.Println("Engine stopped.")
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (0 = use config)")
	return cmd
}

// consoleObserver prints a progress line, at most once per interval.
func consoleObserver(minInterval time.Duration) monitor.Observer {
	var last time.Time
	return func(snap types.Snapshot) {
		if time.Since(last) < minInterval {
			return
		}
		last = time.Now()

		total := 0
		for _, n := range snap.Counts {
			total += n
		}
		done := snap.Counts[types.StatusCompleted] + snap.Counts[types.StatusFailed]
		eta := "unknown"
		if snap.ETAKnown {
			eta = snap.ETA.Round(time.Second).String()
		}
		fmt.Printf("[progress] %d/%d done | queued=%d running=%d failed=%d | %.1f/min | ETA %s\n",
			done, total,
			snap.Counts[types.StatusQueued],
			snap.Counts[types.StatusRunning],
			snap.Counts[types.StatusFailed],
			snap.Throughput, eta)
	}
}

func buildCreateCommand() *cobra.Command {
	var (
		subject     string
		count       int
		promptsFile string
		dims        string
		workflow    string
		priority    int
		negative    string
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch of generation tasks",
		Long: `Create a batch from a subject (--subject/--count), a prompt
file (--prompts-file, one prompt per line) or a dimension grid
(--dims "style=oil,ink;subject=fox,owl").`,
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, _, err := newCoordinator(false)
			if err != nil {
				return err
			}
			defer coord.Close()

			req := coordinator.BatchRequest{
				Workflow:       types.WorkflowKind(workflow),
				Priority:       priority,
				NegativePrompt: negative,
				MaxAttempts:    maxAttempts,
			}

			var batch *types.Batch
			switch {
			case dims != "":
				parsed, perr := parseDims(dims)
				if perr != nil {
					return perr
				}
				batch, err = coord.CreateExhaustiveBatch(subject, parsed, req)
			case promptsFile != "":
				prompts, perr := readPromptLines(promptsFile)
				if perr != nil {
					return perr
				}
				batch, err = coord.CreateBatchFromList(prompts, req)
			case subject != "":
				batch, err = coord.CreateBatchFromSubject(subject, count, req)
			default:
				return fmt.Errorf("one of --subject, --prompts-file or --dims is required")
			}
			if err != nil {
				return err
			}

			fmt.Printf("Batch %s created: %d tasks (%s, priority %d)\n",
				batch.ID, batch.TaskCount, batch.Kind, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject to expand into prompt variants")
	cmd.Flags().IntVar(&count, "count", 8, "number of variants for --subject")
	cmd.Flags().StringVar(&promptsFile, "prompts-file", "", "file with one prompt per line")
	cmd.Flags().StringVar(&dims, "dims", "", "dimension grid, e.g. \"style=oil,ink;subject=fox\"")
	cmd.Flags().StringVar(&workflow, "workflow", "txt2img", "workflow kind: txt2img, img2img, upscale")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority (higher first)")
	cmd.Flags().StringVar(&negative, "negative", "", "negative prompt for all tasks")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 = use config)")
	return cmd
}

func readPromptLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open prompts file: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			prompts = append(prompts, line)
		}
	}
	return prompts, scanner.Err()
}

// parseDims parses "name=v1,v2;name2=v3,v4" into dimensions.
func parseDims(s string) ([]coordinator.Dimension, error) {
	var dims []coordinator.Dimension
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, values, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed dimension %q, want name=v1,v2", part)
		}
		var vals []string
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		}
		dims = append(dims, coordinator.Dimension{Name: strings.TrimSpace(name), Values: vals})
	}
	return dims, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, _, err := newCoordinator(false)
			if err != nil {
				return err
			}
			defer coord.Close()

			st, err := coord.Status()
			if err != nil {
				return err
			}

			fmt.Println("Task counts:")
			for _, status := range []types.TaskStatus{
				types.StatusQueued, types.StatusRunning, types.StatusRetrying,
				types.StatusCompleted, types.StatusFailed,
			} {
				fmt.Printf("  %-10s %d\n", status, st.Queue.Counts[status])
			}
			fmt.Printf("Success rate: %.1f%%\n", st.Queue.SuccessRate*100)

			batches, err := coord.Ledger().Batches()
			if err != nil {
				return err
			}
			if len(batches) > 0 {
				fmt.Println("Batches:")
				for _, b := range batches {
					fmt.Printf("  %s  %-13s %3d tasks  completed=%d failed=%d\n",
						b.ID, b.Kind, b.TaskCount, b.Completed, b.Failed)
				}
			}
			return nil
		},
	}
}

func buildResultsCommand() *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show results for a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return fmt.Errorf("--batch is required")
			}
			coord, _, _, err := newCoordinator(false)
			if err != nil {
				return err
			}
			defer coord.Close()

			res, err := coord.Results(types.BatchID(batchID))
			if err != nil {
				return err
			}

			fmt.Printf("Batch %s (%s): %d tasks\n", res.Batch.ID, res.Batch.Kind, res.Batch.TaskCount)
			for status, n := range res.Counts {
				fmt.Printf("  %-10s %d\n", status, n)
			}
			fmt.Printf("Artifacts (%d):\n", len(res.Artifacts))
			for _, a := range res.Artifacts {
				fmt.Printf("  %s\n", a)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "batch ID")
	return cmd
}

func buildRequeueCommand() *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Requeue permanently failed tasks with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, _, err := newCoordinator(false)
			if err != nil {
				return err
			}
			defer coord.Close()

			n, err := coord.RequeueFailed(types.BatchID(batchID))
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed tasks\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "batch ID (empty = all batches)")
	return cmd
}

func buildReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the JSON mirror from the primary store",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, _, err := newCoordinator(false)
			if err != nil {
				return err
			}
			defer coord.Close()

			if err := coord.Reconcile(); err != nil {
				return err
			}
			fmt.Println("Mirror reconciled")
			return nil
		},
	}
}
