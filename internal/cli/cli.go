// Package cli builds the opqueue command tree.
//
// Command tree:
//
//	opqueue run [--config path] [--metrics-port N]
//	opqueue status
//
// Config file (YAML):
//
//	worker:
//	  default_timeout: 4s
//	metrics:
//	  enabled: true
//	  port: 9090
//	logging:
//	  level: info
//	  format: text
//
// run starts a WorkerThread, submits a small demo workload mixing normal
// and high-priority operations, cancels one of them by id and then the
// rest of the queue in bulk, and shuts down cleanly on SIGINT/SIGTERM. If
// metrics are enabled, a Prometheus /metrics endpoint is served on a
// background goroutine for the life of the process.
package cli

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollowforge/opqueue/internal/config"
	"github.com/hollowforge/opqueue/internal/demo"
	"github.com/hollowforge/opqueue/internal/metrics"
	"github.com/hollowforge/opqueue/pkg/operation"
	"github.com/hollowforge/opqueue/pkg/workerthread"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "opqueue",
		Short: "A single-worker operation scheduler",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())
	return root
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

type logObserver struct {
	logger *slog.Logger
}

func (o *logObserver) OnOperationFinished(op operation.Op) {
	o.logger.Info("operation finished",
		"id", op.ID(), "state", op.Status().State(), "code", op.Status().Code())
}

func buildRunCommand() *cobra.Command {
	var metricsPort int
	var count int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker thread and run a demo workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsPort != 0 {
				cfg.Metrics.Port = metricsPort
			}

			logger := newLogger(cfg.Logging)

			wtCfg := workerthread.Config{
				Logger: logger,
				OnEmptyQueue: func() {
					logger.Info("queue drained")
				},
			}
			if cfg.Metrics.Enabled {
				collector := metrics.NewCollector()
				wtCfg.Metrics = collector
				go func() {
					if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
						logger.Error("metrics server exited", "error", err)
					}
				}()
			}

			wt := workerthread.New(wtCfg)
			if err := wt.Start(); err != nil {
				return err
			}

			observer := &logObserver{logger: logger}
			ids := runDemoWorkload(wt, observer, logger, count)

			if len(ids) > 0 {
				victim := ids[len(ids)-1]
				logger.Info("cancelling one demo operation by id", "id", victim)
				if err := wt.CancelOperation(victim); err != nil {
					logger.Error("cancel by id failed", "error", err)
				}
			}

			time.Sleep(30 * time.Millisecond)
			logger.Info("cancelling all remaining demo operations")
			if err := wt.CancelAllOperations(); err != nil {
				logger.Error("cancel all failed", "error", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.Info("shutting down")
			wt.Terminate()
			return nil
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "override the configured metrics port")
	cmd.Flags().IntVar(&count, "count", 20, "number of demo operations to submit")
	return cmd
}

// runDemoWorkload submits count demo operations, mixing normal and
// high-priority ones, each from its own goroutine, and returns their ids
// in the order those goroutines recorded them (not necessarily queue
// order) so the caller can demonstrate cancel-by-id/cancel-all against
// real, in-flight work.
func runDemoWorkload(wt *workerthread.WorkerThread, observer operation.Observer, logger *slog.Logger, count int) []int64 {
	var mu sync.Mutex
	var ids []int64
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("demo-op-%03d", i)
			work := time.Duration(20+rand.Intn(80)) * time.Millisecond
			op := demo.NewSleepOperation(name, work, 2*time.Second, 0.1, observer, nil, logger)
			if i%5 == 0 {
				wt.AddHighPriorityOperation(op)
			} else {
				wt.AddOperation(op)
			}
			mu.Lock()
			ids = append(ids, op.ID())
			mu.Unlock()
		}()
	}
	wg.Wait()
	return ids
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.Printf("worker.default_timeout: %s\n", cfg.Worker.DefaultTimeout)
			cmd.Printf("metrics.enabled:        %v\n", cfg.Metrics.Enabled)
			cmd.Printf("metrics.port:           %d\n", cfg.Metrics.Port)
			cmd.Printf("logging.level:          %s\n", cfg.Logging.Level)
			return nil
		},
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
