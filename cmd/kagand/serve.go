package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagan-sh/kagan-core/internal/automation"
	kaganconfig "github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/dispatcher"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/httpipc"
	"github.com/kagan-sh/kagan-core/internal/instancelock"
	"github.com/kagan-sh/kagan-core/internal/jobsvc"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/mergesvc"
	"github.com/kagan-sh/kagan-core/internal/plugin"
	"github.com/kagan-sh/kagan-core/internal/projectsvc"
	"github.com/kagan-sh/kagan-core/internal/sessionsvc"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/internal/workspacesvc"
)

var (
	repoFlag string
	addrFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Kagan core daemon for one repository",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&repoFlag, "repo", ".", "path to the repository this core instance serves")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "127.0.0.1:0", "loopback address to bind the IPC transport")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := kaganconfig.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	canonicalRepo, err := filepath.Abs(repoFlag)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}

	lock, err := instancelock.Acquire(canonicalRepo)
	if err != nil {
		return fmt.Errorf("acquire instance lock for %s: %w", canonicalRepo, err)
	}
	defer func() { _ = lock.Release() }()

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	repos := repositories.New(database)
	bus := eventbus.NewInMemoryBus()

	runner := gitrunner.NewCommandRunner()
	gitAdapter := gitrunner.NewAdapter(runner)
	worktreeAdapter := gitrunner.NewWorktreeAdapter(runner, cfg.WorktreeBaseRefStrategy)

	projects := projectsvc.New(repos, gitAdapter)
	tasks := tasksvc.New(repos, bus)
	workspaces := workspacesvc.New(repos, worktreeAdapter, gitAdapter)
	sessions := sessionsvc.New(repos, cfg)
	automationSvc := automation.New(repos, tasks, workspaces, bus, cfg)
	automationSvc.StartScheduler()
	defer automationSvc.StopScheduler()
	merges := mergesvc.New(repos, tasks, workspaces, gitAdapter, bus, cfg)

	jobs := jobsvc.New(repos, buildExecutor(automationSvc, merges, workspaces, tasks))
	defer jobs.Shutdown()

	registry := plugin.New()

	idleTimeout := time.Duration(cfg.CoreIdleTimeoutSeconds) * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := dispatcher.New(registry, repos.Audit, idleTimeout, func() {
		logging.Info("kagand: idle timeout reached, shutting down")
		cancel()
	})
	dispatcher.RegisterBuiltins(host, dispatcher.Builtins{
		Projects:   projects,
		Tasks:      tasks,
		Workspaces: workspaces,
		Sessions:   sessions,
		Automation: automationSvc,
		Merges:     merges,
		Jobs:       jobs,
	})

	// Resolve an ephemeral ":0" port up front so the discovery file below
	// records the concrete address clients dial.
	bindAddr := addrFlag
	if probe, err := net.Listen("tcp", bindAddr); err == nil {
		bindAddr = probe.Addr().String()
		_ = probe.Close()
	}
	server := httpipc.New(host, bindAddr)

	addrPath := kaganconfig.AddrDiscoveryPath(canonicalRepo)
	if err := os.MkdirAll(filepath.Dir(addrPath), 0o755); err == nil {
		_ = os.WriteFile(addrPath, []byte(server.Addr()), 0o644)
	}
	defer func() { _ = os.Remove(addrPath) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("kagand: received shutdown signal")
		cancel()
	}()

	logging.Info("kagand: serving repo %s on %s", canonicalRepo, addrFlag)
	return server.Start(ctx)
}

// buildExecutor adapts the job queue's generic (action, params) contract
// onto the concrete services a job action names (spec §4.9's "the
// automation service itself does not maintain an internal pending
// queue — jobs are the queuing abstraction" — this is the glue that
// makes that true).
func buildExecutor(automationSvc *automation.Service, merges *mergesvc.Service, workspaces *workspacesvc.Service, tasks *tasksvc.Service) jobsvc.Executor {
	return func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		switch action {
		case "start_agent":
			taskID, _ := params["task_id"].(string)
			workspacePath, _ := params["workspace_path"].(string)
			task, err := tasks.GetTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task == nil {
				return map[string]any{"success": false, "code": "TASK_NOT_FOUND"}, nil
			}
			if err := automationSvc.SpawnForTask(task, workspacePath); err != nil {
				return map[string]any{"success": false, "code": "AUTOMATION_SPAWN_FAILED", "message": err.Error()}, nil
			}
			return map[string]any{"success": true}, nil

		case "merge_task":
			taskID, _ := params["task_id"].(string)
			task, err := tasks.GetTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task == nil {
				return map[string]any{"success": false, "code": "TASK_NOT_FOUND"}, nil
			}
			conflict, err := merges.MergeTask(ctx, task)
			if err != nil {
				return nil, err
			}
			if conflict != nil {
				return map[string]any{"success": false, "code": "MERGE_CONFLICT", "conflict": conflict}, nil
			}
			return map[string]any{"success": true}, nil

		case "rebase_workspace":
			workspaceID, _ := params["workspace_id"].(string)
			outcomes, err := workspaces.RebaseOntoBase(ctx, workspaceID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "outcomes": outcomes}, nil

		case "noop_succeed":
			return map[string]any{"success": true, "code": "OK"}, nil

		case "noop_fail":
			return map[string]any{"success": false, "code": "FAILED"}, nil

		default:
			return map[string]any{"success": false, "code": "UNKNOWN_ACTION", "message": fmt.Sprintf("no executor for action %q", action)}, nil
		}
	}
}
