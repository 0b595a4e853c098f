// Package config resolves the core's runtime configuration record.
//
// TOML/file loading is an external collaborator per spec §1 — the UI and
// packaging layer own the on-disk format. This package owns the *resolved*
// Config record the rest of the core consumes, and provides the
// viper-backed loader the kagand CLI uses to build one from flags, env vars
// and a config file, the same way the teacher's cmd/main wires viper.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// WorktreeBaseRefStrategy selects how CreateWorktree/diff/merge operations
// resolve the base ref for a task branch (spec §4.2).
type WorktreeBaseRefStrategy string

const (
	BaseRefRemote       WorktreeBaseRefStrategy = "remote"
	BaseRefLocalIfAhead WorktreeBaseRefStrategy = "local_if_ahead"
	BaseRefLocal        WorktreeBaseRefStrategy = "local"
)

// PairTerminalBackend selects the default PAIR-mode session backend
// (spec §4.5).
type PairTerminalBackend string

const (
	BackendTmux   PairTerminalBackend = "tmux"
	BackendVSCode PairTerminalBackend = "vscode"
	BackendCursor PairTerminalBackend = "cursor"
)

// Config is the resolved configuration record, covering every key in
// spec §6's configuration table.
type Config struct {
	DatabaseURL string

	MaxConcurrentAgents           int
	DefaultBaseBranch             string
	DefaultWorkerAgent            string
	DefaultPairTerminalBackend    PairTerminalBackend
	WorktreeBaseRefStrategy       WorktreeBaseRefStrategy
	AutoReview                    bool
	AutoApprove                   bool
	RequireReviewApproval         bool
	SerializeMerges               bool
	DefaultModelByAgent           map[string]string
	CoreIdleTimeoutSeconds        int
	TasksWaitDefaultTimeoutSeconds int
	TasksWaitMaxTimeoutSeconds     int

	Debug bool
}

func defaultPairTerminalBackend() PairTerminalBackend {
	if runtime.GOOS == "windows" {
		return BackendVSCode
	}
	return BackendTmux
}

// New returns a Config populated with spec-mandated defaults.
func New() *Config {
	return &Config{
		DatabaseURL:                    DefaultDatabasePath(),
		MaxConcurrentAgents:            3,
		DefaultBaseBranch:              "main",
		DefaultWorkerAgent:             "claude",
		DefaultPairTerminalBackend:     defaultPairTerminalBackend(),
		WorktreeBaseRefStrategy:        BaseRefRemote,
		AutoReview:                     true,
		AutoApprove:                    false,
		RequireReviewApproval:          false,
		SerializeMerges:                true,
		DefaultModelByAgent:            map[string]string{},
		CoreIdleTimeoutSeconds:         0,
		TasksWaitDefaultTimeoutSeconds: 30,
		TasksWaitMaxTimeoutSeconds:     300,
	}
}

// Load resolves a Config from viper — defaults, then config file, then
// KAGAN_-prefixed environment variables, following the teacher's
// cmd/main initConfig() precedence order.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := New()

	v.SetEnvPrefix("KAGAN")
	v.AutomaticEnv()

	v.SetDefault("general.database_url", cfg.DatabaseURL)
	v.SetDefault("general.max_concurrent_agents", cfg.MaxConcurrentAgents)
	v.SetDefault("general.default_base_branch", cfg.DefaultBaseBranch)
	v.SetDefault("general.default_worker_agent", cfg.DefaultWorkerAgent)
	v.SetDefault("general.default_pair_terminal_backend", string(cfg.DefaultPairTerminalBackend))
	v.SetDefault("general.worktree_base_ref_strategy", string(cfg.WorktreeBaseRefStrategy))
	v.SetDefault("general.auto_review", cfg.AutoReview)
	v.SetDefault("general.auto_approve", cfg.AutoApprove)
	v.SetDefault("general.require_review_approval", cfg.RequireReviewApproval)
	v.SetDefault("general.serialize_merges", cfg.SerializeMerges)
	v.SetDefault("general.core_idle_timeout_seconds", cfg.CoreIdleTimeoutSeconds)
	v.SetDefault("general.tasks_wait_default_timeout_seconds", cfg.TasksWaitDefaultTimeoutSeconds)
	v.SetDefault("general.tasks_wait_max_timeout_seconds", cfg.TasksWaitMaxTimeoutSeconds)
	v.SetDefault("general.debug", cfg.Debug)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg.DatabaseURL = v.GetString("general.database_url")
	cfg.MaxConcurrentAgents = v.GetInt("general.max_concurrent_agents")
	cfg.DefaultBaseBranch = v.GetString("general.default_base_branch")
	cfg.DefaultWorkerAgent = v.GetString("general.default_worker_agent")
	cfg.DefaultPairTerminalBackend = PairTerminalBackend(v.GetString("general.default_pair_terminal_backend"))
	cfg.WorktreeBaseRefStrategy = WorktreeBaseRefStrategy(v.GetString("general.worktree_base_ref_strategy"))
	cfg.AutoReview = v.GetBool("general.auto_review")
	cfg.AutoApprove = v.GetBool("general.auto_approve")
	cfg.RequireReviewApproval = v.GetBool("general.require_review_approval")
	cfg.SerializeMerges = v.GetBool("general.serialize_merges")
	cfg.CoreIdleTimeoutSeconds = v.GetInt("general.core_idle_timeout_seconds")
	cfg.TasksWaitDefaultTimeoutSeconds = v.GetInt("general.tasks_wait_default_timeout_seconds")
	cfg.TasksWaitMaxTimeoutSeconds = v.GetInt("general.tasks_wait_max_timeout_seconds")
	cfg.Debug = v.GetBool("general.debug")

	for _, agent := range []string{"claude", "opencode", "codex", "gemini", "kimi", "copilot"} {
		key := "general.default_model_" + agent
		if v.IsSet(key) {
			cfg.DefaultModelByAgent[agent] = v.GetString(key)
		}
	}

	return cfg, nil
}
