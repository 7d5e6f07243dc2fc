// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration for the supervisor. Values resolve in
// three layers: built-in defaults, the optional YAML file at
// <piv-home>/config.yaml, and PIV_* environment variables. Credentials may
// also be supplied through <piv-home>/.env, loaded via godotenv before the
// environment layer is applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all supervisor settings.
type Config struct {
	// Home is the piv state directory, normally ~/.piv.
	Home string `yaml:"-"`

	// MonitorInterval is the pause between monitor cycles.
	MonitorInterval time.Duration `yaml:"-"`
	// HeartbeatStale is the heartbeat age at which a project counts as stalled.
	HeartbeatStale time.Duration `yaml:"-"`
	// MaxRestartAttempts caps restarts per (project, stall type) before escalation.
	MaxRestartAttempts int `yaml:"max-restart-attempts"`

	// DiagnosisBudgetUSD caps spend for the read-only diagnosis session.
	DiagnosisBudgetUSD float64 `yaml:"diagnosis-budget-usd"`
	// FixBudgetUSD caps spend for the write-capable fix session.
	FixBudgetUSD float64 `yaml:"fix-budget-usd"`
	// DiagnosisMaxTurns caps agent turns during diagnosis.
	DiagnosisMaxTurns int `yaml:"diagnosis-max-turns"`
	// FixMaxTurns caps agent turns during the fix session.
	FixMaxTurns int `yaml:"fix-max-turns"`
	// InterventionTimeout bounds each AI session.
	InterventionTimeout time.Duration `yaml:"-"`

	// MemorySearchThreshold is the minimum similarity for cross-project recall.
	MemorySearchThreshold float64 `yaml:"memory-search-threshold"`
	// MemorySearchLimit caps recalled fix records per query.
	MemorySearchLimit int `yaml:"memory-search-limit"`

	// HTTPTimeout bounds Telegram and memory service calls.
	HTTPTimeout time.Duration `yaml:"-"`
	// LockTimeout bounds registry lock acquisition.
	LockTimeout time.Duration `yaml:"-"`

	// TelegramToken and TelegramChatID enable escalation messages when both set.
	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`

	// MemoryBaseURL and MemoryToken enable the fix-memory service when both set.
	MemoryBaseURL string `yaml:"memory-base-url"`
	MemoryToken   string `yaml:"-"`

	// FrameworkDir is the canonical dev-kit directory fixes propagate from.
	FrameworkDir string `yaml:"framework-dir"`

	// DriverBinary is the AI session CLI; DriverModel optionally pins a model.
	DriverBinary string `yaml:"driver-binary"`
	DriverModel  string `yaml:"driver-model"`

	// OrchestratorCommand is the binary spawned to (re)start a project's orchestrator.
	OrchestratorCommand string `yaml:"orchestrator-command"`

	// QuestionExpr optionally overrides the built-in waiting-for-input
	// heuristic with an expr expression over {Tail, LastLine}.
	QuestionExpr string `yaml:"question-expr"`

	// TypecheckCommand and TestCommand are the default validation commands;
	// a project manifest may override them.
	TypecheckCommand string `yaml:"typecheck-command"`
	TestCommand      string `yaml:"test-command"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
	// LoggingToFile routes supervisor logs to rotating files under <home>/logs.
	LoggingToFile bool `yaml:"logging-to-file"`
}

// yamlConfig mirrors Config for the fields whose native type is not
// YAML-friendly (durations are configured in milliseconds).
type yamlConfig struct {
	MonitorIntervalMS     *int     `yaml:"monitor-interval-ms"`
	HeartbeatStaleMS      *int     `yaml:"heartbeat-stale-ms"`
	MaxRestartAttempts    *int     `yaml:"max-restart-attempts"`
	DiagnosisBudgetUSD    *float64 `yaml:"diagnosis-budget-usd"`
	FixBudgetUSD          *float64 `yaml:"fix-budget-usd"`
	DiagnosisMaxTurns     *int     `yaml:"diagnosis-max-turns"`
	FixMaxTurns           *int     `yaml:"fix-max-turns"`
	InterventionTimeoutMS *int     `yaml:"intervention-timeout-ms"`
	MemorySearchThreshold *float64 `yaml:"memory-search-threshold"`
	MemorySearchLimit     *int     `yaml:"memory-search-limit"`
	MemoryBaseURL         *string  `yaml:"memory-base-url"`
	FrameworkDir          *string  `yaml:"framework-dir"`
	DriverBinary          *string  `yaml:"driver-binary"`
	DriverModel           *string  `yaml:"driver-model"`
	OrchestratorCommand   *string  `yaml:"orchestrator-command"`
	QuestionExpr          *string  `yaml:"question-expr"`
	TypecheckCommand      *string  `yaml:"typecheck-command"`
	TestCommand           *string  `yaml:"test-command"`
	Debug                 *bool    `yaml:"debug"`
	LoggingToFile         *bool    `yaml:"logging-to-file"`
}

// DefaultHome returns ~/.piv, honoring PIV_HOME.
func DefaultHome() string {
	if h := os.Getenv("PIV_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".piv"
	}
	return filepath.Join(home, ".piv")
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Home:                  home,
		MonitorInterval:       15 * time.Minute,
		HeartbeatStale:        15 * time.Minute,
		MaxRestartAttempts:    3,
		DiagnosisBudgetUSD:    0.50,
		FixBudgetUSD:          2.00,
		DiagnosisMaxTurns:     15,
		FixMaxTurns:           30,
		InterventionTimeout:   5 * time.Minute,
		MemorySearchThreshold: 0.4,
		MemorySearchLimit:     5,
		HTTPTimeout:           30 * time.Second,
		LockTimeout:           5 * time.Second,
		DriverBinary:          "claude",
		OrchestratorCommand:   "piv-orchestrator",
		TypecheckCommand:      "make typecheck",
		TestCommand:           "make test",
	}
}

// Load resolves the effective configuration for the given piv home directory.
func Load(home string) (*Config, error) {
	if home == "" {
		home = DefaultHome()
	}
	cfg := Default(home)

	// Credentials file is optional; a missing .env is not an error.
	_ = godotenv.Load(filepath.Join(home, ".env"))

	if err := cfg.applyFile(filepath.Join(home, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if yc.MonitorIntervalMS != nil {
		c.MonitorInterval = time.Duration(*yc.MonitorIntervalMS) * time.Millisecond
	}
	if yc.HeartbeatStaleMS != nil {
		c.HeartbeatStale = time.Duration(*yc.HeartbeatStaleMS) * time.Millisecond
	}
	if yc.MaxRestartAttempts != nil {
		c.MaxRestartAttempts = *yc.MaxRestartAttempts
	}
	if yc.DiagnosisBudgetUSD != nil {
		c.DiagnosisBudgetUSD = *yc.DiagnosisBudgetUSD
	}
	if yc.FixBudgetUSD != nil {
		c.FixBudgetUSD = *yc.FixBudgetUSD
	}
	if yc.DiagnosisMaxTurns != nil {
		c.DiagnosisMaxTurns = *yc.DiagnosisMaxTurns
	}
	if yc.FixMaxTurns != nil {
		c.FixMaxTurns = *yc.FixMaxTurns
	}
	if yc.InterventionTimeoutMS != nil {
		c.InterventionTimeout = time.Duration(*yc.InterventionTimeoutMS) * time.Millisecond
	}
	if yc.MemorySearchThreshold != nil {
		c.MemorySearchThreshold = *yc.MemorySearchThreshold
	}
	if yc.MemorySearchLimit != nil {
		c.MemorySearchLimit = *yc.MemorySearchLimit
	}
	if yc.MemoryBaseURL != nil {
		c.MemoryBaseURL = *yc.MemoryBaseURL
	}
	if yc.FrameworkDir != nil {
		c.FrameworkDir = *yc.FrameworkDir
	}
	if yc.DriverBinary != nil {
		c.DriverBinary = *yc.DriverBinary
	}
	if yc.DriverModel != nil {
		c.DriverModel = *yc.DriverModel
	}
	if yc.OrchestratorCommand != nil {
		c.OrchestratorCommand = *yc.OrchestratorCommand
	}
	if yc.QuestionExpr != nil {
		c.QuestionExpr = *yc.QuestionExpr
	}
	if yc.TypecheckCommand != nil {
		c.TypecheckCommand = *yc.TypecheckCommand
	}
	if yc.TestCommand != nil {
		c.TestCommand = *yc.TestCommand
	}
	if yc.Debug != nil {
		c.Debug = *yc.Debug
	}
	if yc.LoggingToFile != nil {
		c.LoggingToFile = *yc.LoggingToFile
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := envMS("PIV_MONITOR_INTERVAL_MS"); ok {
		c.MonitorInterval = v
	}
	if v, ok := envMS("PIV_HEARTBEAT_STALE_MS"); ok {
		c.HeartbeatStale = v
	}
	if v, ok := envInt("PIV_MAX_RESTART_ATTEMPTS"); ok {
		c.MaxRestartAttempts = v
	}
	if v, ok := envFloat("PIV_DIAGNOSIS_BUDGET_USD"); ok {
		c.DiagnosisBudgetUSD = v
	}
	if v, ok := envFloat("PIV_FIX_BUDGET_USD"); ok {
		c.FixBudgetUSD = v
	}
	if v, ok := envInt("PIV_DIAGNOSIS_MAX_TURNS"); ok {
		c.DiagnosisMaxTurns = v
	}
	if v, ok := envInt("PIV_FIX_MAX_TURNS"); ok {
		c.FixMaxTurns = v
	}
	if v, ok := envMS("PIV_INTERVENTION_TIMEOUT_MS"); ok {
		c.InterventionTimeout = v
	}
	if v, ok := envFloat("PIV_MEMORY_SEARCH_THRESHOLD"); ok {
		c.MemorySearchThreshold = v
	}
	if v, ok := envInt("PIV_MEMORY_SEARCH_LIMIT"); ok {
		c.MemorySearchLimit = v
	}
	if v := os.Getenv("PIV_TELEGRAM_BOT_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("PIV_TELEGRAM_CHAT_ID"); v != "" {
		c.TelegramChatID = v
	}
	if v := os.Getenv("PIV_MEMORY_BASE_URL"); v != "" {
		c.MemoryBaseURL = v
	}
	if v := os.Getenv("PIV_MEMORY_API_KEY"); v != "" {
		c.MemoryToken = v
	}
	if v := os.Getenv("PIV_FRAMEWORK_DIR"); v != "" {
		c.FrameworkDir = v
	}
	if v := os.Getenv("PIV_DRIVER_BINARY"); v != "" {
		c.DriverBinary = v
	}
	if v := os.Getenv("PIV_DRIVER_MODEL"); v != "" {
		c.DriverModel = v
	}
	if v := os.Getenv("PIV_ORCHESTRATOR_COMMAND"); v != "" {
		c.OrchestratorCommand = v
	}
	if v := os.Getenv("PIV_DEBUG"); v != "" {
		c.Debug = v == "1" || v == "true"
	}
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("config: monitor interval must be positive")
	}
	if c.HeartbeatStale <= 0 {
		return fmt.Errorf("config: heartbeat stale threshold must be positive")
	}
	if c.MaxRestartAttempts < 1 {
		return fmt.Errorf("config: max restart attempts must be at least 1")
	}
	if c.MemorySearchLimit < 1 {
		c.MemorySearchLimit = 1
	}
	return nil
}

// RegistryPath returns the canonical registry file location.
func (c *Config) RegistryPath() string { return filepath.Join(c.Home, "registry.yaml") }

// LogPath returns the human-readable intervention log location.
func (c *Config) LogPath() string { return filepath.Join(c.Home, "improvement-log.md") }

// LogJSONLPath returns the structured intervention log location.
func (c *Config) LogJSONLPath() string { return filepath.Join(c.Home, "improvement-log.jsonl") }

// PidFilePath returns the monitor pid file location.
func (c *Config) PidFilePath() string { return filepath.Join(c.Home, "monitor.pid") }

// LogDir returns the directory for rotating supervisor self-logs.
func (c *Config) LogDir() string { return filepath.Join(c.Home, "logs") }

// TelegramEnabled reports whether escalation messages can be delivered.
func (c *Config) TelegramEnabled() bool { return c.TelegramToken != "" && c.TelegramChatID != "" }

// MemoryEnabled reports whether the fix-memory service is configured.
func (c *Config) MemoryEnabled() bool { return c.MemoryBaseURL != "" && c.MemoryToken != "" }

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMS(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
