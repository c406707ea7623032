package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// agentctl Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Runner     RunnerConfig     `yaml:"runner"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Token      TokenConfig      `yaml:"token"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Budget     BudgetConfig     `yaml:"budget"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig points at the Postgres task store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

// QueueConfig configures the durable queue backend (C3).
type QueueConfig struct {
	URL                string `yaml:"url"` // redis://... or mem://
	VisibilityTimeoutS int    `yaml:"visibility_timeout_sec"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_sec"`
	SoftLimit          int    `yaml:"soft_limit"`
	HardLimit          int    `yaml:"hard_limit"`
}

// WorkspaceConfig configures the git workspace manager (C2).
type WorkspaceConfig struct {
	BaseDir          string `yaml:"base_dir"`
	MaxPerWorkspaceMB int   `yaml:"max_per_workspace_mb"`
	MaxPerOrgMB       int   `yaml:"max_per_org_mb"`
	CloneDepth        int   `yaml:"clone_depth"`
	TTLMinutes        int   `yaml:"ttl_minutes"`
	PathAllowlist     string `yaml:"path_allowlist"`
}

// RunnerConfig configures the CLI runner protocol adapter (C6).
type RunnerConfig struct {
	Mode           string `yaml:"mode"` // process | container
	BinaryPath     string `yaml:"binary_path"`
	ContainerImage string `yaml:"container_image"`
	GracefulWaitS  int    `yaml:"graceful_wait_sec"`
}

// SchedulerConfig configures the worker pool (C5).
type SchedulerConfig struct {
	GlobalConcurrency int `yaml:"global_concurrency"`
	PerOrgConcurrency int `yaml:"per_org_concurrency"`
	CommandTimeoutSec int `yaml:"command_timeout_sec"`
	HookTimeoutSec    int `yaml:"hook_timeout_sec"`
}

// TokenConfig configures the per-installation token service (C1),
// including the credentials each provider's refresh handler needs.
type TokenConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	RefreshSkewS  int    `yaml:"refresh_skew_sec"`

	GitHubAppID         string `yaml:"github_app_id"`
	GitHubAppPrivateKey string `yaml:"github_app_private_key"`
	GitHubAPIBaseURL    string `yaml:"github_api_base_url"`

	JiraClientID     string `yaml:"jira_client_id"`
	JiraClientSecret string `yaml:"jira_client_secret"`
	JiraTokenURL     string `yaml:"jira_token_url"`

	SlackClientID     string `yaml:"slack_client_id"`
	SlackClientSecret string `yaml:"slack_client_secret"`
	SlackTokenURL     string `yaml:"slack_token_url"`
}

// WebhookConfig configures per-provider webhook ingress secrets (C4).
type WebhookConfig struct {
	GitHubSecret string `yaml:"github_secret"`
	JiraSecret   string `yaml:"jira_secret"`
	SlackSecret  string `yaml:"slack_secret"`
	SentrySecret string `yaml:"sentry_secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	WorkerCount  int    `yaml:"worker_count"`
}

// PubSubConfig for the optional Google Cloud Pub/Sub terminal-event fan-out.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// BudgetConfig caps per-task, per-org-daily, and absolute per-org spend.
type BudgetConfig struct {
	PerTaskUSD     float64 `yaml:"per_task_usd"`
	PerOrgDailyUSD float64 `yaml:"per_org_daily_usd"`
	HardCapUSD     float64 `yaml:"hard_cap_usd"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies the documented environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("AGENTCTL_ENV", c.Server.Env)
	c.Server.Interface = getEnv("AGENTCTL_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}

	c.Queue.URL = getEnv("QUEUE_URL", c.Queue.URL)
	if v := getEnvInt("QUEUE_VISIBILITY_TIMEOUT_SEC", 0); v > 0 {
		c.Queue.VisibilityTimeoutS = v
	}
	if v := getEnvInt("QUEUE_HEARTBEAT_INTERVAL_SEC", 0); v > 0 {
		c.Queue.HeartbeatIntervalS = v
	}
	if v := getEnvInt("QUEUE_SOFT_LIMIT", 0); v > 0 {
		c.Queue.SoftLimit = v
	}
	if v := getEnvInt("QUEUE_HARD_LIMIT", 0); v > 0 {
		c.Queue.HardLimit = v
	}

	c.Workspace.BaseDir = getEnv("WORKSPACE_ROOT", c.Workspace.BaseDir)
	c.Workspace.BaseDir = getEnv("WORKSPACE_BASE_DIR", c.Workspace.BaseDir)
	if v := getEnvInt("WORKSPACE_MAX_MB", 0); v > 0 {
		c.Workspace.MaxPerWorkspaceMB = v
	}
	if v := getEnvInt("WORKSPACE_ORG_MAX_MB", 0); v > 0 {
		c.Workspace.MaxPerOrgMB = v
	}
	c.Workspace.PathAllowlist = getEnv("WORKSPACE_PATH_ALLOWLIST", c.Workspace.PathAllowlist)

	c.Runner.Mode = getEnv("CLI_RUNNER_MODE", c.Runner.Mode)
	c.Runner.BinaryPath = getEnv("CLI_RUNNER_BIN", c.Runner.BinaryPath)
	c.Runner.ContainerImage = getEnv("CLI_RUNNER_IMAGE", c.Runner.ContainerImage)

	if v := getEnvInt("MAX_CONCURRENT_TASKS", 0); v > 0 {
		c.Scheduler.GlobalConcurrency = v
	}
	if v := getEnvInt("MAX_PER_ORG_TASKS", 0); v > 0 {
		c.Scheduler.PerOrgConcurrency = v
	}
	if v := getEnvInt("SCHEDULER_GLOBAL_CONCURRENCY", 0); v > 0 {
		c.Scheduler.GlobalConcurrency = v
	}
	if v := getEnvInt("SCHEDULER_PER_ORG_CONCURRENCY", 0); v > 0 {
		c.Scheduler.PerOrgConcurrency = v
	}
	if v := getEnvInt("SCHEDULER_COMMAND_TIMEOUT_SEC", 0); v > 0 {
		c.Scheduler.CommandTimeoutSec = v
	}

	c.Token.EncryptionKey = getEnv("TOKEN_ENCRYPTION_KEY", c.Token.EncryptionKey)
	c.Token.GitHubAppID = getEnv("GITHUB_APP_ID", c.Token.GitHubAppID)
	c.Token.GitHubAppPrivateKey = getEnv("GITHUB_APP_PRIVATE_KEY", c.Token.GitHubAppPrivateKey)
	c.Token.GitHubAPIBaseURL = getEnv("GITHUB_API_BASE_URL", c.Token.GitHubAPIBaseURL)
	c.Token.JiraClientID = getEnv("JIRA_CLIENT_ID", c.Token.JiraClientID)
	c.Token.JiraClientSecret = getEnv("JIRA_CLIENT_SECRET", c.Token.JiraClientSecret)
	c.Token.JiraTokenURL = getEnv("JIRA_TOKEN_URL", c.Token.JiraTokenURL)
	c.Token.SlackClientID = getEnv("SLACK_CLIENT_ID", c.Token.SlackClientID)
	c.Token.SlackClientSecret = getEnv("SLACK_CLIENT_SECRET", c.Token.SlackClientSecret)
	c.Token.SlackTokenURL = getEnv("SLACK_TOKEN_URL", c.Token.SlackTokenURL)

	c.Webhook.GitHubSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.Webhook.GitHubSecret)
	c.Webhook.JiraSecret = getEnv("JIRA_WEBHOOK_SECRET", c.Webhook.JiraSecret)
	c.Webhook.SlackSecret = getEnv("SLACK_WEBHOOK_SECRET", c.Webhook.SlackSecret)
	c.Webhook.SentrySecret = getEnv("SENTRY_WEBHOOK_SECRET", c.Webhook.SentrySecret)
	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	if v := getEnvFloat("BUDGET_PER_TASK_USD", 0); v > 0 {
		c.Budget.PerTaskUSD = v
	}
	if v := getEnvFloat("BUDGET_PER_ORG_DAILY_USD", 0); v > 0 {
		c.Budget.PerOrgDailyUSD = v
	}
	if v := getEnvFloat("BUDGET_HARD_CAP_USD", 0); v > 0 {
		c.Budget.HardCapUSD = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Queue.URL == "" {
		c.Queue.URL = "mem://"
	}
	if c.Queue.VisibilityTimeoutS == 0 {
		c.Queue.VisibilityTimeoutS = 600
	}
	if c.Queue.HeartbeatIntervalS == 0 {
		c.Queue.HeartbeatIntervalS = 90
	}
	if c.Queue.SoftLimit == 0 {
		c.Queue.SoftLimit = 1000
	}
	if c.Queue.HardLimit == 0 {
		c.Queue.HardLimit = 5000
	}
	if c.Workspace.BaseDir == "" {
		c.Workspace.BaseDir = "/var/lib/agentctl/workspaces"
	}
	if c.Workspace.MaxPerWorkspaceMB == 0 {
		c.Workspace.MaxPerWorkspaceMB = 500
	}
	if c.Workspace.MaxPerOrgMB == 0 {
		c.Workspace.MaxPerOrgMB = 10240
	}
	if c.Workspace.CloneDepth == 0 {
		c.Workspace.CloneDepth = 1
	}
	if c.Workspace.TTLMinutes == 0 {
		c.Workspace.TTLMinutes = 1440
	}
	if c.Runner.Mode == "" {
		c.Runner.Mode = "process"
	}
	if c.Runner.GracefulWaitS == 0 {
		c.Runner.GracefulWaitS = 5
	}
	if c.Scheduler.GlobalConcurrency == 0 {
		c.Scheduler.GlobalConcurrency = 10
	}
	if c.Scheduler.PerOrgConcurrency == 0 {
		c.Scheduler.PerOrgConcurrency = 2
	}
	if c.Scheduler.CommandTimeoutSec == 0 {
		c.Scheduler.CommandTimeoutSec = 900
	}
	if c.Scheduler.HookTimeoutSec == 0 {
		c.Scheduler.HookTimeoutSec = 30
	}
	if c.Token.RefreshSkewS == 0 {
		c.Token.RefreshSkewS = 300
	}
	if c.Token.GitHubAPIBaseURL == "" {
		c.Token.GitHubAPIBaseURL = "https://api.github.com"
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20 // 1MB
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 8
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "agentctl-task-events"
	}
	if c.Budget.PerTaskUSD == 0 {
		c.Budget.PerTaskUSD = 1.00
	}
	if c.Budget.PerOrgDailyUSD == 0 {
		c.Budget.PerOrgDailyUSD = 100.00
	}
	if c.Budget.HardCapUSD == 0 {
		c.Budget.HardCapUSD = 200.00
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
