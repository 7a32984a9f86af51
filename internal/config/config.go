package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for a loom process.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Modules       ModulesConfig       `yaml:"modules"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Memory        MemoryConfig        `yaml:"memory"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// ModulesConfig drives the module registry: the name → base URL map and
// the caching policy for fetched manifests.
type ModulesConfig struct {
	Endpoints       map[string]string `yaml:"endpoints"`
	CacheTTL        time.Duration     `yaml:"cache_ttl"`
	FetchTimeout    time.Duration     `yaml:"fetch_timeout"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	// Watch reloads the endpoint map when the config file changes.
	Watch bool `yaml:"watch"`
	// SlowTools raises the dispatch timeout for the listed tool names.
	SlowTools       []string      `yaml:"slow_tools"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	SlowTimeout     time.Duration `yaml:"slow_timeout"`
}

type LLMConfig struct {
	DefaultModel        string                       `yaml:"default_model"`
	FallbackChain       []string                     `yaml:"fallback_chain"`
	MaxTokens           int                          `yaml:"max_tokens"`
	Temperature         float64                      `yaml:"temperature"`
	RetryAfterThreshold time.Duration                `yaml:"retry_after_threshold"`
	Providers           map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Region applies to the bedrock provider only.
	Region string `yaml:"region"`
	// Models overrides the provider's default model-name glob patterns.
	Models []string `yaml:"models"`
}

type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxWallTime   time.Duration `yaml:"max_wall_time"`
	HistoryLimit  int           `yaml:"history_limit"`
	EventBuffer   int           `yaml:"event_buffer"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	WebhookWindow time.Duration `yaml:"webhook_window"`
}

type TasksConfig struct {
	Image               string          `yaml:"image"`
	WorkspaceRoot       string          `yaml:"workspace_root"`
	LogDir              string          `yaml:"log_dir"`
	Docker              DockerConfig    `yaml:"docker"`
	Resources           ResourceLimits  `yaml:"resources"`
	HeartbeatInterval   time.Duration   `yaml:"heartbeat_interval"`
	DefaultTimeout      time.Duration   `yaml:"default_timeout"`
	MaxTerminalSessions int             `yaml:"max_terminal_sessions"`
	TerminalIdleTimeout time.Duration   `yaml:"terminal_idle_timeout"`
	SubscriberBuffer    int             `yaml:"subscriber_buffer"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST for remote engines; empty uses the
	// environment.
	Host      string `yaml:"host"`
	CertPath  string `yaml:"cert_path"`
	TLSVerify bool   `yaml:"tls_verify"`
}

type ResourceLimits struct {
	CPUs     float64 `yaml:"cpus"`
	MemoryMB int64   `yaml:"memory_mb"`
	PidsMax  int64   `yaml:"pids_max"`
}

type NotificationsConfig struct {
	// Driver selects the bus backend: "memory" or "postgres".
	Driver     string `yaml:"driver"`
	BufferSize int    `yaml:"buffer_size"`
}

type MemoryConfig struct {
	// Path is the sqlite database used for conversation recall. Empty
	// disables recall.
	Path string `yaml:"path"`
	TopK int    `yaml:"top_k"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	// OTLPEndpoint enables trace export when set; empty keeps the
	// no-op tracer.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Modules.CacheTTL == 0 {
		cfg.Modules.CacheTTL = time.Hour
	}
	if cfg.Modules.FetchTimeout == 0 {
		cfg.Modules.FetchTimeout = 2 * time.Second
	}
	if cfg.Modules.RefreshInterval == 0 {
		cfg.Modules.RefreshInterval = 15 * time.Minute
	}
	if cfg.Modules.DispatchTimeout == 0 {
		cfg.Modules.DispatchTimeout = 30 * time.Second
	}
	if cfg.Modules.SlowTimeout == 0 {
		cfg.Modules.SlowTimeout = 120 * time.Second
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.RetryAfterThreshold == 0 {
		cfg.LLM.RetryAfterThreshold = 5 * time.Second
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 8
	}
	if cfg.Agent.MaxWallTime == 0 {
		cfg.Agent.MaxWallTime = 10 * time.Minute
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}
	if cfg.Agent.EventBuffer == 0 {
		cfg.Agent.EventBuffer = 64
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 10 * time.Second
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 32
	}
	if cfg.Scheduler.MaxBackoff == 0 {
		cfg.Scheduler.MaxBackoff = 300 * time.Second
	}
	if cfg.Scheduler.WebhookWindow == 0 {
		cfg.Scheduler.WebhookWindow = 5 * time.Second
	}
	if cfg.Tasks.Image == "" {
		cfg.Tasks.Image = "loomworks/coder:latest"
	}
	if cfg.Tasks.WorkspaceRoot == "" {
		cfg.Tasks.WorkspaceRoot = "/var/lib/loom/workspaces"
	}
	if cfg.Tasks.LogDir == "" {
		cfg.Tasks.LogDir = "/var/lib/loom/task-logs"
	}
	if cfg.Tasks.HeartbeatInterval == 0 {
		cfg.Tasks.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Tasks.DefaultTimeout == 0 {
		cfg.Tasks.DefaultTimeout = 1800 * time.Second
	}
	if cfg.Tasks.MaxTerminalSessions == 0 {
		cfg.Tasks.MaxTerminalSessions = 5
	}
	if cfg.Tasks.TerminalIdleTimeout == 0 {
		cfg.Tasks.TerminalIdleTimeout = 24 * time.Hour
	}
	if cfg.Tasks.SubscriberBuffer == 0 {
		cfg.Tasks.SubscriberBuffer = 256
	}
	if cfg.Tasks.Resources.CPUs == 0 {
		cfg.Tasks.Resources.CPUs = 2
	}
	if cfg.Tasks.Resources.MemoryMB == 0 {
		cfg.Tasks.Resources.MemoryMB = 2048
	}
	if cfg.Tasks.Resources.PidsMax == 0 {
		cfg.Tasks.Resources.PidsMax = 512
	}
	if cfg.Notifications.Driver == "" {
		cfg.Notifications.Driver = "memory"
	}
	if cfg.Notifications.BufferSize == 0 {
		cfg.Notifications.BufferSize = 256
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "loom"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	switch cfg.Database.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url: required for the postgres driver")
	}
	switch cfg.Notifications.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("notifications.driver: unknown driver %q", cfg.Notifications.Driver)
	}
	if cfg.Notifications.Driver == "postgres" && strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url: required for the postgres notification driver")
	}
	for name, url := range cfg.Modules.Endpoints {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("modules.endpoints: empty module name")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("modules.endpoints.%s: base URL must be http(s), got %q", name, url)
		}
	}
	for i, model := range cfg.LLM.FallbackChain {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("llm.fallback_chain[%d]: empty model id", i)
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature: must be in [0, 2], got %v", cfg.LLM.Temperature)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}
