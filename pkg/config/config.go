package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig                 `json:"app" yaml:"app"`
	Gateways    map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory      MemoryConfig              `json:"memory" yaml:"memory"`
	Execution   ExecutionConfig           `json:"execution" yaml:"execution"`
	Broadcaster BroadcasterConfig         `json:"broadcaster" yaml:"broadcaster"`
	Telemetry   TelemetryConfig           `json:"telemetry" yaml:"telemetry"`
	Planner     PlannerConfig             `json:"planner" yaml:"planner"`
}

type AppConfig struct {
	Name       string `json:"name" yaml:"name"`
	Workspace  string `json:"workspace" yaml:"workspace"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// ProgressRate caps progress messages relayed to a chat, per second.
	ProgressRate float64 `json:"progress_rate_per_sec" yaml:"progress_rate_per_sec"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"` // sqlite or memory
	Path string `json:"path" yaml:"path"`
}

type ExecutionConfig struct {
	MaxRetries    int      `json:"max_retries" yaml:"max_retries"`
	RetryBaseWait Duration `json:"retry_base_wait" yaml:"retry_base_wait"`
	RetryMaxWait  Duration `json:"retry_max_wait" yaml:"retry_max_wait"`
	EventBuffer   int      `json:"event_buffer" yaml:"event_buffer"`
}

type BroadcasterConfig struct {
	KeepAlive        Duration `json:"keepalive" yaml:"keepalive"`
	IdleTimeout      Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SubscriberBuffer int      `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type TelemetryConfig struct {
	Window     int      `json:"window" yaml:"window"`
	PendingTTL Duration `json:"pending_ttl" yaml:"pending_ttl"`
}

type PlannerConfig struct {
	Templates      string `json:"templates" yaml:"templates"`
	Prompts        string `json:"prompts" yaml:"prompts"`
	WatchTemplates bool   `json:"watch_templates" yaml:"watch_templates"`
}

// Duration accepts "1m30s" style strings in JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"500ms\": %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when a field is left unset.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:       "steward",
			Workspace:  "workspace",
			ListenAddr: ":8080",
			LogLevel:   "info",
		},
		Gateways:  map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{},
		Memory:    MemoryConfig{Type: "sqlite", Path: "steward.db"},
		Execution: ExecutionConfig{
			MaxRetries:    3,
			RetryBaseWait: Duration(500 * time.Millisecond),
			RetryMaxWait:  Duration(10 * time.Second),
			EventBuffer:   64,
		},
		Broadcaster: BroadcasterConfig{
			KeepAlive:        Duration(15 * time.Second),
			IdleTimeout:      Duration(5 * time.Minute),
			SubscriberBuffer: 32,
		},
		Telemetry: TelemetryConfig{Window: 500, PendingTTL: Duration(time.Hour)},
		Planner: PlannerConfig{
			Templates: "templates.yaml",
			Prompts:   "prompts",
		},
	}
}

// LoadConfig reads a JSON or YAML file (chosen by extension) over the
// defaults, then applies environment overrides. An empty path yields the
// defaults with overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STEWARD_LISTEN_ADDR"); v != "" {
		c.App.ListenAddr = v
	}
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		c.Memory.Path = v
	}
	if v := os.Getenv("STEWARD_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("STEWARD_AUTH_TOKEN"); v != "" {
		c.App.AuthToken = v
	}
	c.tokenFromEnv("telegram", "TELEGRAM_TOKEN")
	c.tokenFromEnv("discord", "DISCORD_TOKEN")
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p := c.Providers["openai"]
		p.APIKey = v
		c.Providers["openai"] = p
	}
}

func (c *Config) tokenFromEnv(gateway, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if c.Gateways == nil {
		c.Gateways = map[string]GatewayConfig{}
	}
	g := c.Gateways[gateway]
	g.Token = v
	c.Gateways[gateway] = g
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Memory.Type {
	case "sqlite":
		if c.Memory.Path == "" {
			return fmt.Errorf("memory.path is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown memory type %q", c.Memory.Type)
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	for name, g := range c.Gateways {
		if g.Enabled && g.Token == "" {
			return fmt.Errorf("gateway %s is enabled without a token", name)
		}
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGatewayConfig returns the named gateway config if enabled
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
