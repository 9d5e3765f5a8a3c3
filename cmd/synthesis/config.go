package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// MCPServerConfig starts one control-protocol tool server, exposed to steps
// as the adapter "mcp.<name>".
type MCPServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Config holds all synthesis configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	PoolSize           int                        `json:"pool_size"`
	LogLevel           string                     `json:"log_level"`
	CheckpointBackend  string                     `json:"checkpoint_backend"` // memory, libsql, redis
	DBPath             string                     `json:"db_path"`
	RedisAddr          string                     `json:"redis_addr"`
	RedisPrefix        string                     `json:"redis_prefix"`
	CheckpointTTL      Duration                   `json:"checkpoint_ttl"`
	DefaultStepTimeout Duration                   `json:"default_step_timeout"`
	DetachGrace        Duration                   `json:"detach_grace"`
	BreakerThreshold   int                        `json:"breaker_threshold"` // 0 disables circuit breakers
	BreakerCooldown    Duration                   `json:"breaker_cooldown"`
	ScheduleInterval   Duration                   `json:"schedule_interval"`
	MetricsAddr        string                     `json:"metrics_addr"` // empty disables the endpoint
	Globals            map[string]any             `json:"globals,omitempty"`
	MCPServers         map[string]MCPServerConfig `json:"mcp_servers,omitempty"`
	Services           map[string]string          `json:"services,omitempty"` // name -> base URL
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or seconds: %w", err)
	}
	*d = Duration(n * float64(time.Second))
	return nil
}

func defaultConfig() Config {
	return Config{
		PoolSize:          10,
		LogLevel:          "info",
		CheckpointBackend: "memory",
		DBPath:            "file:" + filepath.Join(synthesisDir(), "synthesis.db"),
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "synthesis",
		DetachGrace:       Duration(5 * time.Second),
		BreakerThreshold:  5,
		BreakerCooldown:   Duration(30 * time.Second),
		ScheduleInterval:  Duration(30 * time.Second),
	}
}

func synthesisDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".synthesis"
	}
	return filepath.Join(home, ".synthesis")
}

func settingsPath() string {
	return filepath.Join(synthesisDir(), "settings.json")
}

// loadConfig layers defaults, the settings file, the environment and the
// flags that were set explicitly.
func loadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}

	// Layer 4: flags.
	if flags != nil {
		if err := applyFlags(&cfg, flags); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("SYNTHESIS_LOG_LEVEL", &cfg.LogLevel)
	str("SYNTHESIS_CHECKPOINT_BACKEND", &cfg.CheckpointBackend)
	str("SYNTHESIS_DB_PATH", &cfg.DBPath)
	str("SYNTHESIS_REDIS_ADDR", &cfg.RedisAddr)
	str("SYNTHESIS_REDIS_PREFIX", &cfg.RedisPrefix)
	str("SYNTHESIS_METRICS_ADDR", &cfg.MetricsAddr)

	if v := getenv("SYNTHESIS_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNTHESIS_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("SYNTHESIS_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNTHESIS_BREAKER_THRESHOLD: %w", err)
		}
		cfg.BreakerThreshold = n
	}

	durations := map[string]*Duration{
		"SYNTHESIS_CHECKPOINT_TTL":       &cfg.CheckpointTTL,
		"SYNTHESIS_DEFAULT_STEP_TIMEOUT": &cfg.DefaultStepTimeout,
		"SYNTHESIS_DETACH_GRACE":         &cfg.DetachGrace,
		"SYNTHESIS_BREAKER_COOLDOWN":     &cfg.BreakerCooldown,
		"SYNTHESIS_SCHEDULE_INTERVAL":    &cfg.ScheduleInterval,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	// SYNTHESIS_SERVICES=billing=http://billing:8080,ledger=http://ledger
	if v := getenv("SYNTHESIS_SERVICES"); v != "" {
		if cfg.Services == nil {
			cfg.Services = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || name == "" || url == "" {
				return fmt.Errorf("SYNTHESIS_SERVICES: malformed entry %q", pair)
			}
			cfg.Services[name] = url
		}
	}
	return nil
}

// registerConfigFlags adds the configuration flags shared by every command.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", settingsPath(), "Settings file")
	fs.Int("pool-size", 0, "Maximum concurrently running steps")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("checkpoint-backend", "", "Checkpoint store: memory, libsql, redis")
	fs.String("db-path", "", "libSQL database URI")
	fs.String("redis-addr", "", "Redis address")
	fs.String("metrics-addr", "", "Address of the Prometheus endpoint (serve only)")
	fs.Duration("default-step-timeout", 0, "Timeout for steps that set none")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	changed := func(name string) bool { return err == nil && fs.Changed(name) }

	if changed("pool-size") {
		cfg.PoolSize, err = fs.GetInt("pool-size")
	}
	if changed("log-level") {
		cfg.LogLevel, err = fs.GetString("log-level")
	}
	if changed("checkpoint-backend") {
		cfg.CheckpointBackend, err = fs.GetString("checkpoint-backend")
	}
	if changed("db-path") {
		cfg.DBPath, err = fs.GetString("db-path")
	}
	if changed("redis-addr") {
		cfg.RedisAddr, err = fs.GetString("redis-addr")
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr, err = fs.GetString("metrics-addr")
	}
	if changed("default-step-timeout") {
		var d time.Duration
		d, err = fs.GetDuration("default-step-timeout")
		cfg.DefaultStepTimeout = Duration(d)
	}
	return err
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got %d", c.PoolSize)
	}
	switch c.CheckpointBackend {
	case "memory", "libsql", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want memory, libsql or redis)", c.CheckpointBackend)
	}
	for name, srv := range c.MCPServers {
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q has no command", name)
		}
	}
	return nil
}
