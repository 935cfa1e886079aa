// Package config provides YAML-based configuration loading for ttpush.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Server holds the HTTP host options
    Server ServerConfig `mapstructure:"server"`

    // Transport holds the long-polling transport options
    Transport TransportConfig `mapstructure:"transport"`

    // Heartbeat holds the liveness registry options
    Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// ServerConfig defines the HTTP host options.
type ServerConfig struct {
    // Listen address, e.g. ":8080"
    Listen string `mapstructure:"listen"`
    // BasePath is the URL prefix the push endpoints are mounted under
    BasePath string `mapstructure:"base_path"`
}

// TransportConfig defines the long-polling transport options.
type TransportConfig struct {
    // PollTimeoutMS is the inactivity cutoff for a held poll; when it
    // elapses the batch is returned with TimedOut set.
    PollTimeoutMS int `mapstructure:"poll_timeout_ms"`
    // PollDelayMS, when > 0, is attached to outgoing batches as the
    // LongPollDelay hint and widens the disconnect threshold.
    PollDelayMS int `mapstructure:"poll_delay_ms"`
    // MaxBufferedMessages bounds a single batch; when more messages are
    // pending the wait returns early with exactly this many.
    MaxBufferedMessages int `mapstructure:"max_buffered_messages"`
    // BacklogSize is the per-connection retained ring size.
    BacklogSize int `mapstructure:"backlog_size"`
}

// HeartbeatConfig defines the liveness registry options.
type HeartbeatConfig struct {
    SweepIntervalMS       int `mapstructure:"sweep_interval_ms"`
    DisconnectThresholdMS int `mapstructure:"disconnect_threshold_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "ttpush-server",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/ttpush.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Server: ServerConfig{
            Listen:   ":8080",
            BasePath: "/push",
        },
        Transport: TransportConfig{
            PollTimeoutMS:       110000,
            PollDelayMS:         0,
            MaxBufferedMessages: 5000,
            BacklogSize:         5000,
        },
        Heartbeat: HeartbeatConfig{
            SweepIntervalMS:       1000,
            DisconnectThresholdMS: 5000,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TTPUSH and `.`/`-` are replaced with `_`.
// Example: TTPUSH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("TTPUSH")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("server.listen", cfg.Server.Listen)
    v.SetDefault("server.base_path", cfg.Server.BasePath)
    v.SetDefault("transport.poll_timeout_ms", cfg.Transport.PollTimeoutMS)
    v.SetDefault("transport.poll_delay_ms", cfg.Transport.PollDelayMS)
    v.SetDefault("transport.max_buffered_messages", cfg.Transport.MaxBufferedMessages)
    v.SetDefault("transport.backlog_size", cfg.Transport.BacklogSize)
    v.SetDefault("heartbeat.sweep_interval_ms", cfg.Heartbeat.SweepIntervalMS)
    v.SetDefault("heartbeat.disconnect_threshold_ms", cfg.Heartbeat.DisconnectThresholdMS)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("TTPUSH_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `ttpush`
        v.SetConfigName("ttpush")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".ttpush"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.Server.Listen == "" {
        c.Server.Listen = ":8080"
    }
    c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
    if c.Server.BasePath == "/" {
        return fmt.Errorf("invalid server.base_path: %q", c.Server.BasePath)
    }
    if c.Transport.PollTimeoutMS <= 0 {
        return fmt.Errorf("invalid transport.poll_timeout_ms: %d", c.Transport.PollTimeoutMS)
    }
    if c.Transport.PollDelayMS < 0 {
        return fmt.Errorf("invalid transport.poll_delay_ms: %d", c.Transport.PollDelayMS)
    }
    if c.Transport.MaxBufferedMessages <= 0 {
        c.Transport.MaxBufferedMessages = 5000
    }
    if c.Transport.BacklogSize < c.Transport.MaxBufferedMessages {
        // the ring must be able to hold one full batch
        c.Transport.BacklogSize = c.Transport.MaxBufferedMessages
    }
    if c.Heartbeat.SweepIntervalMS <= 0 {
        c.Heartbeat.SweepIntervalMS = 1000
    }
    if c.Heartbeat.DisconnectThresholdMS <= 0 {
        c.Heartbeat.DisconnectThresholdMS = 5000
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
