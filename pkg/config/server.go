package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the daemon-wide settings loaded once at startup --
// distinct from the per-client NbdConfig files, which are runtime-discovered
// rather than process configuration.
//
// Precedence (highest to lowest): CLI flags, environment variables
// (RTFTP_*), YAML config file, defaults.
type ServerConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	TFTPRoot       string        `mapstructure:"tftp_root"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ProactiveWarm  bool          `mapstructure:"proactive_warm"`
	RetryBudget    int           `mapstructure:"retry_budget"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	LogOutput      string        `mapstructure:"log_output"`
	MetricsAddress string        `mapstructure:"metrics_address"`
}

// DefaultServerConfig returns the documented defaults, per spec.md §9's
// open-question resolutions and SPEC_FULL.md §3.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:  "0.0.0.0:69",
		TFTPRoot:       "/srv/tftp",
		IdleTimeout:    30 * time.Second,
		ProactiveWarm:  false,
		RetryBudget:    5,
		AckTimeout:     3 * time.Second,
		DebounceWindow: DefaultDebounce,
		LogLevel:       "INFO",
		LogFormat:      "text",
		LogOutput:      "stdout",
		MetricsAddress: "",
	}
}

// LoadServerConfig builds a ServerConfig from a bound viper instance. The
// caller (cmd/rtftpd) is responsible for wiring flags, the RTFTP_ env
// prefix, and an optional config file onto v before calling this.
func LoadServerConfig(v *viper.Viper) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal server config: %w", err)
	}
	if err := validateServerConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.TFTPRoot == "" {
		return fmt.Errorf("config: tftp_root is required")
	}
	if cfg.RetryBudget < 1 {
		return fmt.Errorf("config: retry_budget must be >= 1")
	}
	if cfg.AckTimeout < time.Second || cfg.AckTimeout > 255*time.Second {
		return fmt.Errorf("config: ack_timeout must be between 1s and 255s")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("config: log_format must be text or json")
	}
	return nil
}
