package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TFTP server",
	Long: `Run the rtftpd server in the foreground.

Configuration is resolved in this order, highest priority first:
flags, RTFTP_* environment variables, a YAML config file, then the
built-in defaults.

Examples:
  # Serve with defaults (0.0.0.0:69, /srv/tftp)
  rtftpd serve

  # Serve a custom root and listen address
  rtftpd serve --tftp-root /var/lib/tftp --listen 0.0.0.0:6969

  # Serve with environment overrides
  RTFTP_LOG_LEVEL=DEBUG rtftpd serve --config /etc/rtftpd/config.yaml`,
	RunE: runServe,
}

func init() {
	defaults := config.DefaultServerConfig()

	serveCmd.Flags().String("listen", defaults.ListenAddress, "UDP address to listen on")
	serveCmd.Flags().String("tftp-root", defaults.TFTPRoot, "root directory containing default/, per-client dirs, and *.nbd configs")
	serveCmd.Flags().Duration("idle-timeout", defaults.IdleTimeout, "idle duration before an unused guest session is detached")
	serveCmd.Flags().Bool("warm", defaults.ProactiveWarm, "proactively attach guest sessions when a *.nbd config appears")
	serveCmd.Flags().Int("retry-budget", defaults.RetryBudget, "max DATA retransmits before abandoning a transfer")
	serveCmd.Flags().Duration("ack-timeout", defaults.AckTimeout, "time to wait for an ACK before retransmitting")
	serveCmd.Flags().Duration("debounce-window", defaults.DebounceWindow, "coalescing window for rapid *.nbd filesystem events")
	serveCmd.Flags().String("log-level", defaults.LogLevel, "DEBUG, INFO, WARN, or ERROR")
	serveCmd.Flags().String("log-format", defaults.LogFormat, "text or json")
	serveCmd.Flags().String("log-output", defaults.LogOutput, "stdout, stderr, or a file path")
	serveCmd.Flags().String("metrics-address", defaults.MetricsAddress, "HTTP address to expose Prometheus metrics on (empty disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("rtftpd: shutdown signal received", "signal", sig.String())
		cancel()
		return <-done
	case err := <-done:
		return err
	}
}

// loadServeConfig layers flags over RTFTP_* environment variables over an
// optional YAML config file over the built-in defaults.
func loadServeConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("RTFTP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := GetConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	flagToKey := map[string]string{
		"listen":          "listen_address",
		"tftp-root":       "tftp_root",
		"idle-timeout":    "idle_timeout",
		"warm":            "proactive_warm",
		"retry-budget":    "retry_budget",
		"ack-timeout":     "ack_timeout",
		"debounce-window": "debounce_window",
		"log-level":       "log_level",
		"log-format":      "log_format",
		"log-output":      "log_output",
		"metrics-address": "metrics_address",
	}
	for flagName, key := range flagToKey {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, fmt.Errorf("bind flag %q: %w", flagName, err)
		}
	}

	return config.LoadServerConfig(v)
}
