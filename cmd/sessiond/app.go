package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/sessiond"
	"pkt.systems/sessiond/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SESSIOND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sessiond")
	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".sessiond", sessiond.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg sessiond.Config

	cmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "sessiond tracks which protocol-endpoint instance owns each IoT device connection",
		SilenceErrors: true,
		Example: `
  # In-memory store (single instance, tests/dev only)
  sessiond --store mem://

  # PostgreSQL-backed fleet member with NATS connection events
  sessiond --store postgres://sessiond@db/sessiond --nats-url nats://nats:4222

  # Validate created applications against a device registry
  SESSIOND_REGISTRY_URL=http://device-registry:8080 sessiond --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			bindConfig(&cfg)

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
					cliLogger = svcfields.WithSubsystem(logger, "cli.root")
				}
			}

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"starting sessiond",
				"pid", os.Getpid(),
				"store", cfg.Store)

			server, err := sessiond.NewServer(cfg, sessiond.WithLogger(logger))
			if err != nil {
				return err
			}

			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = sessiond.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.sessiond/"+sessiond.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", sessiond.DefaultListen, "listen address")
	flags.String("listen-proto", sessiond.DefaultListenProto, "listen network (tcp, unix)")
	flags.String("metrics-listen", sessiond.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("store", sessiond.DefaultStore, "registry backend (mem:// or a postgres:// DSN)")
	flags.Duration("session-ttl", sessiond.DefaultSessionTTL, "instance session lease length")
	flags.Duration("prune-interval", sessiond.DefaultPruneInterval, "expired session sweep interval (0 disables)")
	flags.Int32("max-conns", 0, "PostgreSQL pool size cap (0 keeps driver default)")
	flags.String("registry-url", "", "device registry base URL for application validation (empty accepts all)")
	flags.String("nats-url", "", "NATS server URL for connection events (empty disables publishing)")
	flags.String("events-subject-prefix", sessiond.DefaultEventsSubjectPrefix, "NATS subject prefix for connection events")
	flags.String("otlp-endpoint", "", "OTLP HTTP collector endpoint for traces (empty disables)")
	flags.Duration("shutdown-timeout", sessiond.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "", "log level override (trace, debug, info, warn, error)")

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SESSIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "store",
		"session-ttl", "prune-interval", "max-conns",
		"registry-url", "nats-url", "events-subject-prefix",
		"otlp-endpoint", "shutdown-timeout", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *sessiond.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.Store = viper.GetString("store")
	cfg.SessionTTL = viper.GetDuration("session-ttl")
	cfg.PruneInterval = viper.GetDuration("prune-interval")
	cfg.MaxConns = viper.GetInt32("max-conns")
	cfg.RegistryURL = viper.GetString("registry-url")
	cfg.NATSURL = viper.GetString("nats-url")
	cfg.EventsSubjectPrefix = viper.GetString("events-subject-prefix")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
}
