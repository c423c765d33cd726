package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/stepflow/
var version = "dev"

const shutdownGrace = 30 * time.Second

func main() {
	cmd := &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Workflow automation engine",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("STEPFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("STEPFLOW_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("STEPFLOW_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "store-driver",
				Usage:   "Persistence driver (libsql, postgres)",
				Sources: cli.EnvVars("STEPFLOW_STORE_DRIVER"),
			},
			&cli.StringFlag{
				Name:    "store-dsn",
				Usage:   "Database DSN",
				Sources: cli.EnvVars("STEPFLOW_STORE_DSN", "DATABASE_URL"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			validateCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the layered config and the process logger. Logs go to stderr
// so the mcp command keeps stdout for the protocol.
func setup(cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, err
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the stream gateway and the job dispatcher",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP API address", Sources: cli.EnvVars("STEPFLOW_LISTEN")},
			&cli.StringFlag{Name: "stream-listen", Usage: "Websocket and metrics address", Sources: cli.EnvVars("STEPFLOW_STREAM_LISTEN")},
			&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the definition cache and execution locks", Sources: cli.EnvVars("STEPFLOW_REDIS_ADDR")},
			&cli.StringFlag{Name: "bus", Usage: "Stream bus (gochannel, kafka)", Sources: cli.EnvVars("STEPFLOW_BUS")},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka brokers for the stream bus", Sources: cli.EnvVars("STEPFLOW_KAFKA_BROKERS")},
			&cli.IntFlag{Name: "pool-size", Usage: "Worker pool size", Sources: cli.EnvVars("STEPFLOW_POOL_SIZE")},
			&cli.DurationFlag{Name: "step-timeout", Usage: "Timeout of one step attempt", Sources: cli.EnvVars("STEPFLOW_STEP_TIMEOUT")},
			&cli.BoolFlag{Name: "fail-fast", Usage: "Fail the execution on the first failed step", Sources: cli.EnvVars("STEPFLOW_FAIL_FAST")},
			&cli.DurationFlag{Name: "dispatch-interval", Usage: "Job polling interval", Sources: cli.EnvVars("STEPFLOW_DISPATCH_INTERVAL")},
			&cli.FloatFlag{Name: "dispatch-rate", Usage: "Job claims per second (0 disables the limit)", Sources: cli.EnvVars("STEPFLOW_DISPATCH_RATE")},
			&cli.DurationFlag{Name: "retention", Usage: "Age after which finished jobs are purged", Sources: cli.EnvVars("STEPFLOW_RETENTION")},
			&cli.StringFlag{Name: "email-mode", Usage: "Email step mode (async, sync)", Sources: cli.EnvVars("STEPFLOW_EMAIL_MODE")},
			&cli.StringFlag{Name: "smtp-host", Sources: cli.EnvVars("STEPFLOW_SMTP_HOST")},
			&cli.IntFlag{Name: "smtp-port", Sources: cli.EnvVars("STEPFLOW_SMTP_PORT")},
			&cli.StringFlag{Name: "smtp-username", Sources: cli.EnvVars("STEPFLOW_SMTP_USERNAME")},
			&cli.StringFlag{Name: "smtp-password", Sources: cli.EnvVars("STEPFLOW_SMTP_PASSWORD")},
			&cli.StringFlag{Name: "smtp-from", Sources: cli.EnvVars("STEPFLOW_SMTP_FROM")},
			&cli.BoolFlag{Name: "tracing", Usage: "Export traces over OTLP", Sources: cli.EnvVars("STEPFLOW_TRACING")},
			&cli.StringFlag{Name: "otlp-endpoint", Usage: "OTLP/HTTP traces endpoint", Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")},
			&cli.BoolFlag{Name: "access-log", Usage: "Log every API request", Sources: cli.EnvVars("STEPFLOW_ACCESS_LOG")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	app := c.apiServer().App()
	stream := &http.Server{
		Addr:              cfg.StreamAddr,
		Handler:           c.streamHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := c.schedules.Start(ctx); err != nil {
		return fmt.Errorf("start schedules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stream bus: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", slog.String("addr", cfg.ListenAddr))
		return app.Listen(cfg.ListenAddr, fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		logger.Info("stream gateway listening", slog.String("addr", cfg.StreamAddr))
		if err := stream.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		errs := []error{
			app.ShutdownWithContext(sctx),
			stream.Shutdown(sctx),
			c.schedules.Stop(),
			c.scheduler.Stop(sctx),
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema and exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema up to date", slog.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a workflow definition file (YAML or JSON)",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("validate: missing definition file", 2)
			}
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			def, err := readDefinition(path)
			if err != nil {
				return err
			}
			_, _, v, err := newValidator(cfg)
			if err != nil {
				return err
			}
			res := v.Validate(def)
			out := cmd.Root().Writer
			for _, issue := range res.Errors {
				fmt.Fprintf(out, "error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
			}
			for _, issue := range res.Warnings {
				fmt.Fprintf(out, "warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
			}
			if !res.Valid() {
				return cli.Exit(fmt.Sprintf("%s: %d error(s)", path, len(res.Errors)), 1)
			}
			fmt.Fprintf(out, "%s: ok\n", path)
			return nil
		},
	}
}

// readDefinition decodes a YAML or JSON definition file. YAML is a superset
// of JSON, so one decoder serves both; the result is re-encoded through JSON
// so the definition's json tags apply.
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &def, nil
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the workflow tools over MCP on stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.close(context.Background())

			if err := c.scheduler.Start(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				_ = c.scheduler.Stop(sctx)
			}()
			go func() {
				if err := c.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("stream bus stopped", slog.String("error", err.Error()))
				}
			}()

			srv := mcp.NewServer(mcp.Deps{Service: c.service, Hub: c.hub, Logger: logger})
			return srv.Serve(ctx)
		},
	}
}
