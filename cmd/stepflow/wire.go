package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/api"
	"github.com/rendis/stepflow/internal/cache"
	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/email"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/tickets"
	"github.com/rendis/stepflow/internal/triggers"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// components is the wired process.
type components struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	redis     redis.UniversalClient
	tracing   telemetry.Provider
	hub       *streaming.MemoryHub
	bridge    *streaming.Bridge
	gateway   *streaming.Gateway
	machine   *engine.Machine
	pool      *engine.WorkerPool
	scheduler *scheduler.Scheduler
	schedules *triggers.Schedules
	service   *service.Service
	tickets   *tickets.Service
	metrics   *metrics.Metrics
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN, store.PostgresOptions{})
	default:
		return store.NewLibSQLStore(cfg.DSN)
	}
}

// newValidator builds the action registry and the definition validator the
// server and the validate command share.
func newValidator(cfg Config) (*actions.Registry, *conditions.Evaluator, *validation.WorkflowValidator, error) {
	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, nil, nil, err
	}
	reg := actions.NewRegistry(schemas)
	err = actions.RegisterBuiltins(reg, actions.Config{
		HTTP:      actions.HTTPConfig{DefaultTimeout: cfg.StepTimeout},
		EmailMode: cfg.EmailMode,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	engines, err := expressions.NewDefaultRegistry()
	if err != nil {
		return nil, nil, nil, err
	}
	cond := conditions.New(engines, nil)
	v, err := validation.NewWorkflowValidator(reg, cond, validation.WithMaxStepTimeout(cfg.maxStepTimeout()))
	if err != nil {
		return nil, nil, nil, err
	}
	return reg, cond, v, nil
}

func build(ctx context.Context, cfg Config, logger *slog.Logger) (c *components, err error) {
	c = &components{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.close(context.Background())
		}
	}()

	if c.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err = c.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if c.tracing, err = telemetry.Setup(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	tracer := telemetry.Tracer(c.tracing)

	var (
		locker engine.Locker
		defs   engine.DefinitionSource
		defsC  *cache.Definitions
	)
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err = c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		defsC = cache.NewDefinitions(c.redis, c.store, cache.WithLogger(logger))
		defs = defsC
		locker = engine.NewRedisLocker(c.redis, engine.RedisLockerOptions{TTL: 2 * cfg.StepTimeout})
	}

	c.hub = streaming.NewMemoryHub()
	switch cfg.Bus.Driver {
	case "kafka":
		c.bridge, err = streaming.NewKafkaBridge(streaming.KafkaConfig{Brokers: cfg.Bus.Brokers, Topic: cfg.Bus.Topic}, c.hub, logger)
		if err != nil {
			return nil, err
		}
	default:
		c.bridge = streaming.NewGoChannelBridge(c.hub, logger)
	}
	publisher := streaming.NewPublisher(c.bridge, c.store, logger)
	c.gateway = streaming.NewGateway(c.hub, logger)

	reg, cond, validator, err := newValidator(cfg)
	if err != nil {
		return nil, err
	}

	var sender email.Sender = email.NewLogSender(logger)
	if cfg.SMTP.Host != "" {
		sender = email.NewSMTPSender(cfg.SMTP)
	}
	mail := email.NewService(c.store, sender,
		email.WithEvents(publisher),
		email.WithFrom(cfg.SMTP.From),
		email.WithLogger(logger))

	c.machine = engine.NewMachine(engine.Deps{
		Store:       c.store,
		Definitions: defs,
		Actions:     reg,
		Conditions:  cond,
		Locker:      locker,
		Publisher:   publisher,
		Effects: actions.Effects{
			Notifier: publisher,
			Mailer:   mail,
			Tickets:  c.store,
		},
		Logger: logger,
		Tracer: tracer,
	}, cfg.engineConfig())
	mail.SetResolver(c.machine)

	dispatch := cfg.Dispatch
	if dispatch.Owner == "" {
		host, _ := os.Hostname()
		dispatch.Owner = host + "-" + uuid.NewString()[:8]
	}
	c.metrics = metrics.New()
	c.pool = engine.NewWorkerPool(cfg.PoolSize)
	c.scheduler = scheduler.New(c.store, c.pool, dispatch,
		scheduler.WithPublisher(publisher),
		scheduler.WithLogger(logger),
		scheduler.WithTracer(tracer),
		scheduler.WithObserver(c.metrics.ObserveJob))
	c.scheduler.Handle(schema.JobKindStep, c.machine)
	c.scheduler.Handle(schema.JobKindResume, c.machine)
	c.scheduler.Handle(schema.JobKindEmailSend, mail)

	c.metrics.Instrument(c.machine)
	c.metrics.WatchPool(c.pool)
	c.metrics.WatchHub(c.hub)

	dispatcher := triggers.NewDispatcher(c.store, c.machine, cond, logger)
	c.schedules = triggers.NewSchedules(c.store, c.machine, cond, logger)
	c.tickets = tickets.NewService(c.store, dispatcher, logger)

	deps := service.Deps{
		Store:     c.store,
		Engine:    c.machine,
		Validator: validator,
		Jobs:      c.scheduler,
		Events:    dispatcher,
		Emails:    mail,
		Logger:    logger,
	}
	if defsC != nil {
		deps.Cache = defsC
	}
	c.service = service.New(deps)
	return c, nil
}

// apiServer builds the HTTP API.
func (c *components) apiServer() *api.Server {
	opts := []api.Option{api.WithLogger(c.logger)}
	if c.cfg.AccessLog {
		opts = append(opts, api.WithAccessLog())
	}
	return api.New(c.service, c.tickets, opts...)
}

// streamHandler serves the websocket gateway and the metrics endpoint.
func (c *components) streamHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/", c.gateway)
	mux.Handle("/metrics", c.metrics.Handler())
	return mux
}

func (c *components) close(ctx context.Context) {
	var errs []error
	if c.gateway != nil {
		c.gateway.Close()
	}
	if c.bridge != nil {
		errs = append(errs, c.bridge.Close())
	}
	if c.pool != nil {
		c.pool.Shutdown()
	}
	if c.tracing != nil {
		errs = append(errs, c.tracing.Shutdown(ctx))
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("shutdown", slog.String("error", err.Error()))
	}
}
