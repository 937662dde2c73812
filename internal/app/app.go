package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"carbon-price-collector/internal/adapter"
	"carbon-price-collector/internal/alerting"
	"carbon-price-collector/internal/config"
	"carbon-price-collector/internal/fetcher"
	"carbon-price-collector/internal/scheduler"
	"carbon-price-collector/internal/service"
	"carbon-price-collector/internal/sink"
	"carbon-price-collector/internal/statusapi"
	"carbon-price-collector/internal/storage"
	"carbon-price-collector/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// collector is the fully wired pipeline for one process.
type collector struct {
	registry  *adapter.Registry
	service   *service.Service
	scheduler *scheduler.Scheduler
	close     func()
}

type buildOptions struct {
	dryRun    bool
	withStore bool
}

func (a *App) newFetchClient() *fetcher.Client {
	core := a.Config.SchedulerOptions()
	return fetcher.New(fetcher.Options{
		Timeout:       core.RequestTimeout,
		RetryCount:    core.FetchRetryCount,
		Backoff:       a.Config.Fetch.Backoff,
		UserAgent:     firstNonEmpty(a.Config.Fetch.UserAgent, version.UserAgent()),
		SlowThreshold: a.Config.Fetch.SlowThreshold,
	}, a.Logger)
}

func (a *App) newRenderer(client *fetcher.Client) fetcher.Renderer {
	if a.Config.Browser.Enabled {
		return fetcher.NewChromeRenderer(fetcher.ChromeOptions{
			Timeout:     a.Config.Browser.Timeout,
			SettleDelay: a.Config.Browser.SettleDelay,
			Screenshot:  a.Config.Browser.Screenshot,
			RetryCount:  a.Config.SchedulerOptions().FetchRetryCount,
			Backoff:     a.Config.Fetch.Backoff,
		}, a.Logger)
	}
	return fetcher.NewHTTPRenderer(client)
}

// newRegistry registers the enabled market adapters. EU and UK have no adapter.
func (a *App) newRegistry() *adapter.Registry {
	client := a.newFetchClient()
	deps := adapter.Deps{
		Getter:   client,
		Prober:   client,
		Renderer: a.newRenderer(client),
		Logger:   a.Logger,
	}
	cfg := a.Config.Adapters

	registry := adapter.NewRegistry()
	if cfg.CEA.Enabled {
		registry.Register(adapter.NewCEA(adapter.CEAOptions{
			PageURL:     cfg.CEA.PageURL,
			RowSelector: cfg.CEA.RowSelector,
			Layout:      layoutOf(cfg.CEA),
			APIURL:      cfg.CEA.APIURL,
		}, deps))
	}
	if cfg.CCER.Enabled {
		registry.Register(adapter.NewCCER(adapter.CCEROptions{
			PageURL:     cfg.CCER.PageURL,
			RowSelector: cfg.CCER.RowSelector,
			Layout:      layoutOf(cfg.CCER),
		}, deps))
	}
	if cfg.CCA.Enabled {
		registry.Register(adapter.NewCCA(adapter.CCAOptions{CSVURLs: cfg.CCA.URLs}, deps))
	}
	if cfg.CDR.Enabled {
		registry.Register(adapter.NewCDR(adapter.CDROptions{APIURLs: cfg.CDR.URLs}, deps))
	}
	return registry
}

func layoutOf(c config.TableSourceConfig) *adapter.TableLayout {
	return &adapter.TableLayout{DateCol: c.DateCol, PriceCol: c.PriceCol, VolumeCol: c.VolumeCol}
}

func (a *App) newAlerter() alerting.Alerter {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.Multi{}
	}
	var channels alerting.Multi
	for _, ch := range cfg.Channels {
		if ch == "log" {
			channels = append(channels, alerting.NewLogAlerter(a.Logger))
		}
	}
	if cfg.Telegram.Enabled {
		channels = append(channels, alerting.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, alerting.NewWebhookAlerter(cfg.Webhook.URL, cfg.Webhook.Timeout, a.Logger))
	}
	if len(channels) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; falling back to log")
		channels = append(channels, alerting.NewLogAlerter(a.Logger))
	}
	return channels
}

func (a *App) newSink() *sink.Client {
	return sink.New(sink.Options{
		Endpoint:        a.Config.SchedulerOptions().SinkEndpoint,
		HistoryEndpoint: a.Config.Sink.HistoryEndpoint,
		SourceName:      a.Config.Sink.SourceName,
		Timeout:         a.Config.Sink.Timeout,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) build(ctx context.Context, opts buildOptions) (*collector, error) {
	c := &collector{registry: a.newRegistry(), close: func() {}}

	submitter := a.newSink()
	deps := service.Deps{Submitter: submitter}
	if a.Config.Sink.HistoryEndpoint != "" {
		deps.Prior = submitter
	}

	if opts.withStore {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			deps.Executions = store
			deps.Evidence = store
			deps.Locker = store
			c.close = closeStore
		}
	}

	c.service = service.New(service.Options{
		LockKeyBase:       a.Config.Scheduler.AdvisoryLockKey,
		PriorLookbackDays: a.Config.Scheduler.PriorLookbackDays,
		DryRun:            opts.dryRun,
	}, deps, a.Logger)

	core := a.Config.SchedulerOptions()
	sched, err := scheduler.New(scheduler.Options{
		MaxTaskRetries:  core.MaxTaskRetries,
		RetryDelay:      a.Config.Scheduler.RetryDelay,
		HistoryCapacity: core.HistoryCapacity,
		RunOnStart:      a.Config.Scheduler.RunOnStart,
		Schedules:       a.Config.Scheduler.Schedules,
		Disabled:        a.Config.Scheduler.DisabledTasks,
	}, c.registry, c.service, a.newAlerter(), a.Logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.scheduler = sched
	return c, nil
}

// Run executes the long-running collector: scheduler plus status API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, buildOptions{withStore: true})
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer c.scheduler.Stop()

	errCh := make(chan error, 1)
	if a.Config.Status.Enabled {
		srv, err := statusapi.NewServer(statusapi.Options{
			Addr:   a.Config.Status.Addr,
			OnStop: cancel,
		}, c.scheduler, a.Logger)
		if err != nil {
			return err
		}
		go func() {
			errCh <- srv.Start(ctx)
		}()
	}

	a.Logger.Info().Int("tasks", len(c.scheduler.Tasks())).Str("version", version.Version).Msg("carbon price collector started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.Logger.Error().Err(err).Msg("status api terminated with error")
			return err
		}
	}

	a.Logger.Info().Msg("carbon price collector stopped")
	return nil
}

func (a *App) statusClient() *statusapi.Client {
	return statusapi.NewClient(a.Config.Status.URL, 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ErrNoAdapter is returned when a market has no registered adapter.
var ErrNoAdapter = errors.New("no adapter for market")

// TestAdapterOptions configure the adapter smoke test.
type TestAdapterOptions struct {
	Market string
	Date   time.Time
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	TaskID string
	Limit  int
	// FromDB reads persisted executions instead of asking the running collector.
	FromDB bool
}

// ExecuteOptions select what the execute command runs.
type ExecuteOptions struct {
	TaskID string
	All    bool
	// Local runs the pipeline in this process instead of on the running collector.
	Local bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Market string
	From   time.Time
	To     time.Time
	DryRun bool
}
