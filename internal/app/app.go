package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"whale-alerts/internal/alerting"
	"whale-alerts/internal/clock"
	"whale-alerts/internal/config"
	"whale-alerts/internal/event"
	"whale-alerts/internal/fetcher"
	"whale-alerts/internal/httpapi"
	"whale-alerts/internal/recorder"
	"whale-alerts/internal/retry"
	"whale-alerts/internal/scheduler"
	"whale-alerts/internal/service"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
	"whale-alerts/internal/version"
	"whale-alerts/internal/watermark"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newClassifier() (*tier.Classifier, error) {
	t1, t2, t3 := a.Config.Tiers.Thresholds()
	return tier.NewClassifier(t1, t2, t3)
}

func (a *App) newFetcher() (*fetcher.Subgraph, error) {
	return fetcher.NewSubgraph(fetcher.SubgraphOptions{
		URL:       a.Config.Subgraph.URL,
		Timeout:   a.Config.Subgraph.RequestTimeout,
		UserAgent: a.Config.Subgraph.UserAgent,
		Retry: retry.Policy{
			MaxAttempts: a.Config.Retry.MaxAttempts,
			BaseDelay:   a.Config.Retry.BaseDelay,
			Multiplier:  a.Config.Retry.Multiplier,
			MaxDelay:    a.Config.Retry.MaxDelay,
		},
	}, a.Logger)
}

func (a *App) newRenderer() alerting.Renderer {
	return alerting.Renderer{ExplorerTxURL: a.Config.Alerting.ExplorerTxURL}
}

// newNotifier fans out to every enabled sink. With alerting disabled or no
// sink configured, alerts are only written to the log.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}

	var sinks alerting.Multi
	if cfg.Discord.Enabled {
		channel := cfg.Discord.ChannelID
		if channel == "" {
			channel = cfg.Destination
		}
		sinks = append(sinks, alerting.NewDiscordNotifier(cfg.Discord.BotToken, channel, cfg.Discord.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg.Telegram.Enabled {
		chat := cfg.Telegram.ChatID
		if chat == "" {
			chat = cfg.Destination
		}
		sinks = append(sinks, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, chat, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
	}
	if len(sinks) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no sink configured; alerts go to the log only")
		return alerting.NewLogNotifier(a.Logger)
	}
	return sinks
}

func (a *App) streams() ([]service.Stream, error) {
	streams := make([]service.Stream, 0, len(a.Config.Poller.Streams))
	for _, name := range a.Config.Poller.Streams {
		kind, err := event.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("poller.streams: %w", err)
		}
		streams = append(streams, service.Stream{ID: name, Kind: kind})
	}
	return streams, nil
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	backend, err := storage.Open(ctx, a.Config)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close storage")
		}
	}
	return backend, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}
	streams, err := a.streams()
	if err != nil {
		return err
	}
	subgraph, err := a.newFetcher()
	if err != nil {
		return err
	}

	clk := clock.Real{}
	deps := service.Deps{
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger),
		Fetcher:    subgraph,
		Classifier: classifier,
		Recorder:   recorder.New(backend, clk),
		Watermarks: watermark.New(backend, clk, a.Config.Poller.StartPosition, a.Logger),
		Notifier:   a.newNotifier(),
		Renderer:   a.newRenderer(),
		Clock:      clk,
	}
	if locker, ok := backend.(storage.AdvisoryLocker); ok {
		deps.Locker = locker
	}
	if a.Config.Ethereum.RPCURL != "" {
		head := fetcher.NewChainHead(fetcher.ChainHeadOptions{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Timeout: a.Config.Ethereum.RequestTimeout,
		}, a.Logger)
		defer head.Close()
		deps.Head = head
	}

	svc, err := service.New(deps, service.Options{
		Streams:         streams,
		BatchSize:       a.Config.Poller.BatchSize,
		MinMagnitudeUSD: decimal.NewFromFloat(a.Config.Poller.MinMagnitudeUSD),
		InterBatchDelay: a.Config.Poller.InterBatchDelay,
		ErrorCooldown:   a.Config.Poller.ErrorCooldown,
		UnitTimeout:     a.Config.Poller.UnitTimeout,
		Concurrent:      a.Config.Poller.Concurrent,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("storage", a.Config.Storage.Driver).
		Str("dolphin_usd", classifier.Threshold(tier.Tier1).String()).
		Str("whale_usd", classifier.Threshold(tier.Tier2).String()).
		Str("orc_usd", classifier.Threshold(tier.Tier3).String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting monitoring service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.Metrics.Enabled {
		router := httpapi.NewRouter(httpapi.Deps{
			Status:  svc,
			Records: backend,
			Logger:  a.Logger,
			Version: version.Version,
			Started: clk.Now(),
		})
		server := httpapi.NewServer(a.Config.Metrics.Addr, router, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded events.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Stream and Tier filter the listing when set.
	Stream string
	Tier   tier.Tier
}
