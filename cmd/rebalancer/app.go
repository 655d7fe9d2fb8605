package main

import (
	"context"
	"os"
	"strings"
	"time"

	"alpha_rebalancer/internal/agent"
	"alpha_rebalancer/internal/config"
	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/logger"
	"alpha_rebalancer/internal/market/alpaca"
	"alpha_rebalancer/internal/metrics"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/reconcile"
	"alpha_rebalancer/internal/regime"
	"alpha_rebalancer/internal/runguard"
	"alpha_rebalancer/internal/scoring"
	"alpha_rebalancer/internal/selection"
	"alpha_rebalancer/internal/storage"
	"alpha_rebalancer/internal/telegram"
	"alpha_rebalancer/internal/validation"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const versionFile = "version.latest"

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	universe *config.Universe
	holdMode ledger.HoldMode
	ledger   *ledger.Ledger // nil until loadLedger
	provider *alpaca.Provider
	surface  *alpaca.Surface
	metrics  *metrics.Metrics
	notifier telegram.Notifier
	table    regime.Table
	mode     scoring.Mode
}

// newApp loads configuration and wires the components. State is not read
// here; see loadLedger. Broker credentials are only required when the
// command talks to the broker.
func newApp(broker bool) (*app, error) {
	cfg := config.Load()
	if dryRun {
		cfg.DryRun = true
	}
	if universePath != "" {
		cfg.UniverseFile = universePath
	}

	log := logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)
	config.LogEnvFile(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker {
		if err := config.RequireBroker(); err != nil {
			return nil, err
		}
	}

	u, err := config.LoadUniverse(cfg.UniverseFile)
	if err != nil {
		return nil, err
	}
	mode, err := scoring.ParseMode(cfg.ScoringMode)
	if err != nil {
		return nil, err
	}
	holdMode, err := ledger.ParseHoldMode(cfg.HoldMode)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()

	provider := alpaca.NewProvider(alpaca.Options{
		RiskProxy:       cfg.RiskProxy,
		HistoryDays:     cfg.HistoryDays,
		Feed:            cfg.MarketFeed,
		RequestsPerSec:  cfg.RequestsPerSec,
		BreakerTimeout:  cfg.BreakerTimeout,
		BreakerFailures: cfg.BreakerFailures,
		DiagnosticsDir:  cfg.DiagnosticsDir,
		Location:        loc,
	}, log)

	log.Infof("Alpha Rebalancer %s initialized (hold %s, scoring %s, dry-run %t)", readVersion(), holdMode, mode, cfg.DryRun)
	return &app{
		cfg:      cfg,
		log:      log,
		universe: u,
		holdMode: holdMode,
		provider: provider,
		surface:  alpaca.NewSurface(provider),
		metrics:  metrics.New(),
		notifier: telegram.New(cfg.TelegramToken, cfg.TelegramChatID, log),
		table:    regime.DefaultTable(cfg.SprintMode),
		mode:     mode,
	}, nil
}

// guard picks the Redis lock when REDIS_ADDR is set, else the lock file.
func (a *app) guard() runguard.Guard {
	if a.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		return runguard.NewRedisGuard(client, a.cfg.RedisLockKey, a.cfg.RedisLockTTL, a.log)
	}
	return runguard.NewFileGuard(a.cfg.LockFile, a.cfg.StaleLockAfter, a.log)
}

// loadLedger reads the state file and builds the ledger over it.
func (a *app) loadLedger() error {
	store := storage.New(a.cfg.StateFile, a.cfg.BackupFile, a.log)
	st, err := store.Load()
	if err != nil {
		return err
	}
	a.ledger = ledger.New(st, store, ledger.Options{
		Mode:       a.holdMode,
		MinHold:    a.cfg.MinHold,
		HoldBuffer: a.cfg.HoldBuffer,
		Location:   a.cfg.Location(),
	}, a.log)
	return nil
}

// exclusive runs fn while holding the run guard. State is loaded only once
// the guard is held, so fn never works on a snapshot another run has since
// replaced.
func (a *app) exclusive(ctx context.Context, fn func(context.Context) error) error {
	release, err := a.guard().Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			a.log.WithError(err).Warn("Failed to release run guard")
		}
	}()
	if err := a.loadLedger(); err != nil {
		return err
	}
	return fn(ctx)
}

// serveMetrics exposes the registry for the lifetime of ctx when configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr, a.log); err != nil {
			a.log.WithError(err).Error("Metrics server stopped")
		}
	}()
}

func (a *app) machine() *execution.Machine {
	return execution.New(a.surface, a.ledger, execution.Config{
		Timeout:        a.cfg.TransitionTimeout,
		Attempts:       a.cfg.TransitionAttempts,
		BaseDelay:      a.cfg.RetryBaseDelay,
		MaxDelay:       a.cfg.RetryMaxDelay,
		VerifyAttempts: a.cfg.VerifyAttempts,
		VerifyDelay:    a.cfg.VerifyDelay,
		DryRun:         a.cfg.DryRun,
	}, execution.Hooks{
		OnTransition: func(o models.Order, from, to execution.State) {
			a.log.WithFields(logrus.Fields{"ticker": o.Ticker, "side": o.Side}).Debugf("%s -> %s", from, to)
		},
		OnRetry: func(step execution.State, _ int, _ error) {
			a.metrics.TransitionRetry(step.String())
		},
		OnOutcome: func(r execution.Result) {
			a.metrics.Execution(string(r.Order.Side), r.State.String())
		},
	}, a.log)
}

func (a *app) agent() *agent.Agent {
	return agent.New(agent.Config{
		Bands:           a.universe.RegimeBands,
		Table:           a.table,
		SatelliteWeight: a.cfg.SatelliteWeight,
		Location:        a.cfg.Location(),
	}, agent.Deps{
		Provider: a.provider,
		Scorer: scoring.New(scoring.Config{
			Mode:           a.mode,
			Benchmark:      a.universe.Benchmark,
			SafetyFloor:    a.cfg.SafetyBufferPrice,
			RelaxedUptrend: a.cfg.RelaxedUptrend,
		}, a.universe, a.universe.SatelliteTickers(), a.log),
		Selector: selection.New(selection.Config{
			Mode:                a.mode,
			KillSwitchThreshold: a.cfg.VolatilityKillThreshold,
			Table:               a.table,
		}, a.log),
		Validator: validation.New(validation.Rules{
			MaxTradesTotal: a.cfg.MaxTradesTotal,
			SoftStopTrades: a.cfg.SoftStopTrades,
			MinHoldings:    a.cfg.MinHoldings,
			MaxPositionPct: a.cfg.MaxPositionPct,
			MinPrice:       a.cfg.MinPriceAtBuy,
			MinQty:         a.cfg.MinOrderQty,
			MaxQty:         a.cfg.MaxOrderQty,
			Mode:           a.mode,
			RelaxedUptrend: a.cfg.RelaxedUptrend,
		}, a.table, a.universe, a.ledger),
		Executor: a.machine(),
		Valuer:   a.surface,
		Ledger:   a.ledger,
		Universe: a.universe,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	}, a.log)
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.surface, a.ledger, a.universe, a.log)
}

func (a *app) notify(ctx context.Context, text string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.notifier.Notify(nctx, text); err != nil {
		a.log.WithError(err).Warn("Notification failed")
	}
}

func readVersion() string {
	version, err := os.ReadFile(versionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
