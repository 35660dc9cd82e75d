package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polymirror/mirrorbot/internal/crypto"
	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/engine"
	"github.com/polymirror/mirrorbot/internal/executor"
	"github.com/polymirror/mirrorbot/internal/ingest"
	"github.com/polymirror/mirrorbot/internal/notify"
	"github.com/polymirror/mirrorbot/internal/platform/goldsky"
	"github.com/polymirror/mirrorbot/internal/platform/polymarket"
	"github.com/polymirror/mirrorbot/internal/risk"
	"github.com/polymirror/mirrorbot/internal/server"
	"github.com/polymirror/mirrorbot/internal/server/handler"
	"github.com/polymirror/mirrorbot/internal/server/ws"
	"github.com/polymirror/mirrorbot/internal/telemetry"
)

const (
	// mirrorLockTTL bounds how long a crashed instance keeps the source
	// wallet locked; the holder refreshes it continuously.
	mirrorLockTTL = 30 * time.Second

	marketCacheTTL     = 5 * time.Minute
	chainCheckInterval = time.Minute
	snapshotInterval   = 30 * time.Second
	houseKeepInterval  = time.Hour
	archiveInterval    = time.Hour

	// dedupeStoreRetention is how long consumed dedupe keys stay in Postgres.
	// It must comfortably exceed any feed replay horizon.
	dedupeStoreRetention = 24 * time.Hour

	// exposureSnapshotRetention bounds the append-only checkpoint table.
	exposureSnapshotRetention = 7 * 24 * time.Hour
)

// pipelineOptions selects how much of the mirror pipeline a mode runs.
type pipelineOptions struct {
	// Execute admits approved intents into the order lifecycle. When false
	// the pipeline evaluates and audits decisions but places nothing, and
	// reservations are released immediately.
	Execute bool
	// Live places real venue orders; false uses the dry-run transport.
	Live bool
}

// pipeline holds every component of one assembled mirror pipeline.
type pipeline struct {
	opts pipelineOptions

	normalizer *ingest.Normalizer
	watcher    *ingest.Watcher
	chain      *ingest.ChainMonitor
	coalescer  *engine.Coalescer

	ledger     *risk.Ledger
	killSwitch *risk.KillSwitch
	guard      *risk.AutoGuard
	risk       *risk.Engine

	manager *executor.Manager
	metrics *telemetry.Collector
	auditor *telemetry.Auditor
	alerter *notify.Alerter

	// userWS carries the destination wallet's own order lifecycle messages.
	// Set only with the live transport.
	userWS *polymarket.WSClient
	wsAuth *polymarket.WSAuth
}

// CopyMode mirrors the source wallet with real order placement (or dry-run
// when execution.dry_run is set).
func (a *App) CopyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting copy mode")
	if a.cfg.Execution.DryRun {
		a.logger.WarnContext(ctx, "execution.dry_run is set; copy mode will simulate fills")
	}
	return a.runMirror(ctx, deps, pipelineOptions{
		Execute: true,
		Live:    !a.cfg.Execution.DryRun,
	}, a.cfg.Server.Enabled)
}

// ShadowMode runs the full pipeline against the dry-run transport: every
// decision and simulated fill is recorded, no venue order is placed.
func (a *App) ShadowMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting shadow mode")
	return a.runMirror(ctx, deps, pipelineOptions{Execute: true, Live: false}, a.cfg.Server.Enabled)
}

// MonitorMode observes and evaluates the source wallet without executing:
// intents flow through admission and are audited, then their reservations are
// released.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runMirror(ctx, deps, pipelineOptions{Execute: false, Live: false}, a.cfg.Server.Enabled)
}

// ServerMode serves the operator API over existing state without running the
// mirror pipeline.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	p, err := a.buildPipeline(ctx, deps, pipelineOptions{})
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, p)
	return g.Wait()
}

// FullMode runs the mirror pipeline and always serves the operator API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runMirror(ctx, deps, pipelineOptions{
		Execute: true,
		Live:    !a.cfg.Execution.DryRun,
	}, true)
}

// runMirror takes the per-source-wallet lock, assembles the pipeline, and
// runs it (plus the operator API when serveAPI is set) until the context
// ends.
func (a *App) runMirror(ctx context.Context, deps *Dependencies, opts pipelineOptions, serveAPI bool) error {
	unlock, err := deps.LockManager.Acquire(ctx, "mirror:"+a.cfg.Copy.SourceWallet, mirrorLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another instance is already mirroring %s: %w",
				a.cfg.Copy.SourceWallet, err)
		}
		return fmt.Errorf("app: acquire mirror lock: %w", err)
	}
	defer unlock()

	p, err := a.buildPipeline(ctx, deps, opts)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startPipeline(ctx, g, deps, p)
	if serveAPI {
		a.startServer(ctx, g, deps, p)
	}

	return g.Wait()
}

// buildPipeline constructs every pipeline component without starting any
// goroutine. Server mode uses the result purely to back its handlers.
func (a *App) buildPipeline(ctx context.Context, deps *Dependencies, opts pipelineOptions) (*pipeline, error) {
	cfg := a.cfg

	metrics := telemetry.NewCollector(cfg.KillSwitch.TrailingWindow.Duration, a.logger)
	killSwitch := risk.NewKillSwitch(a.logger)
	guard := risk.NewAutoGuard(killSwitch, risk.GuardThresholds{
		MaxRejectRate:   cfg.KillSwitch.MaxRejectRate,
		MaxP95LatencyMs: float64(cfg.KillSwitch.MaxP95LatencyMs),
		MinSamples:      cfg.KillSwitch.MinSamples,
	})

	ledger := risk.NewLedger(risk.LedgerConfig{
		MarketCapMicros: domain.MicrosFromUSD(cfg.Sizing.MaxMarketNotionalUSD),
		WindowCapMicros: domain.MicrosFromUSD(cfg.Sizing.MaxWindowNotionalUSD),
		RollingWindow:   cfg.Sizing.RollingWindow.Duration,
	})
	snap, err := deps.Exposure.Load(ctx)
	switch {
	case err == nil:
		if err := ledger.Restore(snap); err != nil {
			return nil, fmt.Errorf("app: restore exposure checkpoint: %w", err)
		}
		a.logger.InfoContext(ctx, "exposure checkpoint restored",
			slog.Time("taken_at", snap.TakenAt),
			slog.Int("markets", len(snap.MarketCommitted)),
		)
	case errors.Is(err, domain.ErrNotFound):
		// First run; the ledger starts empty.
	default:
		return nil, fmt.Errorf("app: load exposure checkpoint: %w", err)
	}

	riskEngine := risk.NewEngine(risk.EngineConfig{
		SizingMode:       domain.SizingMode(cfg.Sizing.Mode),
		FixedMicros:      domain.MicrosFromUSD(cfg.Sizing.FixedNotionalUSD),
		SizeMultiplier:   cfg.Sizing.SizeMultiplier,
		MinOrderMicros:   domain.MicrosFromUSD(cfg.Sizing.MinOrderNotionalUSD),
		MaxOrderMicros:   domain.MicrosFromUSD(cfg.Sizing.MaxOrderNotionalUSD),
		NearExpiryCutoff: cfg.Execution.NearExpiryCutoff.Duration,
	}, killSwitch, ledger, a.logger)

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	marketCache := polymarket.NewMarketCache(gamma, marketCacheTTL)
	data := polymarket.NewDataClient(cfg.Polymarket.DataHost)

	normalizer := ingest.NewNormalizer(
		cfg.Copy.SourceWallet, deps.Dedupe, marketCache,
		cfg.Copy.DedupeRetention.Duration, a.logger,
	)
	watcher := ingest.NewWatcher(ingest.WatcherConfig{
		WSURL:        cfg.Polymarket.WsHost,
		SourceWallet: cfg.Copy.SourceWallet,
	}, data, normalizer, deps.Checkpoints, a.logger)

	var chain *ingest.ChainMonitor
	if cfg.Polymarket.GoldskyURL != "" {
		chain = ingest.NewChainMonitor(
			goldsky.NewClient(cfg.Polymarket.GoldskyURL, cfg.Polymarket.GoldskyAPIKey),
			cfg.Copy.SourceWallet, chainCheckInterval, normalizer, a.logger,
		)
	}

	coalescer := engine.New(engine.Config{
		Window:         cfg.Copy.CoalesceWindow.Duration,
		NetOpposite:    cfg.Copy.NetOppositeTrades,
		MaxSlippageBps: cfg.Execution.MaxSlippageBps,
	}, a.logger)

	p := &pipeline{
		opts:       opts,
		normalizer: normalizer,
		watcher:    watcher,
		chain:      chain,
		coalescer:  coalescer,
		ledger:     ledger,
		killSwitch: killSwitch,
		guard:      guard,
		risk:       riskEngine,
		metrics:    metrics,
	}

	var transport executor.Transport
	if opts.Live {
		live, wsClient, wsAuth, err := a.buildLiveTransport(ctx, marketCache)
		if err != nil {
			return nil, err
		}
		transport = live
		p.userWS = wsClient
		p.wsAuth = wsAuth
	} else {
		transport = executor.NewDryRunTransport(0, a.logger)
	}

	p.manager = executor.NewManager(executor.Config{
		MaxAttempts:             cfg.Execution.MaxAttempts,
		RetryBackoff:            cfg.Execution.RetryBackoff.Duration,
		SubmitTimeout:           cfg.Execution.SubmitTimeout.Duration,
		ExpirySweepInterval:     cfg.Execution.ExpirySweepInterval.Duration,
		CancelRemainderAtExpiry: cfg.Execution.CancelRemainderAtExpiry,
		RateLimitPerSecond:      cfg.Execution.RateLimitPerSecond,
	}, transport, deps.Orders, deps.RateLimiter, a.logger)

	p.auditor = telemetry.NewAuditor(deps.Audit, deps.SignalBus, metrics, a.logger)
	p.alerter = notify.NewAlerter(deps.Notifier, killSwitch, deps.SignalBus, a.logger)

	// An accounting fault halts admission while leaving positions untouched.
	alerter := p.alerter
	p.manager.OnLedgerFault(func(err error) {
		killSwitch.Trip("ledger_fault: " + err.Error())
		alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		alerter.NotifyLedgerFault(alertCtx, err)
	})

	return p, nil
}

// buildLiveTransport resolves destination credentials and wires the CLOB
// client, the live transport, and the user-channel WS client together.
func (a *App) buildLiveTransport(ctx context.Context, cache *polymarket.MarketCache) (*polymarket.LiveTransport, *polymarket.WSClient, *polymarket.WSAuth, error) {
	cfg := a.cfg

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Polymarket.ChainID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("app: create signer: %w", err)
	}

	var creds *crypto.APICreds
	if cfg.Polymarket.ApiKey != "" {
		creds = &crypto.APICreds{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}

	clob := polymarket.NewClobClient(
		cfg.Polymarket.ClobHost, signer, creds,
		cfg.Polymarket.SignatureType, cfg.Wallet.Funder,
	)
	if creds == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("app: derive api key: %w", err)
		}
		creds = clob.Creds()
	}

	transport := polymarket.NewLiveTransport(clob, cache, nil, a.logger)

	wsClient := polymarket.NewWSClient(cfg.Polymarket.WsHost)
	wsClient.OnUserOrder(transport.HandleUserMessage)
	wsAuth := &polymarket.WSAuth{
		APIKey:     creds.Key,
		Secret:     creds.Secret,
		Passphrase: creds.Passphrase,
	}

	return transport, wsClient, wsAuth, nil
}

// startPipeline launches every pipeline goroutine on the errgroup.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	g.Go(func() error { return p.normalizer.Run(ctx) })
	g.Go(func() error { return p.watcher.Run(ctx) })
	g.Go(func() error { return p.coalescer.Run(ctx) })
	if p.chain != nil {
		g.Go(func() error { return p.chain.Run(ctx) })
	}

	// Source events into the coalescer.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-p.normalizer.Out():
				if !ok {
					return nil
				}
				p.metrics.EventAccepted()
				if ev.ReceivedAt.After(ev.ExecutedAt) {
					p.metrics.ObserveLatency(telemetry.StageIngest, ev.ReceivedAt.Sub(ev.ExecutedAt))
				}
				p.coalescer.Ingest(ev)
			}
		}
	})

	// Flushed intents through admission and, when executing, into the order
	// lifecycle.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case intent, ok := <-p.coalescer.Out():
				if !ok {
					return nil
				}
				p.metrics.IntentFlushed()
				p.metrics.ObserveLatency(telemetry.StageCoalesce, intent.CreatedAt.Sub(intent.FirstEventAt))

				adm := p.risk.Evaluate(intent)
				p.auditor.RecordDecision(ctx, intent, adm.Decision)
				if adm.Reservation == nil {
					continue
				}
				if !p.opts.Execute {
					adm.Reservation.Release()
					continue
				}
				if err := p.manager.Execute(ctx, intent, adm.Reservation, adm.Decision.SizedNotionalMicros); err != nil {
					a.logger.ErrorContext(ctx, "intent execution failed",
						slog.String("intent", intent.IntentID()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	if p.opts.Execute {
		// Resume before Run so restored orders are registered ahead of the
		// first transport update.
		g.Go(func() error {
			if err := p.manager.Resume(ctx, p.ledger); err != nil {
				return fmt.Errorf("app: resume in-flight orders: %w", err)
			}
			return p.manager.Run(ctx)
		})
		g.Go(func() error { return p.auditor.ConsumeLifecycle(ctx, p.manager.Events()) })
	}

	if p.userWS != nil {
		g.Go(func() error {
			defer p.userWS.Close()
			if err := p.userWS.Connect(ctx); err != nil {
				return fmt.Errorf("app: user channel connect: %w", err)
			}
			if err := p.userWS.SubscribeUser(*p.wsAuth, nil); err != nil {
				return fmt.Errorf("app: user channel subscribe: %w", err)
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}

	g.Go(func() error { return p.metrics.RunGuard(ctx, p.guard, 0) })
	g.Go(func() error { return p.alerter.Run(ctx) })
	g.Go(func() error { return a.runHousekeeping(ctx, deps, p) })

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx, archiveInterval) })
	}
}

// runHousekeeping checkpoints the exposure ledger and prunes aged rows.
func (a *App) runHousekeeping(ctx context.Context, deps *Dependencies, p *pipeline) error {
	snapshot := time.NewTicker(snapshotInterval)
	defer snapshot.Stop()
	prune := time.NewTicker(houseKeepInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final checkpoint so a clean shutdown restarts with current totals.
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := deps.Exposure.Save(saveCtx, p.ledger.Snapshot()); err != nil {
				a.logger.Warn("final exposure checkpoint failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()

		case <-snapshot.C:
			if err := deps.Exposure.Save(ctx, p.ledger.Snapshot()); err != nil {
				a.logger.WarnContext(ctx, "exposure checkpoint failed", slog.String("error", err.Error()))
			}

		case <-prune.C:
			now := time.Now().UTC()
			if n, err := deps.Dedupe.DeleteBefore(ctx, now.Add(-dedupeStoreRetention)); err != nil {
				a.logger.WarnContext(ctx, "dedupe prune failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "dedupe keys pruned", slog.Int64("deleted", n))
			}
			if _, err := deps.Exposure.DeleteBefore(ctx, now.Add(-exposureSnapshotRetention)); err != nil {
				a.logger.WarnContext(ctx, "exposure snapshot prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// startServer adds the operator HTTP API and the WebSocket hub to the
// errgroup, shutting the server down gracefully when the context ends.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     handler.NewStatusHandler(p.metrics, p.normalizer, p.chain, deps.Audit, a.cfg.Mode, a.logger),
		KillSwitch: handler.NewKillSwitchHandler(p.killSwitch, a.logger),
		Exposure:   handler.NewExposureHandler(p.ledger, a.logger),
		Orders:     handler.NewOrderHandler(p.manager, deps.Orders, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
