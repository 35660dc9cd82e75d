package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/platform/polymarket"
)

// checkpointStream names the activity checkpoint row.
const checkpointStream = "source_activity"

// WatcherConfig holds the source feed settings.
type WatcherConfig struct {
	WSURL        string
	SourceWallet string
	PollInterval time.Duration
	PollBatch    int
}

// Watcher tails one wallet's trades over two overlapping paths: the
// real-time WS push and a REST activity poll. Overlap is intentional; the
// normalizer's dedupe gate keeps delivery exactly-once while the poll covers
// anything the socket missed.
type Watcher struct {
	cfg         WatcherConfig
	data        *polymarket.DataClient
	normalizer  *Normalizer
	checkpoints domain.CheckpointStore
	logger      *slog.Logger
}

// NewWatcher creates a watcher feeding the given normalizer.
func NewWatcher(cfg WatcherConfig, data *polymarket.DataClient, normalizer *Normalizer, checkpoints domain.CheckpointStore, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	return &Watcher{
		cfg:         cfg,
		data:        data,
		normalizer:  normalizer,
		checkpoints: checkpoints,
		logger:      logger.With(slog.String("component", "watcher")),
	}
}

// Run starts the WS and poll paths and blocks until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runWS(ctx) })
	g.Go(func() error { return w.runPoll(ctx) })
	return g.Wait()
}

// runWS holds a subscription to the wallet's activity channel. The client
// reconnects internally; this loop only re-dials when the client gives up
// entirely.
func (w *Watcher) runWS(ctx context.Context) error {
	if w.cfg.WSURL == "" {
		w.logger.Info("no ws url configured, poll only")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.runConnection(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("activity ws disconnected, redialing",
				slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (w *Watcher) runConnection(ctx context.Context) error {
	client := polymarket.NewWSClient(w.cfg.WSURL)
	defer client.Close()

	client.OnActivity(func(row polymarket.ActivityTrade) {
		if err := w.normalizer.Ingest(ctx, row); err != nil {
			w.logger.Error("ingest from ws failed",
				slog.String("error", err.Error()))
		}
	})

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := client.SubscribeActivity(w.cfg.SourceWallet); err != nil {
		return err
	}
	w.logger.Info("activity ws subscribed",
		slog.String("source_wallet", w.cfg.SourceWallet))

	<-ctx.Done()
	return ctx.Err()
}

// runPoll periodically pulls recent activity and replays it oldest-first.
// The checkpoint records the newest timestamp already handed downstream so
// a restart resumes without re-walking the whole history.
func (w *Watcher) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("activity poll started",
		slog.Duration("interval", w.cfg.PollInterval))
	defer w.logger.Info("activity poll stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("activity poll failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	since := w.loadCheckpoint(ctx)

	rows, err := w.data.Activity(ctx, w.cfg.SourceWallet, w.cfg.PollBatch, 0)
	if err != nil {
		return err
	}

	// The API returns newest first; replay oldest first so downstream sees
	// source order.
	var newest time.Time
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		at := row.ExecutedAt()
		if !since.IsZero() && !at.IsZero() && at.Before(since) {
			continue
		}
		if err := w.normalizer.Ingest(ctx, row); err != nil {
			return err
		}
		if at.After(newest) {
			newest = at
		}
	}

	if !newest.IsZero() && w.checkpoints != nil {
		value := strconv.FormatInt(newest.Unix(), 10)
		if err := w.checkpoints.Set(ctx, checkpointStream, value); err != nil {
			w.logger.Warn("checkpoint save failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadCheckpoint returns the poll resume point, backed off one interval so
// boundary trades are re-offered to the dedupe gate rather than skipped.
func (w *Watcher) loadCheckpoint(ctx context.Context) time.Time {
	if w.checkpoints == nil {
		return time.Time{}
	}
	raw, err := w.checkpoints.Get(ctx, checkpointStream)
	if err != nil || raw == "" {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC().Add(-w.cfg.PollInterval)
}
