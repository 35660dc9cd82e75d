package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/platform/goldsky"
)

// ChainStatus is the monitor's latest view, served by the operator API.
type ChainStatus struct {
	LatestBlock    int64
	OnChainFills   int64
	AcceptedEvents int64
	CheckedAt      time.Time
}

// ChainMonitor cross-checks the activity feed against the on-chain record.
// Every interval it counts the wallet's subgraph fills over the trailing
// span and compares with what the normalizer accepted; a shortfall means the
// feed is dropping trades and gets logged loudly.
type ChainMonitor struct {
	client   *goldsky.Client
	wallet   string
	interval time.Duration
	span     time.Duration

	normalizer *Normalizer
	logger     *slog.Logger

	mu       sync.Mutex
	status   ChainStatus
	baseline int64 // accepted count at the start of the current span
}

// NewChainMonitor creates a monitor over the given subgraph client.
func NewChainMonitor(client *goldsky.Client, wallet string, interval time.Duration, normalizer *Normalizer, logger *slog.Logger) *ChainMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ChainMonitor{
		client:     client,
		wallet:     wallet,
		interval:   interval,
		span:       interval,
		normalizer: normalizer,
		logger:     logger.With(slog.String("component", "chain_monitor")),
	}
}

// Status returns the latest comparison snapshot.
func (m *ChainMonitor) Status() ChainStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run checks the chain every interval until the context ends.
func (m *ChainMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("chain monitor started", slog.Duration("interval", m.interval))
	defer m.logger.Info("chain monitor stopped")

	m.baseline = m.normalizer.Stats().Accepted

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *ChainMonitor) checkOnce(ctx context.Context) {
	block, err := m.client.FetchLatestBlock(ctx)
	if err != nil {
		m.logger.Warn("latest block fetch failed", slog.String("error", err.Error()))
		return
	}

	since := time.Now().Add(-m.span)
	fills, err := m.client.FetchWalletFills(ctx, m.wallet, since, 1000)
	if err != nil {
		m.logger.Warn("wallet fills fetch failed", slog.String("error", err.Error()))
		return
	}

	accepted := m.normalizer.Stats().Accepted

	m.mu.Lock()
	acceptedDelta := accepted - m.baseline
	m.baseline = accepted
	m.status = ChainStatus{
		LatestBlock:    block,
		OnChainFills:   int64(len(fills)),
		AcceptedEvents: acceptedDelta,
		CheckedAt:      time.Now().UTC(),
	}
	m.mu.Unlock()

	// On-chain fills split one logical trade into several maker matches, so
	// accepted < fills is normal. Accepted events with zero on-chain fills,
	// or fills with zero accepted events, both deserve attention.
	if len(fills) > 0 && acceptedDelta == 0 {
		m.logger.Warn("on-chain fills observed but feed delivered nothing",
			slog.Int("fills", len(fills)),
			slog.Int64("latest_block", block),
		)
	}
}
