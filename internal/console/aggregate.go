package console

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bidwatch/bidwatch/internal/storage"
)

// AggregateSnapshot is the dashboard rollup. It is always recomputed from
// current state, never stored.
type AggregateSnapshot struct {
	TotalProjects  int       `json:"total_projects"`
	TotalBids      int       `json:"total_bids"`
	SuccessRate    float64   `json:"success_rate"`
	ActiveSessions int       `json:"active_sessions"`
	ComputedAt     time.Time `json:"computed_at"`
}

// AnalyticsOverview extends the snapshot with recent per-session activity
// for the analytics page.
type AnalyticsOverview struct {
	AggregateSnapshot
	RecentSessions []storage.SessionActivity `json:"recent_sessions"`
}

// AggregationEngine derives cross-session facts from the status cache plus
// record store counts. It holds no mutable counters of its own; the same
// inputs always produce the same outputs.
type AggregationEngine struct {
	statuses *StatusCache
	records  *storage.RecordStore
	logger   *zap.Logger
}

func NewAggregationEngine(statuses *StatusCache, records *storage.RecordStore, logger *zap.Logger) *AggregationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AggregationEngine{
		statuses: statuses,
		records:  records,
		logger:   logger,
	}
}

// Snapshot computes the dashboard totals. Count queries run concurrently;
// any one failing fails the snapshot as a whole.
func (e *AggregationEngine) Snapshot(ctx context.Context) (AggregateSnapshot, error) {
	var (
		totalProjects int
		totalBids     int
		statusCounts  map[string]int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totalProjects, err = e.records.CountProjects(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		totalBids, err = e.records.CountBids(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		statusCounts, err = e.records.BidStatusCounts(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return AggregateSnapshot{}, err
	}

	return AggregateSnapshot{
		TotalProjects:  totalProjects,
		TotalBids:      totalBids,
		SuccessRate:    successRate(statusCounts),
		ActiveSessions: e.statuses.RunningCount(),
		ComputedAt:     time.Now().UTC(),
	}, nil
}

// Overview is the analytics read: the snapshot plus recent session
// activity.
func (e *AggregationEngine) Overview(ctx context.Context) (AnalyticsOverview, error) {
	snapshot, err := e.Snapshot(ctx)
	if err != nil {
		return AnalyticsOverview{}, err
	}

	recent, err := e.records.RecentSessionActivity(ctx, 10)
	if err != nil {
		return AnalyticsOverview{}, err
	}

	return AnalyticsOverview{
		AggregateSnapshot: snapshot,
		RecentSessions:    recent,
	}, nil
}

// successRate is won / (won + lost) over terminal-status bids. Pending bids
// do not count, and a zero denominator yields 0 rather than an error.
func successRate(statusCounts map[string]int) float64 {
	won := statusCounts[storage.BidStatusWon]
	lost := statusCounts[storage.BidStatusLost]
	terminal := won + lost
	if terminal == 0 {
		return 0
	}
	return float64(won) / float64(terminal)
}

// SnapshotPublisher receives periodic aggregate snapshots for fan-out.
type SnapshotPublisher interface {
	PublishSnapshot(snapshot AggregateSnapshot)
}

// DashboardBroadcaster recomputes the aggregate snapshot on its own timer,
// independent of the per-session pollers, and pushes it to dashboard
// clients. The dashboard interval is deliberately longer than the
// per-session one.
type DashboardBroadcaster struct {
	engine    *AggregationEngine
	publisher SnapshotPublisher
	interval  time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewDashboardBroadcaster(engine *AggregationEngine, publisher SnapshotPublisher, interval time.Duration, logger *zap.Logger) *DashboardBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DashboardBroadcaster{
		engine:    engine,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *DashboardBroadcaster) Start() {
	b.startOnce.Do(func() {
		ticker := time.NewTicker(b.interval)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer ticker.Stop()

			for {
				select {
				case <-b.ctx.Done():
					return
				case <-ticker.C:
					b.broadcast()
				}
			}
		}()
	})
}

func (b *DashboardBroadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

func (b *DashboardBroadcaster) broadcast() {
	ctx, cancel := context.WithTimeout(b.ctx, b.interval)
	defer cancel()

	snapshot, err := b.engine.Snapshot(ctx)
	if err != nil {
		b.logger.Warn("dashboard snapshot failed", zap.Error(err))
		return
	}

	if b.publisher != nil {
		b.publisher.PublishSnapshot(snapshot)
	}
}
