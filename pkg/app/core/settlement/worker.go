package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// WorkerConfig controls settlement throughput.
type WorkerConfig struct {
	Workers        int           // concurrent Settle calls
	QueueSize      int           // trades buffered before Enqueue drops
	ReconcileEvery time.Duration // how often PENDING trades are re-driven
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:        4,
		QueueSize:      1024,
		ReconcileEvery: 15 * time.Second,
	}
}

// Worker feeds trades to the adapter from a bounded queue. A trade is
// queued or being settled at most once at a time.
type Worker struct {
	adapter *Adapter
	cfg     WorkerConfig
	queue   chan string
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	tracked map[string]struct{}
}

func NewWorker(adapter *Adapter, cfg WorkerConfig, logger *zap.SugaredLogger, m *metrics.Metrics) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = def.ReconcileEvery
	}
	if logger == nil {
		logger = util.NopSugar()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Worker{
		adapter: adapter,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		logger:  logger,
		metrics: m,
		tracked: make(map[string]struct{}),
	}
}

// Enqueue schedules a trade for settlement without blocking. It returns
// false when the trade is already tracked or the queue is full; the
// reconciler picks up dropped trades later.
func (w *Worker) Enqueue(tradeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tracked[tradeID]; ok {
		return false
	}
	select {
	case w.queue <- tradeID:
		w.tracked[tradeID] = struct{}{}
		w.metrics.SettleQueue.Set(float64(len(w.queue)))
		return true
	default:
		w.logger.Warnw("settlement_queue_full", "trade_id", tradeID, "capacity", cap(w.queue))
		return false
	}
}

// EnqueueTrade adapts Enqueue to the matching engine's trade handler.
func (w *Worker) EnqueueTrade(t *order.Trade) { w.Enqueue(t.ID) }

// Reconcile queues every PENDING trade and returns how many were added.
func (w *Worker) Reconcile(ctx context.Context) (int, error) {
	pending, err := w.adapter.store.PendingTrades()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		if w.Enqueue(t.ID) {
			n++
		}
	}
	if n > 0 {
		w.logger.Infow("settlement_reconciled", "pending", len(pending), "queued", n)
	}
	return n, ctx.Err()
}

// Run starts the workers and the reconciler and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	w.logger.Infow("settlement_started",
		"workers", w.cfg.Workers,
		"queue", w.cfg.QueueSize,
		"reconcile_every", w.cfg.ReconcileEvery.String(),
	)
	if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
		w.logger.Errorw("reconcile_failed", "err", err)
	}

	ticker := time.NewTicker(w.cfg.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.logger.Infow("settlement_stopped")
			return
		case <-ticker.C:
			if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
				w.logger.Errorw("reconcile_failed", "err", err)
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			w.metrics.SettleQueue.Set(float64(len(w.queue)))
			w.settle(ctx, id)
		}
	}
}

func (w *Worker) settle(ctx context.Context, id string) {
	defer func() {
		w.mu.Lock()
		delete(w.tracked, id)
		w.mu.Unlock()
	}()

	_, err := w.adapter.Settle(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, order.ErrIndeterminate):
		w.logger.Infow("settlement_deferred", "trade_id", id, "err", err)
	case errors.Is(err, order.ErrTradeClosed), ledger.IsDefinitive(err):
	default:
		w.logger.Warnw("settlement_error", "trade_id", id, "err", err)
	}
}
