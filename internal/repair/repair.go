// Package repair implements TransactionRepairWorker: a
// fixed-timer loop that retries transactions the importer could not fetch
// at block-import time. Grounded on core/fault_tolerance.go's retry-with-
// backoff helpers, generalized from a single retry helper into a full
// worker with its own ticker, attempt budget, and completion event.
package repair

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chaingateway/internal/chain"
	"chaingateway/internal/events"
)

const (
	defaultTickInterval  = 5 * time.Minute
	defaultTxsToRetry    = 20
	defaultMaxAttempts   = 5
	defaultRetryWaitMS   = 5 * time.Second
)

// ChainSource is the subset of the Chain Fetcher the repair worker depends
// on.
type ChainSource interface {
	GetTransaction(ctx context.Context, id chain.ID32, isPending bool) (*chain.Transaction, error)
}

// IndexStore is the subset of the Index Store the repair worker depends on.
type IndexStore interface {
	GetMissingTxIds(ctx context.Context, limit int) ([]chain.ID32, error)
	SaveTx(ctx context.Context, tx *chain.Transaction) error
}

// Config controls the worker's tick cadence and retry budget.
type Config struct {
	TickInterval time.Duration
	TxsToRetry   int
	MaxAttempts  int
	RetryWait    time.Duration
}

// DefaultConfig fills in the documented repair-worker defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: defaultTickInterval,
		TxsToRetry:   defaultTxsToRetry,
		MaxAttempts:  defaultMaxAttempts,
		RetryWait:    defaultRetryWaitMS,
	}
}

// Worker is TransactionRepairWorker.
type Worker struct {
	cfg   Config
	chain ChainSource
	index IndexStore
	bus   *events.Bus
	log   *logrus.Logger

	queueMu sync.Mutex // guards inQueue, the bounded/deduplicated fetch set
	inQueue map[chain.ID32]bool
}

// New constructs a repair Worker.
func New(cfg Config, src ChainSource, idx IndexStore, bus *events.Bus, log *logrus.Logger) *Worker {
	if cfg.TickInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Worker{
		cfg:     cfg,
		chain:   src,
		index:   idx,
		bus:     bus,
		log:     log,
		inQueue: make(map[chain.ID32]bool),
	}
}

// Run ticks every cfg.TickInterval until ctx is cancelled, and consumes
// TX_FETCHED events by calling index.SaveTx.
func (w *Worker) Run(ctx context.Context) error {
	sub, cancel := w.bus.Subscribe(events.TxFetched)
	defer cancel()
	go w.consumeFetched(ctx, sub)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) consumeFetched(ctx context.Context, sub <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			tx, ok := payload.(*chain.Transaction)
			if !ok {
				continue
			}
			if err := w.index.SaveTx(ctx, tx); err != nil && w.log != nil {
				w.log.WithField("tx", tx.ID.String()).WithError(err).Warn("repair: saveTx failed")
			}
		}
	}
}

// Tick pulls up to cfg.TxsToRetry missing ids and dispatches a bounded,
// deduplicated fetch for each.
func (w *Worker) Tick(ctx context.Context) {
	ids, err := w.index.GetMissingTxIds(ctx, w.cfg.TxsToRetry)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("repair: getMissingTxIds failed")
		}
		return
	}
	for _, id := range ids {
		w.queueMu.Lock()
		already := w.inQueue[id]
		if !already {
			w.inQueue[id] = true
		}
		w.queueMu.Unlock()
		if already {
			continue
		}
		go w.fetchWithRetry(ctx, id)
	}
}

func (w *Worker) fetchWithRetry(ctx context.Context, id chain.ID32) {
	defer func() {
		w.queueMu.Lock()
		delete(w.inQueue, id)
		w.queueMu.Unlock()
	}()

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		tx, err := w.chain.GetTransaction(ctx, id, false)
		if err == nil {
			w.bus.Publish(events.TxFetched, tx)
			return
		}
		if attempt == w.cfg.MaxAttempts {
			if w.log != nil {
				w.log.WithField("tx", id.String()).WithField("attempts", attempt).Warn("repair: exhausted attempts")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.RetryWait):
		}
	}
}
