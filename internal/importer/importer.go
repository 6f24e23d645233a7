// Package importer implements the Block Importer: the
// idle→running→stopped state machine driving getBlockOrForkedBlock's
// fork/gap-aware recursive import. Grounded on core/chain_fork_manager.go's
// AddForkBlock/ResolveForks/RecoverLongestFork orphan-tracking pattern
// (generalized into depth-bounded recursion) and on the start/stop lifecycle
// idiom in core/consensus_start.go / core/consensus_start_stop_stub.go.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"chaingateway/internal/chain"
	"chaingateway/internal/events"
)

// blockErrorRetryInterval is BLOCK_ERROR_RETRY_INTERVAL_MS.
const blockErrorRetryInterval = 50 * time.Millisecond

// ChainSource is the subset of the Chain Fetcher the importer depends on.
type ChainSource interface {
	GetHeight(ctx context.Context) (int64, error)
	GetBlockAndTransactionsByHeight(ctx context.Context, h uint64) (*chain.Block, []*chain.Transaction, error)
}

// IndexStore is the subset of the Index Store the importer depends on.
type IndexStore interface {
	GetMaxHeight(ctx context.Context) (uint64, error)
	GetHashAtHeight(ctx context.Context, h uint64) (chain.Hash48, bool, error)
	SaveBlockAndTxs(ctx context.Context, block *chain.Block, txs []*chain.Transaction, missingTxIDs []chain.ID32) error
	ResetToHeight(ctx context.Context, h uint64) error
}

// State is the importer's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

// Config controls the importer's height bounds and fork tolerance.
type Config struct {
	StartHeight           uint64
	StopHeight            uint64 // 0 or ^uint64(0) means "no stop height"
	MaxForkDepth          int
	HeightPollingInterval time.Duration
}

// ErrForkDepthExceeded is the fatal condition that stops the importer.
var ErrForkDepthExceeded = errors.New("importer: fork depth exceeded")

// Importer drives the main import loop against a ChainSource and IndexStore.
type Importer struct {
	cfg   Config
	chain ChainSource
	index IndexStore
	bus   *events.Bus
	log   *logrus.Logger

	mu    sync.Mutex
	state State

	forkDepthGauge atomic.Int64
	forkCount      atomic.Uint64
	errorCount     atomic.Uint64
}

// New constructs an Importer.
func New(cfg Config, src ChainSource, idx IndexStore, bus *events.Bus, log *logrus.Logger) *Importer {
	return &Importer{cfg: cfg, chain: src, index: idx, bus: bus, log: log, state: Idle}
}

// State reports the importer's current lifecycle state.
func (imp *Importer) State() State {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.state
}

// ForkDepthGauge reports the most recent recorded fork recovery depth.
func (imp *Importer) ForkDepthGauge() int64 { return imp.forkDepthGauge.Load() }

// ForkCount reports how many forks have been observed at depth 0.
func (imp *Importer) ForkCount() uint64 { return imp.forkCount.Load() }

// ErrorCount reports how many importBlock attempts have failed.
func (imp *Importer) ErrorCount() uint64 { return imp.errorCount.Load() }

// Stop requests the importer exit its main loop after the current height.
func (imp *Importer) Stop() {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if imp.state == Running {
		imp.state = Stopped
	}
}

// Run is the importer's main loop. It blocks until
// ctx is cancelled, the configured stop height is reached, or a fatal fork
// depth is hit.
func (imp *Importer) Run(ctx context.Context) error {
	imp.mu.Lock()
	if imp.state != Idle {
		imp.mu.Unlock()
		return fmt.Errorf("importer: Run called from state %d, want Idle", imp.state)
	}
	imp.state = Running
	imp.mu.Unlock()

	maxChainHeight, err := imp.chain.GetHeight(ctx)
	if err != nil {
		return fmt.Errorf("importer: initial getHeight: %w", err)
	}

	for {
		if imp.State() != Running {
			return nil
		}
		select {
		case <-ctx.Done():
			imp.setState(Stopped)
			return ctx.Err()
		default:
		}

		dbHeight, err := imp.index.GetMaxHeight(ctx)
		if err != nil {
			return fmt.Errorf("importer: getMaxHeight: %w", err)
		}

		for dbHeight >= uint64(maxChainHeight) {
			select {
			case <-ctx.Done():
				imp.setState(Stopped)
				return ctx.Err()
			case <-time.After(imp.cfg.HeightPollingInterval):
			}
			h, err := imp.chain.GetHeight(ctx)
			if err != nil {
				return fmt.Errorf("importer: refreshing height: %w", err)
			}
			maxChainHeight = h
		}

		next := dbHeight + 1
		if dbHeight == 0 && imp.cfg.StartHeight > 0 {
			next = imp.cfg.StartHeight
		}
		if imp.cfg.StopHeight != 0 && next > imp.cfg.StopHeight {
			imp.setState(Stopped)
			return nil
		}

		if err := imp.importBlock(ctx, next); err != nil {
			if errors.Is(err, ErrForkDepthExceeded) {
				imp.setState(Stopped)
				return err
			}
			imp.errorCount.Add(1)
			if imp.log != nil {
				imp.log.WithField("height", next).WithError(err).Warn("importBlock failed, retrying")
			}
			select {
			case <-ctx.Done():
				imp.setState(Stopped)
				return ctx.Err()
			case <-time.After(blockErrorRetryInterval):
			}
		}
	}
}

func (imp *Importer) setState(s State) {
	imp.mu.Lock()
	imp.state = s
	imp.mu.Unlock()
}

// importBlock is getBlockOrForkedBlock(h, depth=0).
func (imp *Importer) importBlock(ctx context.Context, h uint64) error {
	return imp.getBlockOrForkedBlock(ctx, h, 0)
}

func (imp *Importer) getBlockOrForkedBlock(ctx context.Context, h uint64, depth int) error {
	if depth > imp.cfg.MaxForkDepth {
		return ErrForkDepthExceeded
	}

	block, txs, missingTxIDs, err := imp.fetchBlockAndTxs(ctx, h)
	if err != nil {
		return err
	}

	if h > imp.cfg.StartHeight {
		prevHash, ok, err := imp.index.GetHashAtHeight(ctx, h-1)
		if err != nil {
			return fmt.Errorf("importer: getHashAtHeight(%d): %w", h-1, err)
		}
		if !ok {
			// gap: rewind to h-2 and recurse on h-1.
			if imp.log != nil {
				imp.log.WithField("height", h).Warn("gap detected, rewinding")
			}
			if err := imp.rewind(ctx, h); err != nil {
				return err
			}
			if err := imp.getBlockOrForkedBlock(ctx, h-1, depth+1); err != nil {
				return err
			}
			return imp.getBlockOrForkedBlock(ctx, h, depth)
		}
		if prevHash != block.PreviousBlock {
			if depth == 0 {
				imp.forkCount.Add(1)
			}
			if imp.log != nil {
				imp.log.WithField("height", h).Warn("fork detected, rewinding")
			}
			if err := imp.rewind(ctx, h); err != nil {
				return err
			}
			if err := imp.getBlockOrForkedBlock(ctx, h-1, depth+1); err != nil {
				return err
			}
			return imp.getBlockOrForkedBlock(ctx, h, depth)
		}
	}

	if err := imp.persist(ctx, block, txs, missingTxIDs); err != nil {
		return err
	}

	if depth > 0 {
		imp.forkDepthGauge.Store(int64(depth))
	}
	return nil
}

// rewind resets the index to h-2, the chosen gap/fork recovery target.
func (imp *Importer) rewind(ctx context.Context, h uint64) error {
	target := int64(h) - 2
	if target < 0 {
		target = 0
	}
	return imp.index.ResetToHeight(ctx, uint64(target))
}

func (imp *Importer) fetchBlockAndTxs(ctx context.Context, h uint64) (*chain.Block, []*chain.Transaction, []chain.ID32, error) {
	block, txs, err := imp.chain.GetBlockAndTransactionsByHeight(ctx, h)
	if err != nil {
		// Only a failed block fetch (or cancellation) lands here. Partial-tx
		// failures come back as a shorter txs slice with a nil error, and
		// the gap is computed below for the repair path to pick up.
		return nil, nil, nil, err
	}

	if imp.bus != nil {
		for _, tx := range txs {
			imp.bus.Publish(events.BlockTxFetched, tx)
		}
	}

	missing := make([]chain.ID32, 0, block.MissingTxCount)
	fetched := make(map[chain.ID32]bool, len(txs))
	for _, tx := range txs {
		fetched[tx.ID] = true
	}
	for _, id := range block.TxIDs {
		if !fetched[id] {
			missing = append(missing, id)
		}
	}
	return block, txs, missing, nil
}

// persist runs the block persistence order: emit block-fetched
// (already emitted by the fetcher itself), block-tx-fetched* (emitted
// above), saveBlockAndTxs, block-tx-fetch-failed* for missing ids, then
// block-saved and block-tx-saved*.
func (imp *Importer) persist(ctx context.Context, block *chain.Block, txs []*chain.Transaction, missingTxIDs []chain.ID32) error {
	if err := imp.index.SaveBlockAndTxs(ctx, block, txs, missingTxIDs); err != nil {
		return fmt.Errorf("importer: saveBlockAndTxs(%d): %w", block.Height, err)
	}

	if imp.bus != nil {
		for _, id := range missingTxIDs {
			imp.bus.Publish(events.BlockTxFetchFailed, map[string]string{"id": id.String()})
		}
		imp.bus.Publish(events.BlockSaved, block)
		for _, tx := range txs {
			imp.bus.Publish(events.BlockTxSaved, tx)
		}
	}
	return nil
}
