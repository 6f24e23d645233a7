package index

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"chaingateway/internal/chain"
	"chaingateway/internal/events"
	"chaingateway/pkg/breaker"
	"chaingateway/pkg/workerpool"
)

// Config configures an Index's namespace lane sizing and stabilization
// cadence.
type Config struct {
	DataDir                      string
	MaxForkDepth                 int
	StableFlushInterval          uint64
	GetDataCircuitBreakerTimeout time.Duration
}

// Index is the facade over the four namespaces, each dispatched through its
// own worker-pool read/write lanes.
type Index struct {
	cfg Config

	Core       *Store
	Tags       *TagIndex
	Bundles    *BundleStore
	Data       *DataStore
	Moderation *ModerationStore

	corePool       *workerpool.Pool
	dataPool       *workerpool.Pool
	gqlPool        *workerpool.Pool
	debugPool      *workerpool.Pool
	moderationPool *workerpool.Pool
	bundlesPool    *workerpool.Pool

	bus *events.Bus
	log *logrus.Logger
}

func gqlReadWorkers() int {
	n := runtime.NumCPU()
	if n > 12 {
		n = 12
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Open constructs an Index, opening the core namespace store and starting
// the per-namespace worker pools's table (core 1r/1w, data
// 2r/1w, gql Rr/0w, debug 1r, moderation 1r/1w, bundles 1r/1w).
func Open(ctx context.Context, cfg Config, bus *events.Bus, log *logrus.Logger) (*Index, error) {
	core, err := OpenStore(filepath.Join(cfg.DataDir, "core"))
	if err != nil {
		return nil, err
	}

	onCrash := func(lane string, errCount int) {
		if log != nil {
			log.WithField("lane", lane).WithField("errors", errCount).Warn("worker pool lane crash")
		}
		if errCount > workerpool.MaxWorkerErrors {
			if log != nil {
				log.WithField("lane", lane).WithField("errors", errCount).Error("worker pool lane exceeded MaxWorkerErrors, exiting")
			}
			os.Exit(1)
		}
	}

	idx := &Index{
		cfg:        cfg,
		Core:       core,
		Tags:       NewTagIndex(),
		Bundles:    NewBundleStore(),
		Data:       NewDataStore(breaker.Config{CooldownTimeout: cfg.GetDataCircuitBreakerTimeout}),
		Moderation: NewModerationStore(),
		bus:        bus,
		log:        log,

		corePool:       workerpool.NewPool(ctx, "core", 1, 1, 256, onCrash),
		dataPool:       workerpool.NewPool(ctx, "data", 2, 1, 256, onCrash),
		gqlPool:        workerpool.NewPool(ctx, "gql", gqlReadWorkers(), 0, 256, onCrash),
		debugPool:      workerpool.NewPool(ctx, "debug", 1, 0, 64, onCrash),
		moderationPool: workerpool.NewPool(ctx, "moderation", 1, 1, 64, onCrash),
		bundlesPool:    workerpool.NewPool(ctx, "bundles", 1, 1, 256, onCrash),
	}
	return idx, nil
}

// GetMaxHeight returns the highest height persisted, via the core read lane.
func (idx *Index) GetMaxHeight(ctx context.Context) (uint64, error) {
	res, err := idx.corePool.Read.Call(ctx, "GetMaxHeight", nil, func(context.Context) (any, error) {
		return idx.Core.GetMaxHeight(), nil
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// GetHashAtHeight returns the hash persisted at h, via the core read lane.
func (idx *Index) GetHashAtHeight(ctx context.Context, h uint64) (chain.Hash48, bool, error) {
	type result struct {
		hash chain.Hash48
		ok   bool
	}
	res, err := idx.corePool.Read.Call(ctx, "GetHashAtHeight", h, func(context.Context) (any, error) {
		hash, ok := idx.Core.GetHashAtHeight(h)
		return result{hash, ok}, nil
	})
	if err != nil {
		return chain.Hash48{}, false, err
	}
	r := res.(result)
	return r.hash, r.ok, nil
}

// SaveBlockAndTxs persists a block/txs batch, interns tags, and runs
// stabilization every StableFlushInterval blocks.
func (idx *Index) SaveBlockAndTxs(ctx context.Context, block *chain.Block, txs []*chain.Transaction, missingTxIDs []chain.ID32) error {
	_, err := idx.corePool.Write.Call(ctx, "SaveBlockAndTxs", block.Height, func(context.Context) (any, error) {
		if err := idx.Core.SaveBlockAndTxs(block, txs, missingTxIDs); err != nil {
			return nil, err
		}
		for _, tx := range txs {
			idx.Tags.Insert(tx.ID, tx.Tags)
		}
		if idx.cfg.StableFlushInterval > 0 && block.Height%idx.cfg.StableFlushInterval == 0 {
			if _, promoted := idx.Core.PromoteStable(block.Height, idx.cfg.MaxForkDepth); promoted {
				if err := idx.Core.Snapshot(); err != nil && idx.log != nil {
					idx.log.WithError(err).Warn("stable snapshot failed")
				}
			}
		}
		return nil, nil
	})
	return err
}

// ResetToHeight rewinds the core namespace for a fork/gap recovery.
func (idx *Index) ResetToHeight(ctx context.Context, h uint64) error {
	_, err := idx.corePool.Write.Call(ctx, "ResetToHeight", h, func(context.Context) (any, error) {
		return nil, idx.Core.ResetToHeight(h)
	})
	return err
}

// GetMissingTxIds returns up to limit ids queued for repair.
func (idx *Index) GetMissingTxIds(ctx context.Context, limit int) ([]chain.ID32, error) {
	res, err := idx.corePool.Read.Call(ctx, "GetMissingTxIds", limit, func(context.Context) (any, error) {
		return idx.Core.GetMissingTxIds(limit), nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]chain.ID32), nil
}

// SaveTx persists a single out-of-band-fetched transaction from the repair
// worker.
func (idx *Index) SaveTx(ctx context.Context, tx *chain.Transaction) error {
	_, err := idx.corePool.Write.Call(ctx, "SaveTx", tx.ID, func(context.Context) (any, error) {
		if err := idx.Core.SaveTx(tx); err != nil {
			return nil, err
		}
		idx.Tags.Insert(tx.ID, tx.Tags)
		return nil, nil
	})
	return err
}

// SaveDataItem persists a data item via the bundles write lane (the lane
// already serialized against bundle record writes for the same root id),
// interns its tags into the same TagIndex transactions use, and publishes
// DataItemIndexed once the write lands.
func (idx *Index) SaveDataItem(ctx context.Context, item *chain.DataItem) error {
	_, err := idx.bundlesPool.Write.Call(ctx, "SaveDataItem", item.ID, func(context.Context) (any, error) {
		if err := idx.Core.SaveDataItem(item); err != nil {
			return nil, err
		}
		idx.Tags.Insert(item.ID, item.Tags)
		return nil, nil
	})
	if err == nil && idx.bus != nil {
		idx.bus.Publish(events.DataItemIndexed, item)
	}
	return err
}

// Query executes a GraphQL planner query against the gql read lane,
// bounding concurrent planner execution to the configured worker count
//.
func (idx *Index) Query(ctx context.Context, plan Plan, filter Filter, order SortOrder, pageSize int, after string) (Page, error) {
	res, err := idx.gqlPool.Read.Call(ctx, "Query", filter, func(context.Context) (any, error) {
		return Execute(idx.Core, idx.Tags, plan, filter, order, pageSize, after)
	})
	if err != nil {
		return Page{}, err
	}
	return res.(Page), nil
}

// IsBlocked checks the moderation namespace via its read lane.
func (idx *Index) IsBlocked(ctx context.Context, kind chain.ModerationKind, value string) (bool, error) {
	res, err := idx.moderationPool.Read.Call(ctx, "IsBlocked", value, func(context.Context) (any, error) {
		return idx.Moderation.IsBlocked(kind, value), nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Block records a moderation entry via the moderation write lane.
func (idx *Index) Block(ctx context.Context, entry chain.ModerationEntry) error {
	_, err := idx.moderationPool.Write.Call(ctx, "Block", entry.Value, func(context.Context) (any, error) {
		idx.Moderation.Block(entry)
		return nil, nil
	})
	return err
}

// SaveBundle upserts a bundle record via the bundles write lane.
func (idx *Index) SaveBundle(ctx context.Context, record *chain.BundleRecord) (PriorBundleState, error) {
	res, err := idx.bundlesPool.Write.Call(ctx, "SaveBundle", record.ID, func(context.Context) (any, error) {
		return idx.Bundles.SaveBundle(record), nil
	})
	if err != nil {
		return PriorBundleState{}, err
	}
	return res.(PriorBundleState), nil
}

// GetFailedBundleIds returns bundles due for reprocessing via the bundles
// read lane.
func (idx *Index) GetFailedBundleIds(ctx context.Context, limit int) ([]chain.ID32, error) {
	res, err := idx.bundlesPool.Read.Call(ctx, "GetFailedBundleIds", limit, func(context.Context) (any, error) {
		return idx.Bundles.GetFailedBundleIds(limit, time.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]chain.ID32), nil
}

// DebugDump returns the current max height and stable height via the debug
// lane, for introspection.
func (idx *Index) DebugDump(ctx context.Context) (map[string]uint64, error) {
	res, err := idx.debugPool.Read.Call(ctx, "DebugDump", nil, func(context.Context) (any, error) {
		stable, _ := idx.Core.MaxStableHeight()
		return map[string]uint64{"max_height": idx.Core.GetMaxHeight(), "max_stable_height": stable}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]uint64), nil
}

// Close shuts down every namespace's pools and flushes the core store.
func (idx *Index) Close() error {
	idx.corePool.Terminate()
	idx.dataPool.Terminate()
	idx.gqlPool.Terminate()
	idx.debugPool.Terminate()
	idx.moderationPool.Terminate()
	idx.bundlesPool.Terminate()
	return idx.Core.Close()
}
