package index

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"chaingateway/internal/chain"
)

// bundleReprocessWait is BUNDLE_REPROCESS_WAIT_SECS.
const bundleReprocessWait = 15 * time.Minute

// BundleStore tracks bundle records' lifecycle, grounded on
// core/storage.go's CreateListing/OpenDeal pattern: upsert-and-return-
// prior-state so the caller can decide the next action, generalized here to
// bundle records' filter-id bookkeeping.
type BundleStore struct {
	mu      sync.RWMutex
	records map[chain.ID32]*chain.BundleRecord
}

// NewBundleStore constructs an empty bundle namespace.
func NewBundleStore() *BundleStore {
	return &BundleStore{records: make(map[chain.ID32]*chain.BundleRecord)}
}

// PriorBundleState is what saveBundle returns about the record it replaced.
type PriorBundleState struct {
	Existed            bool
	UnbundleFilterID   string
	IndexFilterID      string
	FullyIndexedAt     *int64
}

// SaveBundle upserts record, returning the prior filter ids and
// last_fully_indexed_at so the caller can decide whether filter changes
// require re-unbundling.
func (b *BundleStore) SaveBundle(record *chain.BundleRecord) PriorBundleState {
	if record.ID.IsZero() {
		id, err := uuid.NewRandom()
		if err == nil {
			copy(record.ID[:], id[:])
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prior, existed := b.records[record.ID]
	b.records[record.ID] = record

	if !existed {
		return PriorBundleState{}
	}
	return PriorBundleState{
		Existed:          true,
		UnbundleFilterID: prior.UnbundleFilterID,
		IndexFilterID:    prior.IndexFilterID,
		FullyIndexedAt:   prior.FullyIndexedAt,
	}
}

// GetFailedBundleIds returns ids whose last attempt is older than
// BUNDLE_REPROCESS_WAIT_SECS and still unresolved.
func (b *BundleStore) GetFailedBundleIds(limit int, now time.Time) []chain.ID32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []chain.ID32
	for id, rec := range b.records {
		if rec.FullyIndexedAt != nil {
			continue
		}
		lastAttempt := rec.QueuedAt
		if rec.SkippedAt != nil && (lastAttempt == nil || *rec.SkippedAt > *lastAttempt) {
			lastAttempt = rec.SkippedAt
		}
		if lastAttempt == nil {
			continue
		}
		age := now.Sub(time.Unix(*lastAttempt, 0))
		if age >= bundleReprocessWait {
			out = append(out, id)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// UpdateBundlesForFilterChange marks every bundle matching the old filter
// ids for re-processing by clearing their fully-indexed timestamp.
func (b *BundleStore) UpdateBundlesForFilterChange(unbundleFilterID, indexFilterID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rec := range b.records {
		if rec.UnbundleFilterID == unbundleFilterID || rec.IndexFilterID == indexFilterID {
			rec.FullyIndexedAt = nil
			n++
		}
	}
	return n
}

// BackfillBundles scans transactions for a bundle content type/format marker
// and inserts a bundle record for any root id not already tracked. The
// matcher is injected so callers can express
// "looks like an ANS-104 bundle" without this package depending on a
// specific content-type constant list.
func (b *BundleStore) BackfillBundles(txs []*chain.Transaction, looksLikeBundle func(*chain.Transaction) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, tx := range txs {
		if !looksLikeBundle(tx) {
			continue
		}
		if _, ok := b.records[tx.ID]; ok {
			continue
		}
		now := time.Now().Unix()
		b.records[tx.ID] = &chain.BundleRecord{
			ID:                tx.ID,
			RootTransactionID: tx.ID,
			Format:            "ans104",
			QueuedAt:          &now,
		}
		n++
	}
	return n
}

// Get returns a bundle record by id.
func (b *BundleStore) Get(id chain.ID32) (*chain.BundleRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	return r, ok
}
