// Package index implements the Index Store: a multi-namespace
// append-only indexer with a new→stable block lifecycle, tag interning, a
// GraphQL query planner, circuit-breaker-guarded reads, and bundle/
// moderation bookkeeping.
package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"chaingateway/internal/chain"
)

// walRecord is one append-only WAL entry for the core namespace, grounded on
// core/ledger.go's json-line WAL format (bufio.Scanner replay of
// json.Unmarshal'd records).
type walRecord struct {
	Op          string             `json:"op"` // "block", "tx", "item", "missing_tx", "reset"
	Block       *chain.Block       `json:"block,omitempty"`
	Tx          *chain.Transaction `json:"tx,omitempty"`
	Item        *chain.DataItem    `json:"item,omitempty"`
	MissingTxID *chain.ID32        `json:"missing_tx_id,omitempty"`
	ResetHeight *uint64            `json:"reset_height,omitempty"`
}

// Store is the core namespace: blocks and transactions, new/stable split.
type Store struct {
	mu sync.RWMutex

	dir      string
	walFile  *os.File
	walPath  string
	snapPath string

	// new-table state: shallow, at most MaxForkDepth+StableFlushInterval deep.
	newBlocks map[uint64]*chain.Block
	newTxs    map[chain.ID32]*chain.Transaction
	newItems  map[chain.ID32]*chain.DataItem

	// stable-table state.
	stableBlocks map[uint64]*chain.Block
	stableTxs    map[chain.ID32]*chain.Transaction
	stableItems  map[chain.ID32]*chain.DataItem

	heightHash map[uint64]chain.Hash48 // across both new and stable
	missing    map[chain.ID32]uint64   // tx id -> height it was missing at

	maxHeight     uint64
	maxStable     uint64
	hasMaxStable  bool
}

// OpenStore creates or replays the core namespace store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: creating namespace dir: %w", err)
	}
	s := &Store{
		dir:          dir,
		walPath:      filepath.Join(dir, "core.wal"),
		snapPath:     filepath.Join(dir, "core.snap"),
		newBlocks:    make(map[uint64]*chain.Block),
		newTxs:       make(map[chain.ID32]*chain.Transaction),
		newItems:     make(map[chain.ID32]*chain.DataItem),
		stableBlocks: make(map[uint64]*chain.Block),
		stableTxs:    make(map[chain.ID32]*chain.Transaction),
		stableItems:  make(map[chain.ID32]*chain.DataItem),
		heightHash:   make(map[uint64]chain.Hash48),
		missing:      make(map[chain.ID32]uint64),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}

	wal, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("index: opening WAL: %w", err)
	}
	s.walFile = wal

	if err := s.replay(); err != nil {
		wal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return fmt.Errorf("index: seeking WAL: %w", err)
	}
	scanner := bufio.NewScanner(s.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("index: WAL unmarshal: %w", err)
		}
		s.applyRecord(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("index: WAL scan: %w", err)
	}
	if _, err := s.walFile.Seek(0, 2); err != nil {
		return fmt.Errorf("index: seeking WAL to end: %w", err)
	}
	return nil
}

func (s *Store) applyRecord(rec *walRecord) {
	switch rec.Op {
	case "block":
		b := rec.Block
		s.newBlocks[b.Height] = b
		s.heightHash[b.Height] = b.IndepHash
		if b.Height > s.maxHeight {
			s.maxHeight = b.Height
		}
	case "tx":
		s.newTxs[rec.Tx.ID] = rec.Tx
		delete(s.missing, rec.Tx.ID)
	case "item":
		s.newItems[rec.Item.ID] = rec.Item
	case "missing_tx":
		s.missing[*rec.MissingTxID] = rec.Block.Height
	case "reset":
		s.resetInMemory(*rec.ResetHeight)
	}
}

func (s *Store) resetInMemory(h uint64) {
	for height := range s.newBlocks {
		if height > h {
			delete(s.newBlocks, height)
			delete(s.heightHash, height)
		}
	}
	for id, tx := range s.newTxs {
		if tx.Height != nil && *tx.Height > h {
			delete(s.newTxs, id)
		}
	}
	for _, item := range s.newItems {
		if item.Height != nil && *item.Height > h {
			item.Height = nil
		}
	}
	s.maxHeight = h
	for height := range s.newBlocks {
		if height > s.maxHeight {
			s.maxHeight = height
		}
	}
	for height := range s.stableBlocks {
		if height > s.maxHeight {
			s.maxHeight = height
		}
	}
}

func (s *Store) appendRecord(rec walRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("index: marshal WAL record: %w", err)
	}
	if _, err := s.walFile.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("index: append WAL: %w", err)
	}
	return s.walFile.Sync()
}

// GetMaxHeight returns the highest height persisted in either table.
func (s *Store) GetMaxHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxHeight
}

// GetHashAtHeight returns the indep_hash persisted at h, if any.
func (s *Store) GetHashAtHeight(h uint64) (chain.Hash48, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.heightHash[h]
	return hash, ok
}

// SaveBlockAndTxs persists a block and its transactions in one WAL batch,
// recording any ids the caller could not fetch as missing_transactions for
// later repair.
func (s *Store) SaveBlockAndTxs(block *chain.Block, txs []*chain.Transaction, missingTxIDs []chain.ID32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(walRecord{Op: "block", Block: block}); err != nil {
		return err
	}
	s.applyRecord(&walRecord{Op: "block", Block: block})

	for _, tx := range txs {
		if err := s.appendRecord(walRecord{Op: "tx", Tx: tx}); err != nil {
			return err
		}
		s.applyRecord(&walRecord{Op: "tx", Tx: tx})
	}

	block.MissingTxCount = len(missingTxIDs)
	for _, id := range missingTxIDs {
		id := id
		if err := s.appendRecord(walRecord{Op: "missing_tx", Block: block, MissingTxID: &id}); err != nil {
			return err
		}
		s.applyRecord(&walRecord{Op: "missing_tx", Block: block, MissingTxID: &id})
	}
	return nil
}

// SaveTx persists a single transaction fetched out-of-band by the repair
// worker, clearing it from the missing set. The height recorded when the
// transaction was first marked missing is stamped onto tx so it lands in
// new_transactions with a height and becomes eligible for PromoteStable,
// same as a transaction fetched inline by the importer.
func (s *Store) SaveTx(tx *chain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Height == nil {
		if h, ok := s.missing[tx.ID]; ok {
			h := h
			tx.Height = &h
		}
	}
	if err := s.appendRecord(walRecord{Op: "tx", Tx: tx}); err != nil {
		return err
	}
	s.applyRecord(&walRecord{Op: "tx", Tx: tx})
	return nil
}

// SaveDataItem persists a single data item, insert-or-replace. An item may
// be saved multiple times as its bundle moves from queued to fully indexed:
// an optimistic item (RootTransactionID nil) gets rewritten with a non-nil
// root id and height once its bundle resolves.
func (s *Store) SaveDataItem(item *chain.DataItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendRecord(walRecord{Op: "item", Item: item}); err != nil {
		return err
	}
	s.applyRecord(&walRecord{Op: "item", Item: item})
	return nil
}

// GetDataItem returns a data item by id from either table.
func (s *Store) GetDataItem(id chain.ID32) (*chain.DataItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.newItems[id]; ok {
		return item, true
	}
	item, ok := s.stableItems[id]
	return item, ok
}

// AllDataItemsForQuery returns every known data item (new ∪ stable), for the
// GraphQL planner to filter/sort/paginate alongside transactions.
func (s *Store) AllDataItemsForQuery() []*chain.DataItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.DataItem, 0, len(s.newItems)+len(s.stableItems))
	for _, it := range s.newItems {
		out = append(out, it)
	}
	for _, it := range s.stableItems {
		out = append(out, it)
	}
	return out
}

// GetMissingTxIds returns up to limit transaction ids recorded as missing,
// oldest height first.
func (s *Store) GetMissingTxIds(limit int) []chain.ID32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pair struct {
		id     chain.ID32
		height uint64
	}
	all := make([]pair, 0, len(s.missing))
	for id, h := range s.missing {
		all = append(all, pair{id, h})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].height < all[j].height })

	if limit > len(all) {
		limit = len(all)
	}
	out := make([]chain.ID32, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[i].id
	}
	return out
}

// ResetToHeight rewinds the new table to h, dropping any block/tx rows above
// it for fork/gap recovery. The WAL is compacted by rewriting only
// surviving records, since the new table is bounded shallow.
func (s *Store) ResetToHeight(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(walRecord{Op: "reset", ResetHeight: &h}); err != nil {
		return err
	}
	s.resetInMemory(h)
	return s.compactLocked()
}

// compactLocked rewrites the WAL to contain only records that survive the
// current in-memory state, bounding file growth across repeated forks.
func (s *Store) compactLocked() error {
	tmpPath := s.walPath + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("index: opening compaction file: %w", err)
	}

	heights := make([]uint64, 0, len(s.newBlocks))
	for h := range s.newBlocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	for _, h := range heights {
		b, _ := json.Marshal(walRecord{Op: "block", Block: s.newBlocks[h]})
		if _, err := f.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	for _, tx := range s.newTxs {
		b, _ := json.Marshal(walRecord{Op: "tx", Tx: tx})
		if _, err := f.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	for _, item := range s.newItems {
		b, _ := json.Marshal(walRecord{Op: "item", Item: item})
		if _, err := f.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	for id, h := range s.missing {
		id := id
		b, _ := json.Marshal(walRecord{Op: "missing_tx", Block: &chain.Block{Height: h}, MissingTxID: &id})
		if _, err := f.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	s.walFile.Close()
	if err := os.Rename(tmpPath, s.walPath); err != nil {
		return fmt.Errorf("index: renaming compacted WAL: %w", err)
	}
	wal, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("index: reopening WAL: %w", err)
	}
	s.walFile = wal
	return nil
}

// PromoteStable moves new-table blocks at or below tipHeight-maxForkDepth
// into the stable table; stable blocks are never mutated again. Returns
// the new maximum stable height, if any changed.
func (s *Store) PromoteStable(tipHeight uint64, maxForkDepth int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(maxForkDepth) > tipHeight {
		return 0, false
	}
	threshold := tipHeight - uint64(maxForkDepth)

	promoted := false
	for h, b := range s.newBlocks {
		if h > threshold {
			continue
		}
		b.Status = chain.StatusStable
		s.stableBlocks[h] = b
		delete(s.newBlocks, h)
		if !s.hasMaxStable || h > s.maxStable {
			s.maxStable = h
			s.hasMaxStable = true
		}
		promoted = true
	}
	for id, tx := range s.newTxs {
		if tx.Height != nil && *tx.Height <= threshold {
			s.stableTxs[id] = tx
			delete(s.newTxs, id)
		}
	}
	for id, item := range s.newItems {
		// Optimistic items (RootTransactionID nil) never promote: stable_items
		// excludes them until their bundle resolves and assigns a height.
		if item.IsOptimistic() {
			continue
		}
		if item.Height != nil && *item.Height <= threshold {
			s.stableItems[id] = item
			delete(s.newItems, id)
		}
	}
	return s.maxStable, promoted
}

// MaxStableHeight returns the highest height promoted to stable, if any.
func (s *Store) MaxStableHeight() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxStable, s.hasMaxStable
}

// Snapshot persists the stable table to disk (atomic temp-file-then-rename,
// matching core/ledger.go's snapshot pattern) and then compacts the WAL down
// to the new table and missing set, so startup replay only has to cover the
// shallow new table plus records after the snapshot.
func (s *Store) Snapshot() error {
	s.mu.RLock()
	blocks := make([]*chain.Block, 0, len(s.stableBlocks))
	for _, b := range s.stableBlocks {
		blocks = append(blocks, b)
	}
	txs := make([]*chain.Transaction, 0, len(s.stableTxs))
	for _, t := range s.stableTxs {
		txs = append(txs, t)
	}
	items := make([]*chain.DataItem, 0, len(s.stableItems))
	for _, it := range s.stableItems {
		items = append(items, it)
	}
	s.mu.RUnlock()

	tmp := s.snapPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("index: creating snapshot: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(struct {
		Blocks []*chain.Block
		Txs    []*chain.Transaction
		Items  []*chain.DataItem
	}{blocks, txs, items}); err != nil {
		f.Close()
		return fmt.Errorf("index: encoding snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) loadSnapshot() error {
	f, err := os.Open(s.snapPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: opening snapshot: %w", err)
	}
	defer f.Close()

	var snap struct {
		Blocks []*chain.Block
		Txs    []*chain.Transaction
		Items  []*chain.DataItem
	}
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("index: decoding snapshot: %w", err)
	}
	for _, b := range snap.Blocks {
		s.stableBlocks[b.Height] = b
		s.heightHash[b.Height] = b.IndepHash
		if b.Height > s.maxHeight {
			s.maxHeight = b.Height
		}
		if !s.hasMaxStable || b.Height > s.maxStable {
			s.maxStable = b.Height
			s.hasMaxStable = true
		}
	}
	for _, t := range snap.Txs {
		s.stableTxs[t.ID] = t
	}
	for _, it := range snap.Items {
		s.stableItems[it.ID] = it
	}
	return nil
}

// GetBlock returns a block by height from either table.
func (s *Store) GetBlock(h uint64) (*chain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.newBlocks[h]; ok {
		return b, true
	}
	b, ok := s.stableBlocks[h]
	return b, ok
}

// GetTx returns a transaction by id from either table.
func (s *Store) GetTx(id chain.ID32) (*chain.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.newTxs[id]; ok {
		return tx, true
	}
	tx, ok := s.stableTxs[id]
	return tx, ok
}

// AllBlocksForQuery returns every known block (new ∪ stable), for the
// planner to filter/sort; bounded by the shallow-new-table invariant plus
// whatever stable rows the query actually needs.
func (s *Store) AllBlocksForQuery() []*chain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.Block, 0, len(s.newBlocks)+len(s.stableBlocks))
	for _, b := range s.newBlocks {
		out = append(out, b)
	}
	for _, b := range s.stableBlocks {
		out = append(out, b)
	}
	return out
}

// AllTxsForQuery returns every known transaction (new ∪ stable) as one plain
// slice, for the GraphQL planner to filter/sort/paginate; rows do not record
// which table they came from.
func (s *Store) AllTxsForQuery() []*chain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.Transaction, 0, len(s.newTxs)+len(s.stableTxs))
	for _, t := range s.newTxs {
		out = append(out, t)
	}
	for _, t := range s.stableTxs {
		out = append(out, t)
	}
	return out
}

// Close flushes a final snapshot and closes the WAL file.
func (s *Store) Close() error {
	if err := s.Snapshot(); err != nil {
		return err
	}
	return s.walFile.Close()
}
