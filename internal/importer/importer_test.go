package importer

import (
	"context"
	"errors"
	"testing"

	"chaingateway/internal/chain"
	"chaingateway/internal/events"
)

type fakeChain struct {
	blocks map[uint64]*chain.Block
	txs    map[uint64][]*chain.Transaction
}

func (f *fakeChain) GetHeight(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeChain) GetBlockAndTransactionsByHeight(ctx context.Context, h uint64) (*chain.Block, []*chain.Transaction, error) {
	b, ok := f.blocks[h]
	if !ok {
		return nil, nil, errors.New("importer test: block not found")
	}
	return b, f.txs[h], nil
}

type fakeIndex struct {
	hashes     map[uint64]chain.Hash48
	maxHeight  uint64
	saved      []uint64
	resetCalls []uint64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{hashes: make(map[uint64]chain.Hash48)}
}

func (f *fakeIndex) GetMaxHeight(ctx context.Context) (uint64, error) { return f.maxHeight, nil }

func (f *fakeIndex) GetHashAtHeight(ctx context.Context, h uint64) (chain.Hash48, bool, error) {
	hash, ok := f.hashes[h]
	return hash, ok, nil
}

func (f *fakeIndex) SaveBlockAndTxs(ctx context.Context, block *chain.Block, txs []*chain.Transaction, missingTxIDs []chain.ID32) error {
	f.hashes[block.Height] = block.IndepHash
	if block.Height > f.maxHeight {
		f.maxHeight = block.Height
	}
	f.saved = append(f.saved, block.Height)
	return nil
}

func (f *fakeIndex) ResetToHeight(ctx context.Context, h uint64) error {
	f.resetCalls = append(f.resetCalls, h)
	for height := range f.hashes {
		if height > h {
			delete(f.hashes, height)
		}
	}
	f.maxHeight = h
	return nil
}

func hashFor(height uint64) chain.Hash48 {
	var h chain.Hash48
	h[0] = byte(height)
	h[1] = 1
	return h
}

func TestImportBlockResolvesForkByRewinding(t *testing.T) {
	block1 := &chain.Block{Height: 1, IndepHash: hashFor(1), PreviousBlock: chain.Hash48{}}
	block2 := &chain.Block{Height: 2, IndepHash: hashFor(2), PreviousBlock: hashFor(1)}

	src := &fakeChain{
		blocks: map[uint64]*chain.Block{1: block1, 2: block2},
		txs:    map[uint64][]*chain.Transaction{},
	}
	idx := newFakeIndex()
	// Simulate a previously persisted, now-stale hash at height 1 that does
	// not match block2's PreviousBlock, forcing fork detection.
	var staleHash chain.Hash48
	staleHash[0] = 0xff
	idx.hashes[1] = staleHash

	imp := New(Config{StartHeight: 1, MaxForkDepth: 2}, src, idx, events.New(), nil)

	if err := imp.importBlock(context.Background(), 2); err != nil {
		t.Fatalf("importBlock: %v", err)
	}

	if got := imp.ForkCount(); got != 1 {
		t.Fatalf("ForkCount = %d, want 1", got)
	}
	if got := imp.ForkDepthGauge(); got != 1 {
		t.Fatalf("ForkDepthGauge = %d, want 1", got)
	}
	wantSaved := []uint64{1, 2}
	if len(idx.saved) != len(wantSaved) {
		t.Fatalf("saved heights = %v, want %v", idx.saved, wantSaved)
	}
	for i, h := range wantSaved {
		if idx.saved[i] != h {
			t.Fatalf("saved heights = %v, want %v", idx.saved, wantSaved)
		}
	}
	if idx.maxHeight != 2 {
		t.Fatalf("maxHeight = %d, want 2", idx.maxHeight)
	}
}

func TestImportBlockExceedsForkDepthIsFatal(t *testing.T) {
	src := &fakeChain{blocks: map[uint64]*chain.Block{}, txs: map[uint64][]*chain.Transaction{}}
	idx := newFakeIndex()
	imp := New(Config{StartHeight: 1, MaxForkDepth: 0}, src, idx, events.New(), nil)

	err := imp.getBlockOrForkedBlock(context.Background(), 5, 1)
	if !errors.Is(err, ErrForkDepthExceeded) {
		t.Fatalf("got %v, want ErrForkDepthExceeded", err)
	}
}

func TestImportBlockPersistsLinearChain(t *testing.T) {
	block1 := &chain.Block{Height: 1, IndepHash: hashFor(1), PreviousBlock: chain.Hash48{}}
	block2 := &chain.Block{Height: 2, IndepHash: hashFor(2), PreviousBlock: hashFor(1)}

	src := &fakeChain{
		blocks: map[uint64]*chain.Block{1: block1, 2: block2},
		txs:    map[uint64][]*chain.Transaction{},
	}
	idx := newFakeIndex()
	imp := New(Config{StartHeight: 1, MaxForkDepth: 2}, src, idx, events.New(), nil)

	if err := imp.importBlock(context.Background(), 1); err != nil {
		t.Fatalf("importBlock(1): %v", err)
	}
	if err := imp.importBlock(context.Background(), 2); err != nil {
		t.Fatalf("importBlock(2): %v", err)
	}
	if imp.ForkCount() != 0 {
		t.Fatalf("expected no forks on a linear chain, got %d", imp.ForkCount())
	}
	if idx.maxHeight != 2 {
		t.Fatalf("maxHeight = %d, want 2", idx.maxHeight)
	}
}
