package index

import (
	"testing"

	"chaingateway/internal/chain"
	"chaingateway/internal/testutil"
)

func makeBlock(height uint64, prev chain.Hash48) *chain.Block {
	var hash chain.Hash48
	hash[0] = byte(height)
	return &chain.Block{Height: height, IndepHash: hash, PreviousBlock: prev}
}

func TestSaveBlockAndTxsPersistsAndReplays(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	b1 := makeBlock(1, chain.Hash48{})
	if err := s.SaveBlockAndTxs(b1, nil, nil); err != nil {
		t.Fatalf("SaveBlockAndTxs: %v", err)
	}
	if got := s.GetMaxHeight(); got != 1 {
		t.Fatalf("GetMaxHeight = %d, want 1", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("reopen OpenStore: %v", err)
	}
	defer reopened.Close()
	if got := reopened.GetMaxHeight(); got != 1 {
		t.Fatalf("after replay GetMaxHeight = %d, want 1", got)
	}
	if _, ok := reopened.GetBlock(1); !ok {
		t.Fatal("expected block 1 to survive replay")
	}
}

func TestResetToHeightDropsAboveTarget(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	for h := uint64(1); h <= 3; h++ {
		if err := s.SaveBlockAndTxs(makeBlock(h, chain.Hash48{}), nil, nil); err != nil {
			t.Fatalf("SaveBlockAndTxs(%d): %v", h, err)
		}
	}

	if err := s.ResetToHeight(1); err != nil {
		t.Fatalf("ResetToHeight: %v", err)
	}
	if _, ok := s.GetBlock(2); ok {
		t.Fatal("expected block 2 to be dropped after reset")
	}
	if _, ok := s.GetBlock(3); ok {
		t.Fatal("expected block 3 to be dropped after reset")
	}
	if _, ok := s.GetBlock(1); !ok {
		t.Fatal("expected block 1 to survive reset")
	}
	if got := s.GetMaxHeight(); got != 1 {
		t.Fatalf("GetMaxHeight after reset = %d, want 1", got)
	}
}

func TestPromoteStableMovesBlocksPastForkDepth(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	for h := uint64(1); h <= 10; h++ {
		if err := s.SaveBlockAndTxs(makeBlock(h, chain.Hash48{}), nil, nil); err != nil {
			t.Fatalf("SaveBlockAndTxs(%d): %v", h, err)
		}
	}

	stableHeight, promoted := s.PromoteStable(10, 3)
	if !promoted {
		t.Fatal("expected promotion to occur")
	}
	if stableHeight != 7 {
		t.Fatalf("MaxStableHeight = %d, want 7", stableHeight)
	}
	if got, _ := s.MaxStableHeight(); got != 7 {
		t.Fatalf("MaxStableHeight() = %d, want 7", got)
	}
	// Blocks at height <= 7 should still be retrievable (now from the stable
	// table), and blocks above should remain in the new table.
	for h := uint64(1); h <= 10; h++ {
		if _, ok := s.GetBlock(h); !ok {
			t.Fatalf("GetBlock(%d) missing after promotion", h)
		}
	}
}

func TestGetMissingTxIdsSortedByHeight(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	var id1, id2 chain.ID32
	id1[0], id2[0] = 1, 2

	b5 := makeBlock(5, chain.Hash48{})
	if err := s.SaveBlockAndTxs(b5, nil, []chain.ID32{id2}); err != nil {
		t.Fatalf("SaveBlockAndTxs(5): %v", err)
	}
	b2 := makeBlock(2, chain.Hash48{})
	if err := s.SaveBlockAndTxs(b2, nil, []chain.ID32{id1}); err != nil {
		t.Fatalf("SaveBlockAndTxs(2): %v", err)
	}

	ids := s.GetMissingTxIds(10)
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	if ids[0] != id1 || ids[1] != id2 {
		t.Fatalf("ids not sorted by height: got %v", ids)
	}
}

func TestSaveDataItemPersistsAndReplays(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	var id chain.ID32
	id[0] = 1
	item := &chain.DataItem{ID: id, ParentID: chain.ID32{2}}
	if err := s.SaveDataItem(item); err != nil {
		t.Fatalf("SaveDataItem: %v", err)
	}
	if _, ok := s.GetDataItem(id); !ok {
		t.Fatal("expected item to be retrievable")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("reopen OpenStore: %v", err)
	}
	defer reopened.Close()
	if _, ok := reopened.GetDataItem(id); !ok {
		t.Fatal("expected item to survive replay")
	}
}

func TestPromoteStableExcludesOptimisticDataItems(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	for h := uint64(1); h <= 10; h++ {
		if err := s.SaveBlockAndTxs(makeBlock(h, chain.Hash48{}), nil, nil); err != nil {
			t.Fatalf("SaveBlockAndTxs(%d): %v", h, err)
		}
	}

	h5 := uint64(5)
	resolved := &chain.DataItem{ID: chain.ID32{1}, Height: &h5, RootTransactionID: &chain.ID32{9}}
	if err := s.SaveDataItem(resolved); err != nil {
		t.Fatalf("SaveDataItem(resolved): %v", err)
	}
	optimistic := &chain.DataItem{ID: chain.ID32{2}}
	if err := s.SaveDataItem(optimistic); err != nil {
		t.Fatalf("SaveDataItem(optimistic): %v", err)
	}

	if _, promoted := s.PromoteStable(10, 3); !promoted {
		t.Fatal("expected promotion to occur")
	}

	all := s.AllDataItemsForQuery()
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if _, ok := s.GetDataItem(optimistic.ID); !ok {
		t.Fatal("optimistic item should remain queryable via the new table")
	}
}
