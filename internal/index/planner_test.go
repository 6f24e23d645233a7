package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaingateway/internal/chain"
	"chaingateway/internal/testutil"
)

func TestCursorRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		key  cursorKey
	}{
		{"zero", cursorKey{}},
		{"typical", cursorKey{Height: 42, BlockTransactionIndex: 3, IndexedAt: 1700000000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.key.DataItemID[0] = 7
			tc.key.ID[0] = 9

			s, err := EncodeCursor(tc.key)
			require.NoError(t, err)
			assert.NotEmpty(t, s)

			got, err := DecodeCursor(s)
			require.NoError(t, err)
			assert.Equal(t, tc.key, got)
		})
	}
}

func TestBuildPlanOrdersBySelectivity(t *testing.T) {
	filter := Filter{Tags: []TagFilter{
		{Name: "App-Name", Values: []string{"arweave"}},
		{Name: "Content-Type", Values: []string{"image/png"}},
	}}
	selectivity := map[string]int{"App-Name": 5, "Content-Type": 1000}

	plan := BuildPlan(filter, selectivity)
	require.Len(t, plan.OrderedTags, 2)
	assert.Equal(t, "Content-Type", plan.OrderedTags[0].Name, "the more selective tag must be joined first")
	assert.Equal(t, "App-Name", plan.OrderedTags[1].Name)
	assert.Equal(t, []string{"new_txs", "new_items", "stable_txs", "stable_items"}, plan.Sources)
}

func TestBuildPlanBundledInRestrictsToItemSources(t *testing.T) {
	id := chain.ID32{9}
	plan := BuildPlan(Filter{BundledIn: &id}, nil)
	assert.Equal(t, []string{"new_items", "stable_items"}, plan.Sources)
}

func TestExecuteFiltersOrdersAndPaginates(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	store, err := OpenStore(sb.Root)
	require.NoError(t, err)
	defer store.Close()

	tagIndex := NewTagIndex()

	for i := uint64(1); i <= 5; i++ {
		id := chain.ID32{}
		id[0] = byte(i)
		tx := &chain.Transaction{ID: id, Height: &i, OwnerAddress: "alice"}
		require.NoError(t, store.SaveTx(tx))
		tagIndex.Insert(id, []chain.Tag{{Name: []byte("App-Name"), Value: []byte("arweave")}})
	}

	plan := BuildPlan(Filter{}, nil)
	page, err := Execute(store, tagIndex, plan, Filter{Owners: []string{"alice"}}, HeightDesc, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	assert.True(t, page.HasNextPage)
	assert.Equal(t, uint64(5), page.Rows[0].Height)
	assert.Equal(t, uint64(4), page.Rows[1].Height)

	next, err := Execute(store, tagIndex, plan, Filter{Owners: []string{"alice"}}, HeightDesc, 2, page.Cursors[1])
	require.NoError(t, err)
	require.Len(t, next.Rows, 2)
	assert.Equal(t, uint64(3), next.Rows[0].Height)
	assert.Equal(t, uint64(2), next.Rows[1].Height)
}

func TestExecuteTagFilterExcludesNonMatching(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	store, err := OpenStore(sb.Root)
	require.NoError(t, err)
	defer store.Close()

	tagIndex := NewTagIndex()

	h1 := uint64(1)
	tx1 := &chain.Transaction{ID: chain.ID32{1}, Height: &h1}
	require.NoError(t, store.SaveTx(tx1))
	tagIndex.Insert(tx1.ID, []chain.Tag{{Name: []byte("App-Name"), Value: []byte("arweave")}})

	h2 := uint64(2)
	tx2 := &chain.Transaction{ID: chain.ID32{2}, Height: &h2}
	require.NoError(t, store.SaveTx(tx2))
	tagIndex.Insert(tx2.ID, []chain.Tag{{Name: []byte("App-Name"), Value: []byte("other")}})

	filter := Filter{Tags: []TagFilter{{Name: "App-Name", Values: []string{"arweave"}}}}
	plan := BuildPlan(filter, map[string]int{"App-Name": 1})

	page, err := Execute(store, tagIndex, plan, filter, HeightDesc, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, tx1.ID, page.Rows[0].ID)
}

func TestExecuteBundledInReturnsOnlyMatchingDataItems(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	store, err := OpenStore(sb.Root)
	require.NoError(t, err)
	defer store.Close()

	tagIndex := NewTagIndex()

	parent := chain.ID32{9}
	h := uint64(3)
	child := &chain.DataItem{ID: chain.ID32{1}, ParentID: parent, Height: &h, RootTransactionID: &parent}
	require.NoError(t, store.SaveDataItem(child))
	other := &chain.DataItem{ID: chain.ID32{2}, ParentID: chain.ID32{8}, Height: &h, RootTransactionID: &parent}
	require.NoError(t, store.SaveDataItem(other))

	filter := Filter{BundledIn: &parent}
	plan := BuildPlan(filter, nil)

	page, err := Execute(store, tagIndex, plan, filter, HeightDesc, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, child.ID, page.Rows[0].ID)
	assert.Equal(t, child, page.Rows[0].Item)
}

func TestExecuteIncludesOptimisticDataItemsWithoutBundledInFilter(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	store, err := OpenStore(sb.Root)
	require.NoError(t, err)
	defer store.Close()

	tagIndex := NewTagIndex()

	optimistic := &chain.DataItem{ID: chain.ID32{3}}
	require.NoError(t, store.SaveDataItem(optimistic))

	plan := BuildPlan(Filter{}, nil)
	page, err := Execute(store, tagIndex, plan, Filter{}, HeightDesc, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, optimistic.ID, page.Rows[0].ID)
	assert.Nil(t, page.Rows[0].Item.Height)
}
