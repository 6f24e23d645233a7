package index

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"chaingateway/internal/chain"
)

// SortOrder is the GraphQL connection's requested ordering.
type SortOrder int

const (
	HeightDesc SortOrder = iota
	HeightAsc
)

// TagFilter is one {name, values} filter term (an OR over values, ANDed
// across terms).
type TagFilter struct {
	Name   string
	Values []string
}

// Filter is the GraphQL query planner's input filter set.
type Filter struct {
	IDs        []chain.ID32
	Recipients []string
	Owners     []string
	MinHeight  *uint64
	MaxHeight  *uint64
	BundledIn  *chain.ID32
	Tags       []TagFilter
}

// cursorKey is the opaque row key encoded into a page cursor.
type cursorKey struct {
	Height                uint64
	BlockTransactionIndex  int
	DataItemID            chain.ID32
	IndexedAt             int64
	ID                    chain.ID32
}

// rlpCursor is the RLP-friendly wire shape (fixed-size arrays need slices
// for RLP).
type rlpCursor struct {
	Height                uint64
	BlockTransactionIndex uint64
	DataItemID            []byte
	IndexedAt             uint64
	ID                    []byte
}

// EncodeCursor RLP-encodes then base64url-encodes a row's key tuple.
func EncodeCursor(k cursorKey) (string, error) {
	w := rlpCursor{
		Height:                k.Height,
		BlockTransactionIndex: uint64(k.BlockTransactionIndex),
		DataItemID:            k.DataItemID[:],
		IndexedAt:             uint64(k.IndexedAt),
		ID:                    k.ID[:],
	}
	b, err := rlp.EncodeToBytes(w)
	if err != nil {
		return "", fmt.Errorf("index: encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(s string) (cursorKey, error) {
	var k cursorKey
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("index: decoding cursor: %w", err)
	}
	var w rlpCursor
	if err := rlp.DecodeBytes(raw, &w); err != nil {
		return k, fmt.Errorf("index: decoding cursor rlp: %w", err)
	}
	k.Height = w.Height
	k.BlockTransactionIndex = int(w.BlockTransactionIndex)
	copy(k.DataItemID[:], w.DataItemID)
	k.IndexedAt = int64(w.IndexedAt)
	copy(k.ID[:], w.ID)
	return k, nil
}

// Plan is the ordered tag-join sequence and source list a query will
// execute against. Execute only uses Sources to decide whether transaction
// rows, data-item rows, or both are included; new and stable rows of a kind
// are always read together and merged into one sorted result.
type Plan struct {
	OrderedTags []TagFilter
	Sources     []string // subset of "stable_txs", "stable_items", "new_txs", "new_items"
}

// BuildPlan orders tags by descending selectivity: the most-selective tag
// becomes the first join. It also fixes the source list: a bundledIn filter
// excludes plain transactions (an L1 tx is never bundled in anything), so
// only the item sources are consulted.
func BuildPlan(filter Filter, selectivity map[string]int) Plan {
	tags := make([]TagFilter, len(filter.Tags))
	copy(tags, filter.Tags)
	sort.SliceStable(tags, func(i, j int) bool {
		return selectivity[tags[i].Name] > selectivity[tags[j].Name]
	})
	sources := []string{"new_txs", "new_items", "stable_txs", "stable_items"}
	if filter.BundledIn != nil {
		sources = []string{"new_items", "stable_items"}
	}
	return Plan{OrderedTags: tags, Sources: sources}
}

// Row is one candidate result row the planner produces before pagination.
// Exactly one of Tx/Item is populated; a transaction row's DataItemID is the
// zero ID32 (x'00'), matching the planner's tie-break ordering.
type Row struct {
	Height                uint64
	BlockTransactionIndex int
	DataItemID            chain.ID32
	IndexedAt             int64
	ID                    chain.ID32
	Tx                    *chain.Transaction
	Item                  *chain.DataItem
}

func (r Row) key() cursorKey {
	return cursorKey{
		Height:                r.Height,
		BlockTransactionIndex: r.BlockTransactionIndex,
		DataItemID:            r.DataItemID,
		IndexedAt:             r.IndexedAt,
		ID:                    r.ID,
	}
}

// Page is the result of executing a plan: edges plus hasNextPage.
type Page struct {
	Rows        []Row
	Cursors     []string
	HasNextPage bool
}

// matchesFilter applies the non-tag predicates; tag predicates are applied
// separately via the TagIndex (step 2/3 of the planner).
func matchesFilter(tx *chain.Transaction, f Filter) bool {
	if f.BundledIn != nil {
		// An L1 transaction is never bundled in anything.
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == tx.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Recipients) > 0 {
		found := false
		for _, r := range f.Recipients {
			if r == tx.Target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Owners) > 0 {
		found := false
		for _, o := range f.Owners {
			if o == tx.OwnerAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if tx.Height == nil {
		return f.MinHeight == nil && f.MaxHeight == nil
	}
	if f.MinHeight != nil && *tx.Height < *f.MinHeight {
		return false
	}
	if f.MaxHeight != nil && *tx.Height > *f.MaxHeight {
		return false
	}
	return true
}

// matchesItemFilter applies the non-tag predicates to a data item row,
// mirroring matchesFilter. bundledIn matches against the item's immediate
// parent id; optimistic items (root_transaction_id null) only satisfy a
// height bound when no bound was requested at all, same as a heightless
// transaction.
func matchesItemFilter(item *chain.DataItem, f Filter) bool {
	if f.BundledIn != nil && *f.BundledIn != item.ParentID {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == item.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Recipients) > 0 {
		found := false
		for _, r := range f.Recipients {
			if r == item.Target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Owners) > 0 {
		found := false
		for _, o := range f.Owners {
			if o == item.OwnerAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if item.Height == nil {
		return f.MinHeight == nil && f.MaxHeight == nil
	}
	if f.MinHeight != nil && *item.Height < *f.MinHeight {
		return false
	}
	if f.MaxHeight != nil && *item.Height > *f.MaxHeight {
		return false
	}
	return true
}

// Execute runs plan against store/tagIndex: it gathers every matching row
// (new and stable alike) that lies after the cursor, sorts the merged set
// per order, and returns the first pageSize rows, setting HasNextPage when
// more remain. Rows are not fetched per source, and new rows are not
// ordered ahead of stable ones.
func Execute(store *Store, tagIndex *TagIndex, plan Plan, filter Filter, order SortOrder, pageSize int, after string) (Page, error) {
	var afterKey *cursorKey
	if after != "" {
		k, err := DecodeCursor(after)
		if err != nil {
			return Page{}, err
		}
		afterKey = &k
	}

	var tagOwners map[chain.ID32]bool
	for i, t := range plan.OrderedTags {
		owners := tagIndex.OwnersWithTag(t.Name, t.Values)
		set := make(map[chain.ID32]bool, len(owners))
		for _, o := range owners {
			set[o] = true
		}
		if i == 0 {
			tagOwners = set
			continue
		}
		for id := range tagOwners {
			if !set[id] {
				delete(tagOwners, id)
			}
		}
	}

	includeTxs, includeItems := false, false
	for _, src := range plan.Sources {
		switch src {
		case "new_txs", "stable_txs":
			includeTxs = true
		case "new_items", "stable_items":
			includeItems = true
		}
	}

	var rows []Row
	if includeTxs {
		for _, tx := range store.AllTxsForQuery() {
			if tagOwners != nil && !tagOwners[tx.ID] {
				continue
			}
			if !matchesFilter(tx, filter) {
				continue
			}
			height := uint64(0)
			if tx.Height != nil {
				height = *tx.Height
			}
			r := Row{
				Height:                height,
				BlockTransactionIndex: tx.BlockIndex,
				IndexedAt:             tx.IndexedAt,
				ID:                    tx.ID,
				Tx:                    tx,
			}
			if afterKey != nil && !passesCursor(r, *afterKey, order) {
				continue
			}
			rows = append(rows, r)
		}
	}
	if includeItems {
		for _, item := range store.AllDataItemsForQuery() {
			if tagOwners != nil && !tagOwners[item.ID] {
				continue
			}
			if !matchesItemFilter(item, filter) {
				continue
			}
			height := uint64(0)
			if item.Height != nil {
				height = *item.Height
			}
			r := Row{
				Height:     height,
				DataItemID: item.ID,
				IndexedAt:  item.IndexedAt,
				ID:         item.ID,
				Item:       item,
			}
			if afterKey != nil && !passesCursor(r, *afterKey, order) {
				continue
			}
			rows = append(rows, r)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if order == HeightDesc {
			if rows[i].Height != rows[j].Height {
				return rows[i].Height > rows[j].Height
			}
			if rows[i].BlockTransactionIndex != rows[j].BlockTransactionIndex {
				return rows[i].BlockTransactionIndex > rows[j].BlockTransactionIndex
			}
			return rows[i].DataItemID.String() > rows[j].DataItemID.String()
		}
		if rows[i].Height != rows[j].Height {
			return rows[i].Height < rows[j].Height
		}
		if rows[i].BlockTransactionIndex != rows[j].BlockTransactionIndex {
			return rows[i].BlockTransactionIndex < rows[j].BlockTransactionIndex
		}
		return rows[i].DataItemID.String() < rows[j].DataItemID.String()
	})

	hasNext := false
	if len(rows) > pageSize {
		hasNext = true
		rows = rows[:pageSize]
	}

	cursors := make([]string, len(rows))
	for i, r := range rows {
		c, err := EncodeCursor(r.key())
		if err != nil {
			return Page{}, err
		}
		cursors[i] = c
	}
	return Page{Rows: rows, Cursors: cursors, HasNextPage: hasNext}, nil
}

// passesCursor reports whether row lies strictly after cursor in order.
func passesCursor(r Row, cursor cursorKey, order SortOrder) bool {
	less := func(a, b cursorKey) bool {
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if a.BlockTransactionIndex != b.BlockTransactionIndex {
			return a.BlockTransactionIndex < b.BlockTransactionIndex
		}
		return a.DataItemID.String() < b.DataItemID.String()
	}
	rk := r.key()
	if order == HeightDesc {
		return less(rk, cursor)
	}
	return less(cursor, rk)
}
