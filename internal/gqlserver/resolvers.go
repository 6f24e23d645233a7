package gqlserver

import (
	"context"
	"fmt"
	"strconv"

	"chaingateway/internal/chain"
	"chaingateway/internal/index"
)

// Index is the subset of the Index Store the GraphQL resolver depends on.
type Index interface {
	Query(ctx context.Context, plan index.Plan, filter index.Filter, order index.SortOrder, pageSize int, after string) (index.Page, error)
	GetMaxHeight(ctx context.Context) (uint64, error)
}

// Resolver is the GraphQL root resolver, thin by design: it translates
// schema arguments into an index.Filter/Plan and delegates to the Index
// Store's query planner.
type Resolver struct {
	idx Index
}

// NewResolver constructs a root Resolver over idx.
func NewResolver(idx Index) *Resolver { return &Resolver{idx: idx} }

type tagFilterInput struct {
	Name   string
	Values []string
}

type transactionsArgs struct {
	Ids        *[]string
	Recipients *[]string
	Owners     *[]string
	Tags       *[]tagFilterInput
	MinHeight  *int32
	MaxHeight  *int32
	BundledIn  *string
	Sort       *string
	First      *int32
	After      *string
}

// Transaction resolves a single transaction by id.
func (r *Resolver) Transaction(ctx context.Context, args struct{ Id string }) (*transactionResolver, error) {
	id, err := chain.ID32FromHex(args.Id)
	if err != nil {
		return nil, fmt.Errorf("gqlserver: invalid transaction id: %w", err)
	}
	plan := index.Plan{Sources: []string{"new_txs", "new_items", "stable_txs", "stable_items"}}
	page, err := r.idx.Query(ctx, plan, index.Filter{IDs: []chain.ID32{id}}, index.HeightDesc, 1, "")
	if err != nil {
		return nil, err
	}
	if len(page.Rows) == 0 {
		return nil, nil
	}
	return &transactionResolver{row: page.Rows[0]}, nil
}

// Transactions resolves the transactions connection.
func (r *Resolver) Transactions(ctx context.Context, args transactionsArgs) (*transactionConnectionResolver, error) {
	filter := index.Filter{}
	if args.Ids != nil {
		for _, s := range *args.Ids {
			id, err := chain.ID32FromHex(s)
			if err != nil {
				return nil, fmt.Errorf("gqlserver: invalid id in ids filter: %w", err)
			}
			filter.IDs = append(filter.IDs, id)
		}
	}
	if args.Recipients != nil {
		filter.Recipients = *args.Recipients
	}
	if args.Owners != nil {
		filter.Owners = *args.Owners
	}
	if args.MinHeight != nil {
		h := uint64(*args.MinHeight)
		filter.MinHeight = &h
	}
	if args.MaxHeight != nil {
		h := uint64(*args.MaxHeight)
		filter.MaxHeight = &h
	}
	if args.BundledIn != nil {
		id, err := chain.ID32FromHex(*args.BundledIn)
		if err != nil {
			return nil, fmt.Errorf("gqlserver: invalid bundledIn id: %w", err)
		}
		filter.BundledIn = &id
	}
	selectivity := make(map[string]int)
	if args.Tags != nil {
		for _, t := range *args.Tags {
			filter.Tags = append(filter.Tags, index.TagFilter{Name: t.Name, Values: t.Values})
			selectivity[t.Name] = 0
		}
	}

	order := index.HeightDesc
	if args.Sort != nil && *args.Sort == "HEIGHT_ASC" {
		order = index.HeightAsc
	}

	pageSize := 10
	if args.First != nil {
		pageSize = int(*args.First)
	}
	after := ""
	if args.After != nil {
		after = *args.After
	}

	plan := index.BuildPlan(filter, selectivity)
	page, err := r.idx.Query(ctx, plan, filter, order, pageSize, after)
	if err != nil {
		return nil, err
	}
	return &transactionConnectionResolver{page: page}, nil
}

type transactionConnectionResolver struct {
	page index.Page
}

func (c *transactionConnectionResolver) Edges() []*transactionEdgeResolver {
	edges := make([]*transactionEdgeResolver, len(c.page.Rows))
	for i, row := range c.page.Rows {
		edges[i] = &transactionEdgeResolver{cursor: c.page.Cursors[i], row: row}
	}
	return edges
}

func (c *transactionConnectionResolver) PageInfo() *pageInfoResolver {
	return &pageInfoResolver{hasNextPage: c.page.HasNextPage}
}

type pageInfoResolver struct{ hasNextPage bool }

func (p *pageInfoResolver) HasNextPage() bool { return p.hasNextPage }

type transactionEdgeResolver struct {
	cursor string
	row    index.Row
}

func (e *transactionEdgeResolver) Cursor() string { return e.cursor }
func (e *transactionEdgeResolver) Node() *transactionResolver {
	return &transactionResolver{row: e.row}
}

// transactionResolver serves the Transaction type for either a plain
// transaction row or a data-item row: exactly one of row.Tx/row.Item is set,
// and tx-only fields (quantity, reward, blockTransactionIndex) return their
// zero value for an item row.
type transactionResolver struct {
	row index.Row
}

func (t *transactionResolver) Id() string {
	if t.row.Item != nil {
		return t.row.Item.ID.String()
	}
	return t.row.Tx.ID.String()
}

func (t *transactionResolver) OwnerAddress() string {
	if t.row.Item != nil {
		return t.row.Item.OwnerAddress
	}
	return t.row.Tx.OwnerAddress
}

func (t *transactionResolver) Target() string {
	if t.row.Item != nil {
		return t.row.Item.Target
	}
	return t.row.Tx.Target
}

func (t *transactionResolver) Quantity() string {
	if t.row.Item != nil {
		return ""
	}
	return t.row.Tx.Quantity
}

func (t *transactionResolver) Reward() string {
	if t.row.Item != nil {
		return ""
	}
	return t.row.Tx.Reward
}

func (t *transactionResolver) DataSize() string {
	if t.row.Item != nil {
		return strconv.FormatInt(t.row.Item.DataSize, 10)
	}
	return t.row.Tx.DataSize
}

func (t *transactionResolver) ContentType() string {
	if t.row.Item != nil {
		return t.row.Item.ContentType
	}
	return t.row.Tx.ContentType
}

func (t *transactionResolver) ContentEncoding() string {
	if t.row.Item != nil {
		return t.row.Item.ContentEncoding
	}
	return t.row.Tx.ContentEncoding
}

func (t *transactionResolver) Height() *int32 {
	var h *uint64
	if t.row.Item != nil {
		h = t.row.Item.Height
	} else {
		h = t.row.Tx.Height
	}
	if h == nil {
		return nil
	}
	v := int32(*h)
	return &v
}

func (t *transactionResolver) BlockTransactionIndex() int32 {
	if t.row.Item != nil {
		return 0
	}
	return int32(t.row.Tx.BlockIndex)
}

// BundledIn returns the data item's parent transaction id, or nil for a
// plain transaction.
func (t *transactionResolver) BundledIn() *string {
	if t.row.Item == nil {
		return nil
	}
	s := t.row.Item.ParentID.String()
	return &s
}

func (t *transactionResolver) Tags() []*tagResolver {
	var tags []chain.Tag
	if t.row.Item != nil {
		tags = t.row.Item.Tags
	} else {
		tags = t.row.Tx.Tags
	}
	out := make([]*tagResolver, len(tags))
	for i, tag := range tags {
		out[i] = &tagResolver{tag: tag}
	}
	return out
}

type tagResolver struct{ tag chain.Tag }

func (t *tagResolver) Name() string  { return string(t.tag.Name) }
func (t *tagResolver) Value() string { return string(t.tag.Value) }
