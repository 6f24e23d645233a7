package gqlserver

import (
	"context"
	"strings"
	"testing"

	"chaingateway/internal/chain"
	"chaingateway/internal/index"
)

type fakeIndex struct {
	page index.Page
	err  error
}

func (f *fakeIndex) Query(ctx context.Context, plan index.Plan, filter index.Filter, order index.SortOrder, pageSize int, after string) (index.Page, error) {
	return f.page, f.err
}

func (f *fakeIndex) GetMaxHeight(ctx context.Context) (uint64, error) { return 0, nil }

func testTxID() string { return strings.Repeat("ab", 32) }

func TestResolverTransactionReturnsNilWhenNotFound(t *testing.T) {
	r := NewResolver(&fakeIndex{page: index.Page{}})
	got, err := r.Transaction(context.Background(), struct{ Id string }{Id: testTxID()})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil resolver for a missing transaction")
	}
}

func TestResolverTransactionRejectsMalformedID(t *testing.T) {
	r := NewResolver(&fakeIndex{})
	if _, err := r.Transaction(context.Background(), struct{ Id string }{Id: "not-hex"}); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestResolverTransactionResolvesFields(t *testing.T) {
	id, err := chain.ID32FromHex(testTxID())
	if err != nil {
		t.Fatalf("ID32FromHex: %v", err)
	}
	h := uint64(42)
	tx := &chain.Transaction{
		ID:           id,
		OwnerAddress: "alice",
		Target:       "bob",
		Quantity:     "100",
		Height:       &h,
		Tags:         []chain.Tag{{Name: []byte("App-Name"), Value: []byte("arweave")}},
	}
	r := NewResolver(&fakeIndex{page: index.Page{Rows: []index.Row{{Tx: tx, Height: h}}}})

	got, err := r.Transaction(context.Background(), struct{ Id string }{Id: testTxID()})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got.Id() != testTxID() {
		t.Fatalf("Id() = %q, want %q", got.Id(), testTxID())
	}
	if got.OwnerAddress() != "alice" {
		t.Fatalf("OwnerAddress() = %q, want alice", got.OwnerAddress())
	}
	if got.Height() == nil || *got.Height() != 42 {
		t.Fatalf("Height() = %v, want 42", got.Height())
	}
	tags := got.Tags()
	if len(tags) != 1 || tags[0].Name() != "App-Name" {
		t.Fatalf("Tags() = %+v, want one App-Name tag", tags)
	}
}

func TestResolverTransactionResolvesDataItemRow(t *testing.T) {
	itemID := chain.ID32{1}
	parentID := chain.ID32{2}
	h := uint64(7)
	item := &chain.DataItem{
		ID:           itemID,
		ParentID:     parentID,
		OwnerAddress: "carol",
		Height:       &h,
		DataSize:     1024,
		Tags:         []chain.Tag{{Name: []byte("Content-Type"), Value: []byte("image/png")}},
	}
	r := NewResolver(&fakeIndex{page: index.Page{Rows: []index.Row{{Item: item, Height: h}}}})

	got, err := r.Transaction(context.Background(), struct{ Id string }{Id: itemID.String()})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got.Id() != itemID.String() {
		t.Fatalf("Id() = %q, want %q", got.Id(), itemID.String())
	}
	if got.OwnerAddress() != "carol" {
		t.Fatalf("OwnerAddress() = %q, want carol", got.OwnerAddress())
	}
	if got.Quantity() != "" {
		t.Fatalf("Quantity() = %q, want empty for a data item row", got.Quantity())
	}
	if got.DataSize() != "1024" {
		t.Fatalf("DataSize() = %q, want 1024", got.DataSize())
	}
	if got.BundledIn() == nil || *got.BundledIn() != parentID.String() {
		t.Fatalf("BundledIn() = %v, want %q", got.BundledIn(), parentID.String())
	}
	tags := got.Tags()
	if len(tags) != 1 || tags[0].Name() != "Content-Type" {
		t.Fatalf("Tags() = %+v, want one Content-Type tag", tags)
	}
}

func TestResolverTransactionsBundledInArgParsesFilter(t *testing.T) {
	page := index.Page{Rows: []index.Row{{Item: &chain.DataItem{ID: chain.ID32{3}}}}}
	r := NewResolver(&fakeIndex{page: page})

	bundledIn := testTxID()
	args := transactionsArgs{BundledIn: &bundledIn}
	conn, err := r.Transactions(context.Background(), args)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(conn.Edges()) != 1 {
		t.Fatalf("Edges() len = %d, want 1", len(conn.Edges()))
	}
}

func TestResolverTransactionsBundledInArgRejectsMalformedID(t *testing.T) {
	r := NewResolver(&fakeIndex{})
	bad := "not-hex"
	args := transactionsArgs{BundledIn: &bad}
	if _, err := r.Transactions(context.Background(), args); err == nil {
		t.Fatal("expected error for malformed bundledIn id")
	}
}

func TestResolverTransactionsBuildsPlanAndConnection(t *testing.T) {
	page := index.Page{
		Rows:        []index.Row{{Tx: &chain.Transaction{ID: chain.ID32{1}}}},
		Cursors:     []string{"cursor-0"},
		HasNextPage: true,
	}
	r := NewResolver(&fakeIndex{page: page})

	owners := []string{"alice"}
	args := transactionsArgs{Owners: &owners}
	conn, err := r.Transactions(context.Background(), args)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	edges := conn.Edges()
	if len(edges) != 1 {
		t.Fatalf("Edges() len = %d, want 1", len(edges))
	}
	if edges[0].Cursor() != "cursor-0" {
		t.Fatalf("Cursor() = %q, want cursor-0", edges[0].Cursor())
	}
	if !conn.PageInfo().HasNextPage() {
		t.Fatal("expected HasNextPage to be true")
	}
}
