package index

import (
	"testing"
	"time"

	"chaingateway/internal/chain"
	"chaingateway/pkg/breaker"
)

func TestComputeContentCIDIsStableAndContentAddressed(t *testing.T) {
	a, err := ComputeContentCID([]byte("hello world"))
	if err != nil {
		t.Fatalf("ComputeContentCID: %v", err)
	}
	b, err := ComputeContentCID([]byte("hello world"))
	if err != nil {
		t.Fatalf("ComputeContentCID: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical content to produce identical CIDs, got %q and %q", a, b)
	}

	c, err := ComputeContentCID([]byte("different content"))
	if err != nil {
		t.Fatalf("ComputeContentCID: %v", err)
	}
	if a == c {
		t.Fatal("expected different content to produce different CIDs")
	}
}

func TestRecordContentStoresAttributesByID(t *testing.T) {
	d := NewDataStore(breaker.Config{CooldownTimeout: time.Second})
	id := chain.ID32{1}
	parent := chain.ID32{2}

	attrs, err := d.RecordContent(id, []byte("payload"), &parent)
	if err != nil {
		t.Fatalf("RecordContent: %v", err)
	}
	if attrs.ContentHash == "" {
		t.Fatal("expected a non-empty content hash")
	}

	got, err := d.GetDataAttributes(id)
	if err != nil {
		t.Fatalf("GetDataAttributes: %v", err)
	}
	if got == nil || got.ContentHash != attrs.ContentHash {
		t.Fatalf("GetDataAttributes = %+v, want matching content hash %q", got, attrs.ContentHash)
	}

	gotParent, err := d.GetDataParent(id)
	if err != nil {
		t.Fatalf("GetDataParent: %v", err)
	}
	if gotParent == nil || *gotParent != parent {
		t.Fatalf("GetDataParent = %v, want %v", gotParent, parent)
	}
}
