package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chaingateway/internal/chain"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New(Config{TrustedNodeURL: srv.URL, MaxRequestsPerSecond: 1000, MaxConcurrentRequests: 4}, nil, nil)
	return c
}

func TestGetHeightSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("42"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	defer c.Close()

	h, err := c.GetHeight(context.Background())
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if h != 42 {
		t.Fatalf("GetHeight = %d, want 42", h)
	}
}

func TestDoGetJSONRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("7"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	defer c.Close()

	h, err := c.GetHeight(context.Background())
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if h != 7 {
		t.Fatalf("GetHeight = %d, want 7", h)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDoGetJSONDoesNotRetryNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	defer c.Close()

	if _, err := c.GetHeight(context.Background()); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on non-retryable status)", got)
	}
}

func TestGetBlockByHeightCachesAcrossInflightCalls(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte(`{"indep_hash":"` + validIndepHash() + `","height":5}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	defer c.Close()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if _, err := c.GetBlockByHeight(context.Background(), 5, false); err != nil {
				t.Errorf("GetBlockByHeight: %v", err)
			}
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("upstream requests = %d, want 1 (concurrent calls should join in flight)", got)
	}
}

func TestGetTransactionFallsBackToTrustedNodeWhenNoPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"` + validTxID() + `"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	defer c.Close()

	id, err := chain.ID32FromHex(validTxID())
	if err != nil {
		t.Fatalf("parsing test id: %v", err)
	}
	tx, err := c.GetTransaction(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.ID != id {
		t.Fatalf("tx.ID = %v, want %v", tx.ID, id)
	}
}
