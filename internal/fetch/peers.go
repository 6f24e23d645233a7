package fetch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// peerInfo is a discovered peer's probed /info result.
type peerInfo struct {
	host          string
	height        int64
	blocks        int64
	lastProbed    time.Time
}

// ratio returns blocks/height, the preferred-set admission test.
func (p peerInfo) ratio() float64 {
	if p.height <= 0 {
		return 0
	}
	return float64(p.blocks) / float64(p.height)
}

const preferredRatioThreshold = 0.9

// peerTable tracks discovered peers and the derived preferred set, mirroring
// core/peer_management.go's mutex-guarded map[NodeID]*Peer plus Sample
// shuffle helper, with the libp2p transport swapped for plain HTTP GETs
// against peers reached by IP.
type peerTable struct {
	mu        sync.RWMutex
	peers     map[string]*peerInfo
	preferred []string
	client    *http.Client
}

func newPeerTable() *peerTable {
	return &peerTable{
		peers:  make(map[string]*peerInfo),
		client: &http.Client{Timeout: 500 * time.Millisecond},
	}
}

// refresh fetches /peers from the trusted node and probes /info on each,
// rebuilding the preferred set).
func (t *peerTable) refresh(ctx context.Context, trustedBaseURL string, httpClient *http.Client) error {
	var hosts []string
	if err := getJSON(ctx, httpClient, trustedBaseURL+"/peers", &hosts); err != nil {
		return fmt.Errorf("fetch: refreshing peers: %w", err)
	}

	var wg sync.WaitGroup
	results := make(chan *peerInfo, len(hosts))
	for _, h := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			var info wireInfo
			if err := getJSON(pctx, t.client, "http://"+host+"/info", &info); err != nil {
				return
			}
			results <- &peerInfo{host: host, height: info.Height, blocks: info.Blocks, lastProbed: time.Now()}
		}(h)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	peers := make(map[string]*peerInfo)
	var preferred []string
	for r := range results {
		peers[r.host] = r
		if r.ratio() > preferredRatioThreshold {
			preferred = append(preferred, r.host)
		}
	}

	t.mu.Lock()
	t.peers = peers
	t.preferred = preferred
	t.mu.Unlock()
	return nil
}

// randomPreferred returns a random preferred-set host, or "" if none.
func (t *peerTable) randomPreferred() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.preferred) == 0 {
		return ""
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(t.preferred))))
	if err != nil {
		return t.preferred[0]
	}
	return t.preferred[n.Int64()]
}

// getJSON performs a GET and decodes the JSON body into out.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string { return fmt.Sprintf("fetch: unexpected status %d", e.status) }

func (e *httpStatusError) isRetryable() bool {
	return e.status >= 500 || e.status == http.StatusTooManyRequests
}
