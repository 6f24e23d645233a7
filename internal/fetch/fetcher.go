package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"chaingateway/internal/chain"
	"chaingateway/internal/events"
	"chaingateway/pkg/ratelimit"
)

const (
	blockPromiseTTL = 30 * time.Second
	txPromiseTTL    = 120 * time.Second
	peerTxTimeout   = 500 * time.Millisecond
	maxRetries      = 5
)

// Config configures a Client.
type Config struct {
	TrustedNodeURL        string
	MaxRequestsPerSecond  float64
	MaxConcurrentRequests int
}

// Client implements the Chain Fetcher: getBlockByHeight,
// getTransaction, getTransactionOffset, getBlockAndTransactionsByHeight,
// getHeight, getPendingTransactionIds, plus peer offload and prefetching.
type Client struct {
	cfg    Config
	http   *http.Client
	bucket *ratelimit.Bucket
	sem    chan struct{}
	cache  *inflightCache
	peers  *peerTable
	bus    *events.Bus
	log    *logrus.Logger
}

// New constructs a fetch Client against the trusted upstream in cfg.
func New(cfg Config, bus *events.Bus, log *logrus.Logger) *Client {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 20
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		bucket: ratelimit.New(ratelimit.DefaultConfig(cfg.MaxRequestsPerSecond, cfg.MaxRequestsPerSecond)),
		sem:    make(chan struct{}, cfg.MaxConcurrentRequests),
		cache:  newInflightCache(),
		peers:  newPeerTable(),
		bus:    bus,
		log:    log,
	}
}

// RefreshPeers re-probes the trusted node's peer list.
func (c *Client) RefreshPeers(ctx context.Context) error {
	return c.peers.refresh(ctx, c.cfg.TrustedNodeURL, c.http)
}

// Close releases background resources (the rate limiter's recovery loop).
func (c *Client) Close() { c.bucket.Close() }

// acquire gates outbound requests through the fixed-size concurrency queue
// and the adaptive token bucket.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doGetJSON performs a rate-limited, retrying GET against the trusted node,
// retrying 5xx/network errors automatically and surfacing 4xx other than 429
//.
func (c *Client) doGetJSON(ctx context.Context, path string, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	url := c.cfg.TrustedNodeURL + path
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := getJSON(ctx, c.http, url, out)
		if err == nil {
			return nil
		}
		var statusErr *httpStatusError
		if se, ok := err.(*httpStatusError); ok {
			statusErr = se
		}
		if statusErr != nil && statusErr.status == http.StatusTooManyRequests {
			c.bucket.Penalize(attempt)
			lastErr = err
			continue
		}
		if statusErr != nil && !statusErr.isRetryable() {
			return err
		}
		lastErr = err
		time.Sleep(backoff(attempt))
	}
	return fmt.Errorf("fetch: %s: exhausted retries: %w", path, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// GetHeight returns the trusted node's current height.
func (c *Client) GetHeight(ctx context.Context) (int64, error) {
	var h int64
	if err := c.doGetJSON(ctx, "/height", &h); err != nil {
		return 0, err
	}
	return h, nil
}

// GetPendingTransactionIds returns the trusted node's mempool tx ids.
func (c *Client) GetPendingTransactionIds(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.doGetJSON(ctx, "/tx/pending", &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetTransactionOffset returns a transaction's data offset/size.
func (c *Client) GetTransactionOffset(ctx context.Context, id chain.ID32) (offset, size string, err error) {
	key := "offset:" + id.String()
	v, err := c.cache.do(key, txPromiseTTL, func() (any, error) {
		var w wireOffset
		if err := c.doGetJSON(ctx, "/tx/"+id.String()+"/offset", &w); err != nil {
			return nil, err
		}
		return &w, nil
	})
	if err != nil {
		return "", "", err
	}
	w := v.(*wireOffset)
	return w.Offset, w.Size, nil
}

// GetBlockByHeight fetches and caches a block by height. When prefetch is
// true, heights h+1..h+N (N = MaxConcurrentRequests) are scheduled in the
// background as long as the outbound queue is currently empty, and a
// successful fetch also prefetches the block's transactions.
func (c *Client) GetBlockByHeight(ctx context.Context, h uint64, prefetch bool) (*chain.Block, error) {
	key := "block:" + strconv.FormatUint(h, 10)
	v, err := c.cache.do(key, blockPromiseTTL, func() (any, error) {
		var w wireBlock
		if err := c.doGetJSON(ctx, "/block/height/"+strconv.FormatUint(h, 10), &w); err != nil {
			return nil, err
		}
		return w.toBlock()
	})
	if err != nil {
		return nil, err
	}
	b := v.(*chain.Block)

	if c.bus != nil {
		c.bus.Publish(events.BlockFetched, b)
	}

	if prefetch && len(c.sem) == 0 {
		n := c.cfg.MaxConcurrentRequests
		go c.prefetchRange(h+1, h+uint64(n))
		go c.prefetchTransactions(b)
	}
	return b, nil
}

func (c *Client) prefetchRange(from, to uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for h := from; h <= to; h++ {
		if _, err := c.GetBlockByHeight(ctx, h, false); err != nil {
			return
		}
	}
}

func (c *Client) prefetchTransactions(b *chain.Block) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range b.TxIDs {
		if _, err := c.GetTransaction(ctx, id, false); err != nil {
			if c.bus != nil {
				c.bus.Publish(events.BlockTxFetchFailed, map[string]string{"id": id.String()})
			}
			continue
		}
	}
}

// GetBlockAndTransactionsByHeight fetches a block and all of its
// transactions. A transaction that fails to fetch is skipped rather than
// aborting the whole batch: it is omitted from the returned slice, and the
// caller is expected to diff b.TxIDs against the returned transactions to
// find the missing ones and hand them to the repair path. Only the block
// fetch itself (or a context cancellation) surfaces as an error here.
func (c *Client) GetBlockAndTransactionsByHeight(ctx context.Context, h uint64) (*chain.Block, []*chain.Transaction, error) {
	b, err := c.GetBlockByHeight(ctx, h, false)
	if err != nil {
		return nil, nil, err
	}
	txs := make([]*chain.Transaction, 0, len(b.TxIDs))
	for i, id := range b.TxIDs {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		tx, err := c.GetTransaction(ctx, id, false)
		if err != nil {
			if c.log != nil {
				c.log.WithField("height", h).WithField("tx", id.String()).WithError(err).Warn("tx fetch failed, recording as missing")
			}
			continue
		}
		tx.Height = &b.Height
		tx.BlockIndex = i
		txs = append(txs, tx)
		if c.bus != nil {
			c.bus.Publish(events.BlockTxFetched, tx)
		}
	}
	return b, txs, nil
}

// GetTransaction fetches a transaction, trying a random preferred peer first
// (with cryptographic verification) before falling back to the trusted node
//.
func (c *Client) GetTransaction(ctx context.Context, id chain.ID32, isPending bool) (*chain.Transaction, error) {
	key := "tx:" + id.String()
	v, err := c.cache.do(key, txPromiseTTL, func() (any, error) {
		if !isPending {
			if tx, ok := c.tryPeer(ctx, id); ok {
				return tx, nil
			}
		}
		var w wireTx
		if err := c.doGetJSON(ctx, "/tx/"+id.String(), &w); err != nil {
			return nil, err
		}
		return w.toTransaction()
	})
	if err != nil {
		return nil, err
	}
	return v.(*chain.Transaction), nil
}

// tryPeer attempts to serve a transaction fetch from the preferred peer set,
// verifying the signature before trusting the result.
func (c *Client) tryPeer(ctx context.Context, id chain.ID32) (*chain.Transaction, bool) {
	host := c.peers.randomPreferred()
	if host == "" {
		return nil, false
	}
	pctx, cancel := context.WithTimeout(ctx, peerTxTimeout)
	defer cancel()

	var w wireTx
	if err := getJSON(pctx, c.peers.client, "http://"+host+"/tx/"+id.String(), &w); err != nil {
		return nil, false
	}
	tx, err := w.toTransaction()
	if err != nil {
		return nil, false
	}
	if err := verifyTransaction(tx); err != nil {
		if c.log != nil {
			c.log.WithField("peer", host).WithField("tx", id.String()).Debug("peer transaction failed verification, falling back to trusted node")
		}
		return nil, false
	}
	return tx, true
}

// randomPeer is exposed for tests that want to assert on peer selection
// without reaching into the unexported peerTable.
func (c *Client) randomPeer() string { return c.peers.randomPreferred() }
