// Package ratelimit implements the Chain Fetcher's adaptive token bucket.
// A plain golang.org/x/time/rate.Limiter
// only models a static refill rate; this wrapper owns the 429-driven
// decrement/recovery state machine around it and reconfigures the inner
// limiter's SetLimit on every adjustment, reusing x/time/rate purely for its
// token-bucket accounting and wait/allow mechanics.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the adaptive bucket's steady-state and recovery behavior.
type Config struct {
	// RequestsPerSecond is the starting/ceiling steady-state rate.
	RequestsPerSecond float64
	// MaxRequestsPerSecond is the ceiling the rate recovers back to.
	MaxRequestsPerSecond float64
	// RecoveryPerSecond is the linear recovery increment applied once per
	// second while no 429s are observed.
	RecoveryPerSecond float64
}

// DefaultConfig returns the recommended starting defaults.
func DefaultConfig(requestsPerSecond, maxRequestsPerSecond float64) Config {
	return Config{
		RequestsPerSecond:    requestsPerSecond,
		MaxRequestsPerSecond: maxRequestsPerSecond,
		RecoveryPerSecond:    0.2,
	}
}

// Bucket is an adaptive, penalty-aware token bucket.
type Bucket struct {
	mu sync.Mutex

	cfg     Config
	limiter *rate.Limiter
	rate    float64
	burst   int

	recoverStop chan struct{}
	recoverOnce sync.Once
}

// New constructs a Bucket at cfg.RequestsPerSecond with a burst ceiling of
// RequestsPerSecond * 300,
func New(cfg Config) *Bucket {
	burst := int(cfg.RequestsPerSecond * 300)
	if burst < 1 {
		burst = 1
	}
	b := &Bucket{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		rate:        cfg.RequestsPerSecond,
		burst:       burst,
		recoverStop: make(chan struct{}),
	}
	go b.recoveryLoop()
	return b
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// CurrentRate returns the bucket's current steady-state rate, for metrics
// and tests.
func (b *Bucket) CurrentRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Penalize applies 429 backoff: the bucket is decremented by 2^attempt
// tokens and the refill rate is reduced by max(1, 2^attempt).
func (b *Bucket) Penalize(attempt int) {
	penalty := math.Pow(2, float64(attempt))
	if penalty < 1 {
		penalty = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Reduce the refill rate, never below a floor that still makes progress.
	newRate := b.rate - penalty
	if newRate < 0.1 {
		newRate = 0.1
	}
	b.rate = newRate
	b.limiter.SetLimit(rate.Limit(b.rate))

	// Reserve `penalty` tokens so they are taken out of the bucket. Later
	// Wait calls are delayed only once the remaining tokens are used up;
	// while tokens remain, the next request is not delayed. A penalty larger
	// than the burst is rejected by ReserveN and no tokens are taken.
	r := b.limiter.ReserveN(time.Now(), int(math.Ceil(penalty)))
	if !r.OK() {
		return
	}
	// The reservation is kept (never cancelled), so its tokens stay spent.
	_ = r
}

// recoveryLoop restores the rate toward the ceiling by RecoveryPerSecond
// every second, as long as no further penalties arrive.
func (b *Bucket) recoveryLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			if b.rate < b.cfg.MaxRequestsPerSecond {
				b.rate += b.cfg.RecoveryPerSecond
				if b.rate > b.cfg.MaxRequestsPerSecond {
					b.rate = b.cfg.MaxRequestsPerSecond
				}
				b.limiter.SetLimit(rate.Limit(b.rate))
			}
			b.mu.Unlock()
		case <-b.recoverStop:
			return
		}
	}
}

// Close stops the background recovery loop.
func (b *Bucket) Close() {
	b.recoverOnce.Do(func() { close(b.recoverStop) })
}
