// Package peerhealth implements the Peer Health / EDS Generator daemon
//: periodic DNS resolution, concurrent /info probing,
// consensus-height computation, full/partial/excluded classification, and
// atomic EDS file emission. DNS resolution and IP probing reuse the
// standard library; the peer-set partitioning is grounded on
// core/geolocation_network.go / core/distributed_network_coordination.go's
// idiom of grouping a peer set by a derived attribute and emitting a
// derived view, adapted from geography to height-based classification.
package peerhealth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const probeConcurrency = 20

// Config controls resolution, probing, and classification thresholds.
type Config struct {
	DNSNames           []string
	Port               int
	Scheme             string // "http" or "https"
	Interval           time.Duration
	ProbeTimeout       time.Duration
	MaxHeightLag       int64
	MaxHeightLead      int64
	MinConsensusCount  int
	FullSyncThreshold  int64
	LocalMaxHeight     func() int64
	OutputDir          string
	ClusterNameFull    string
	ClusterNamePartial string
}

// DefaultConfig fills in the documented defaults where cfg leaves
// zero values.
func DefaultConfig(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 1984
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxHeightLag == 0 {
		cfg.MaxHeightLag = 5
	}
	if cfg.MaxHeightLead == 0 {
		cfg.MaxHeightLead = 5
	}
	if cfg.MinConsensusCount == 0 {
		cfg.MinConsensusCount = 2
	}
	if cfg.FullSyncThreshold == 0 {
		cfg.FullSyncThreshold = 100
	}
	if cfg.ClusterNameFull == "" {
		cfg.ClusterNameFull = "arweave_full_nodes"
	}
	if cfg.ClusterNamePartial == "" {
		cfg.ClusterNamePartial = "arweave_partial_nodes"
	}
	return cfg
}

// peerProbe is one resolved IP's /info result.
type peerProbe struct {
	ip     string
	height int64
	blocks int64
}

// resolver is the DNS step, a thin interface so tests can substitute a fake
// resolver.
type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// Generator runs the periodic resolve→probe→classify→emit cycle.
type Generator struct {
	cfg      Config
	resolver resolver
	client   *http.Client
	log      *logrus.Logger

	mu            sync.Mutex
	prevFullJSON  []byte
	prevPartJSON  []byte
}

// New constructs a Generator against the standard library DNS resolver.
func New(cfg Config, log *logrus.Logger) *Generator {
	return &Generator{
		cfg:      DefaultConfig(cfg),
		resolver: netResolver{},
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		log:      log,
	}
}

// PreviousOutput returns the last successfully emitted full/partial JSON
// bytes, for tests asserting retention-on-failure.
func (g *Generator) PreviousOutput() (full, partial []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prevFullJSON, g.prevPartJSON
}

// Run executes the cycle on cfg.Interval until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		g.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs exactly one resolve→probe→classify→emit cycle.
func (g *Generator) Tick(ctx context.Context) {
	ips, err := g.resolveAll(ctx)
	if err != nil {
		if g.log != nil {
			g.log.WithError(err).Warn("all DNS resolutions failed, retaining previous EDS output")
		}
		return
	}

	probes := g.probeAll(ctx, ips)
	if len(probes) == 0 {
		if g.log != nil {
			g.log.Warn("no peers responded to /info, retaining previous EDS output")
		}
		return
	}

	local := int64(0)
	if g.cfg.LocalMaxHeight != nil {
		local = g.cfg.LocalMaxHeight()
	}
	reference := computeReferenceHeight(probes, g.cfg.MaxHeightLag, g.cfg.MinConsensusCount)
	if reference < local {
		reference = local
	}

	full, partial := classify(probes, reference, g.cfg)
	if len(full) == 0 && len(partial) == 0 {
		if g.log != nil {
			g.log.Warn("classification produced no peers, retaining previous EDS output")
		}
		return
	}

	if err := g.emit(full, partial); err != nil && g.log != nil {
		g.log.WithError(err).Warn("EDS emission failed")
	}
}

// resolveAll unions A records across every configured name; if every name
// fails to resolve, the previous output is retained.
func (g *Generator) resolveAll(ctx context.Context) ([]string, error) {
	var all []string
	failures := 0
	for _, name := range g.cfg.DNSNames {
		ips, err := g.resolver.LookupHost(ctx, name)
		if err != nil {
			failures++
			continue
		}
		all = append(all, ips...)
	}
	if len(g.cfg.DNSNames) > 0 && failures == len(g.cfg.DNSNames) {
		return nil, errAllResolutionsFailed
	}
	return all, nil
}

var errAllResolutionsFailed = &resolutionError{}

type resolutionError struct{}

func (*resolutionError) Error() string { return "peerhealth: all DNS resolutions failed" }

type wireInfo struct {
	Height int64 `json:"height"`
	Blocks int64 `json:"blocks"`
}

// probeAll GETs /info on every ip at bounded concurrency.
func (g *Generator) probeAll(ctx context.Context, ips []string) []peerProbe {
	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	results := make(chan peerProbe, len(ips))

	for _, ip := range ips {
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
			defer cancel()
			url := g.cfg.Scheme + "://" + net.JoinHostPort(ip, portString(g.cfg.Port)) + "/info"
			req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
			if err != nil {
				return
			}
			resp, err := g.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			var info wireInfo
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return
			}
			results <- peerProbe{ip: ip, height: info.Height, blocks: info.Blocks}
		}(ip)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]peerProbe, 0, len(ips))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func portString(p int) string {
	if p == 0 {
		p = 1984
	}
	return strconv.Itoa(p)
}

// computeReferenceHeight picks the consensus chain height from probe results.
func computeReferenceHeight(probes []peerProbe, maxHeightLag int64, minConsensusCount int) int64 {
	sorted := make([]peerProbe, len(probes))
	copy(sorted, probes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].height > sorted[j].height })

	maxObserved := sorted[0].height
	for _, candidate := range sorted {
		count := 0
		for _, p := range sorted {
			diff := candidate.height - p.height
			if diff < 0 {
				diff = -diff
			}
			if diff <= maxHeightLag {
				count++
			}
		}
		if count >= minConsensusCount {
			return candidate.height
		}
	}
	return maxObserved
}

// classify splits probes into full and partial history peers relative to reference.
func classify(probes []peerProbe, reference int64, cfg Config) (full, partial []peerProbe) {
	for _, p := range probes {
		if p.height > reference+cfg.MaxHeightLead {
			continue
		}
		if p.height < reference-cfg.MaxHeightLag {
			continue
		}
		if p.blocks >= p.height+1-cfg.FullSyncThreshold {
			full = append(full, p)
		} else {
			partial = append(partial, p)
		}
	}
	return full, partial
}
