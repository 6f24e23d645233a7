package peerhealth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// edsEnvelope mirrors the EDS output JSON that peer health probes publish.
type edsEnvelope struct {
	VersionInfo string       `json:"version_info"`
	Resources   []edsResource `json:"resources"`
}

type edsResource struct {
	Type        string         `json:"@type"`
	ClusterName string         `json:"cluster_name"`
	Endpoints   []edsEndpoints `json:"endpoints"`
}

type edsEndpoints struct {
	LbEndpoints []edsLbEndpoint `json:"lb_endpoints"`
}

type edsLbEndpoint struct {
	Endpoint     edsEndpoint `json:"endpoint"`
	HealthStatus string      `json:"health_status"`
}

type edsEndpoint struct {
	Address edsAddress `json:"address"`
}

type edsAddress struct {
	SocketAddress edsSocketAddress `json:"socket_address"`
}

type edsSocketAddress struct {
	Address   string `json:"address"`
	PortValue int    `json:"port_value"`
}

func buildEnvelope(clusterName string, peers []peerProbe, port int, now time.Time) edsEnvelope {
	lb := make([]edsLbEndpoint, 0, len(peers))
	for _, p := range peers {
		lb = append(lb, edsLbEndpoint{
			Endpoint: edsEndpoint{Address: edsAddress{SocketAddress: edsSocketAddress{
				Address:   p.ip,
				PortValue: port,
			}}},
			HealthStatus: "HEALTHY",
		})
	}
	return edsEnvelope{
		VersionInfo: now.UTC().Format(time.RFC3339),
		Resources: []edsResource{{
			Type:        "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment",
			ClusterName: clusterName,
			Endpoints:   []edsEndpoints{{LbEndpoints: lb}},
		}},
	}
}

// emit writes both EDS files via temp-file-then-rename, grounded on
// core/ledger.go's snapshot-write pattern (write to a temp path, then
// persist) generalized to two small JSON files instead of one ledger
// snapshot.
func (g *Generator) emit(full, partial []peerProbe) error {
	now := time.Now()

	fullEnv := buildEnvelope(g.cfg.ClusterNameFull, full, g.cfg.Port, now)
	fullJSON, err := json.MarshalIndent(fullEnv, "", "  ")
	if err != nil {
		return fmt.Errorf("peerhealth: marshaling full-node EDS: %w", err)
	}

	partEnv := buildEnvelope(g.cfg.ClusterNamePartial, partial, g.cfg.Port, now)
	partJSON, err := json.MarshalIndent(partEnv, "", "  ")
	if err != nil {
		return fmt.Errorf("peerhealth: marshaling partial-node EDS: %w", err)
	}

	if err := atomicWriteFile(filepath.Join(g.cfg.OutputDir, "arweave_full_nodes.json"), fullJSON); err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(g.cfg.OutputDir, "arweave_partial_nodes.json"), partJSON); err != nil {
		return err
	}

	g.mu.Lock()
	g.prevFullJSON = fullJSON
	g.prevPartJSON = partJSON
	g.mu.Unlock()
	return nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("peerhealth: creating output dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("peerhealth: writing temp EDS file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("peerhealth: renaming EDS file: %w", err)
	}
	return nil
}
