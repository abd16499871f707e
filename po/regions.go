// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"binopt.org/binopt/bin"
	"golang.org/x/sync/errgroup"
)

// The venue's regional endpoints. The live list is refreshed out-of-band
// when possible; these are the deterministic fallbacks.
var (
	demoEndpoints = []string{
		"wss://demo-api-eu.po.market/socket.io/?EIO=4&transport=websocket",
	}
	liveEndpoints = []string{
		"wss://api.pocketoption.com/socket.io/?EIO=4&transport=websocket",
		"wss://api-eu.po.market/socket.io/?EIO=4&transport=websocket",
		"wss://api-us-south.po.market/socket.io/?EIO=4&transport=websocket",
		"wss://api-asia.po.market/socket.io/?EIO=4&transport=websocket",
	}
)

// regionRecord is one entry of the out-of-band region list.
type regionRecord struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Blocked bool   `json:"blocked"`
}

// RegionSource derives the candidate endpoint list for the connector: an
// out-of-band region list when reachable, the static fallbacks otherwise,
// ordered by measured latency.
type RegionSource struct {
	// ListURL is the out-of-band region list endpoint. Empty disables the
	// fetch and uses the fallbacks directly.
	ListURL string
	// Client is the HTTP client for the list fetch. Nil uses a default
	// with a 10s timeout.
	Client *http.Client
	// ProbeTimeout bounds each latency probe. Zero means 3s.
	ProbeTimeout time.Duration
	Log          bin.Logger
}

// Candidates derives the ordered endpoint candidates for a credential. Demo
// credentials only see demo regions.
func (rs *RegionSource) Candidates(ctx context.Context, creds *SSID) []string {
	if creds.Demo {
		return append([]string{}, demoEndpoints...)
	}

	endpoints := rs.fetchList(ctx)
	if len(endpoints) == 0 {
		endpoints = append([]string{}, liveEndpoints...)
	}
	return rs.orderByLatency(ctx, endpoints)
}

func (rs *RegionSource) log() bin.Logger {
	if rs.Log == nil {
		return bin.Disabled
	}
	return rs.Log
}

// fetchList fetches and filters the out-of-band region list. Any failure
// falls back to the static list.
func (rs *RegionSource) fetchList(ctx context.Context) []string {
	if rs.ListURL == "" {
		return nil
	}
	client := rs.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rs.ListURL, nil)
	if err != nil {
		rs.log().Warnf("region list request: %v", err)
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		rs.log().Warnf("region list fetch: %v", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		rs.log().Warnf("region list fetch: status %s", resp.Status)
		return nil
	}
	var records []regionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		rs.log().Warnf("region list decode: %v", err)
		return nil
	}
	var endpoints []string
	for _, rec := range records {
		if rec.Blocked || !strings.HasPrefix(rec.URL, "wss://") {
			continue
		}
		endpoints = append(endpoints, rec.URL)
	}
	return endpoints
}

// orderByLatency probes every endpoint's TCP reachability concurrently and
// orders reachable endpoints fastest-first, unreachable ones last in their
// original order.
func (rs *RegionSource) orderByLatency(ctx context.Context, endpoints []string) []string {
	probeTimeout := rs.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}

	type probe struct {
		endpoint string
		latency  time.Duration
		err      error
	}
	probes := make([]probe, len(endpoints))

	var eg errgroup.Group
	var mtx sync.Mutex
	for i, endpoint := range endpoints {
		i, endpoint := i, endpoint
		eg.Go(func() error {
			latency, err := probeEndpoint(ctx, endpoint, probeTimeout)
			mtx.Lock()
			probes[i] = probe{endpoint: endpoint, latency: latency, err: err}
			mtx.Unlock()
			return nil
		})
	}
	eg.Wait()

	sort.SliceStable(probes, func(i, j int) bool {
		pi, pj := probes[i], probes[j]
		if (pi.err == nil) != (pj.err == nil) {
			return pi.err == nil
		}
		return pi.latency < pj.latency
	})

	out := make([]string, 0, len(probes))
	for _, p := range probes {
		if p.err != nil {
			rs.log().Debugf("endpoint %s unreachable: %v", p.endpoint, p.err)
		}
		out = append(out, p.endpoint)
	}
	return out
}

func probeEndpoint(ctx context.Context, endpoint string, timeout time.Duration) (time.Duration, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", host, err)
	}
	conn.Close()
	return time.Since(start), nil
}
