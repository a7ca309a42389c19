// Package pool ingests the upstream mining pool's operator API: cumulative
// earned balances feed the reward resolver, per-worker scores feed the score
// time series. Ingestion is write-only; settlement runs never call the pool.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WorkerStat is one worker's current score as reported by the pool.
type WorkerStat struct {
	WorkerID   string          `json:"worker_id"`
	DeviceType string          `json:"device_type"`
	Score      decimal.Decimal `json:"score"`
}

// Stats is the pool's view of one (account, coin) at a point in time.
type Stats struct {
	CumulativeEarned decimal.Decimal `json:"cumulative_earned"`
	Workers          []WorkerStat    `json:"workers"`
	ReportedAt       time.Time       `json:"reported_at"`
}

// StatsSource fetches current pool stats for an account and coin.
type StatsSource interface {
	FetchStats(ctx context.Context, account, coin string) (*Stats, error)
}

// HTTPSource fetches stats from the pool operator API.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSource creates a source against the pool API at baseURL. apiKey may
// be empty for pools that authorize by source IP.
func NewHTTPSource(baseURL, apiKey string) *HTTPSource {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// FetchStats implements StatsSource.
func (s *HTTPSource) FetchStats(ctx context.Context, account, coin string) (*Stats, error) {
	reqURL := fmt.Sprintf("%s/v1/accounts/%s/coins/%s/stats",
		s.baseURL, url.PathEscape(account), url.PathEscape(coin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool stats for %s/%s: %w", account, coin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pool API returned status %d for %s/%s", resp.StatusCode, account, coin)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode pool stats for %s/%s: %w", account, coin, err)
	}
	return &stats, nil
}
