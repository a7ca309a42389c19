package rates

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

// HTTPSource fetches rate snapshots from the internal rate oracle over HTTP.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates a source against the rate oracle at baseURL.
func NewHTTPSource(baseURL string) *HTTPSource {
	// Dial timeout keeps a dead oracle from stalling the refresh loop.
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
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// rateResponse is the oracle's GET /v1/rates/{coin} body. Amount fields are
// decimal strings so precision survives the wire.
type rateResponse struct {
	Coin              string    `json:"coin"`
	CoinToCredit      string    `json:"coin_to_credit"`
	CreditToReference string    `json:"credit_to_reference"`
	ReferenceToFiat   string    `json:"reference_to_fiat"`
	Provenance        string    `json:"provenance"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// FetchRates implements Source.
func (s *HTTPSource) FetchRates(ctx context.Context, coin string) (*Snapshot, error) {
	reqURL := fmt.Sprintf("%s/v1/rates/%s", s.baseURL, url.PathEscape(coin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates for %s: %w", coin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Oracle has no rate for this coin yet. Not an error; the resolver
		// keeps whatever snapshot it had.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate oracle returned status %d for %s", resp.StatusCode, coin)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode rate response for %s: %w", coin, err)
	}

	snap := &Snapshot{
		Coin:       coin,
		Provenance: body.Provenance,
		FetchedAt:  body.FetchedAt,
	}
	if snap.CoinToCredit, err = decimal.NewFromString(body.CoinToCredit); err != nil {
		return nil, fmt.Errorf("invalid coin_to_credit %q for %s: %w", body.CoinToCredit, coin, err)
	}
	if snap.CreditToReference, err = decimal.NewFromString(body.CreditToReference); err != nil {
		return nil, fmt.Errorf("invalid credit_to_reference %q for %s: %w", body.CreditToReference, coin, err)
	}
	if snap.ReferenceToFiat, err = decimal.NewFromString(body.ReferenceToFiat); err != nil {
		return nil, fmt.Errorf("invalid reference_to_fiat %q for %s: %w", body.ReferenceToFiat, coin, err)
	}
	return snap, nil
}
