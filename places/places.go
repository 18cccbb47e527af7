// Package places is the HTTP client for the external search provider.
// The core treats the provider as query -> {places[], nextPageToken?}.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadsearch/domain"
)

// SearchOptions carries the optional location bias and pagination state for
// one provider call.
type SearchOptions struct {
	Lat          float64
	Lng          float64
	RadiusMeters float64
	PageToken    string
	MaxResults   int
}

func (o SearchOptions) hasBias() bool {
	return o.RadiusMeters > 0
}

// Page is one provider response page.
type Page struct {
	Places        []domain.PlaceSummary `json:"places"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

// Client is the provider capability the gateway wraps.
type Client interface {
	SearchText(ctx context.Context, query string, opts SearchOptions) (*Page, error)
}

type searchRequest struct {
	Query        string        `json:"textQuery"`
	PageToken    string        `json:"pageToken,omitempty"`
	MaxResults   int           `json:"maxResultCount,omitempty"`
	LocationBias *locationBias `json:"locationBias,omitempty"`
}

type locationBias struct {
	Lat    float64 `json:"latitude"`
	Lng    float64 `json:"longitude"`
	Radius float64 `json:"radius"`
}

// HTTPClient calls the provider's text-search endpoint. Each attempt gets a
// bounded timeout; exceeding it is a transient failure for retry/breaker
// purposes.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		hc:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SearchText(ctx context.Context, query string, opts SearchOptions) (*Page, error) {
	if c == nil || c.hc == nil {
		return nil, errors.New("places client not initialized")
	}
	body := searchRequest{
		Query:      query,
		PageToken:  strings.TrimSpace(opts.PageToken),
		MaxResults: opts.MaxResults,
	}
	if opts.hasBias() {
		body.LocationBias = &locationBias{Lat: opts.Lat, Lng: opts.Lng, Radius: opts.RadiusMeters}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrUpstreamFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/places:searchText", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		// Network errors and client timeouts are retryable.
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamTransient, resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamFatal, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrUpstreamTransient, err)
	}
	return &page, nil
}
