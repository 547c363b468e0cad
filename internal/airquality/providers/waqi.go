package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

const (
	// DefaultWAQIBaseURL is the WAQI feed endpoint.
	DefaultWAQIBaseURL = "https://api.waqi.info/feed"

	maxBodyBytes = 1 << 20
)

// WAQIConfig tunes the WAQI provider. Zero values fall back to defaults.
type WAQIConfig struct {
	BaseURL     string
	Delay       time.Duration
	MaxFailures uint32
}

// WAQIProvider implements the airquality.Fetcher interface for the World Air
// Quality Index geo feed.
type WAQIProvider struct {
	name     string
	token    string
	baseURL  string
	client   *http.Client
	circuit  *gobreaker.CircuitBreaker
	throttle *throttle
}

func NewWAQIProvider(client *http.Client, token string, cfg WAQIConfig) *WAQIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultWAQIBaseURL
	}

	return &WAQIProvider{
		name:     "waqi",
		token:    token,
		baseURL:  base,
		client:   client,
		circuit:  newCircuitBreaker("waqi", cfg.MaxFailures),
		throttle: newThrottle(cfg.Delay),
	}
}

func (p *WAQIProvider) Name() string {
	return p.name
}

// URL builds the geo-lookup request URL for target.
func (p *WAQIProvider) URL(target airquality.FetchTarget) string {
	return fmt.Sprintf("%s/geo:%s;%s/?token=%s",
		p.baseURL,
		strconv.FormatFloat(target.Lat, 'f', -1, 64),
		strconv.FormatFloat(target.Lon, 'f', -1, 64),
		url.QueryEscape(p.token),
	)
}

// Fetch issues one GET for target. Any transport, status or decoding failure
// is returned as *airquality.FetchError.
func (p *WAQIProvider) Fetch(ctx context.Context, target airquality.FetchTarget) (airquality.RawResponse, error) {
	u := p.URL(target)
	fail := func(status int, err error) (airquality.RawResponse, error) {
		return airquality.RawResponse{}, &airquality.FetchError{Target: target.Name, URL: u, Status: status, Err: err}
	}

	if p.token == "" {
		return fail(0, fmt.Errorf("waqi token is not configured"))
	}

	if err := p.throttle.wait(ctx); err != nil {
		return fail(0, err)
	}

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doRequest(ctx, p.client, p.circuit, req)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return fail(se.code, err)
		}
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	var feed airquality.FeedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return fail(resp.StatusCode, &airquality.ParseError{Field: "body", Value: snippet(body), Err: err})
	}

	return airquality.RawResponse{Target: target, URL: u, Feed: feed}, nil
}

func snippet(b []byte) string {
	const n = 64
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
