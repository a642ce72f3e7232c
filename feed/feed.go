// Package feed implements the external capitalization feed the resolution
// driver consults when deciding whether a market's target has been reached.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tolelom/parisettle/driverconfig"
)

// fetchTimeout is the per-request deadline every Provider implementation
// enforces before giving up on a single attempt.
const fetchTimeout = 10 * time.Second

// Observation is a capitalization reading stamped with the local wall clock
// at receipt, never a timestamp supplied by the upstream provider.
type Observation struct {
	Capitalization uint64
	ObservedAt     int64
}

// Provider fetches a capitalization observation for a tracked asset. A nil
// Observation with a nil error means "no data" — the caller tries the next
// provider or retry, it is not treated as a failure.
type Provider interface {
	Fetch(ctx context.Context, trackedAsset string) (*Observation, error)
}

// HTTPProvider is the primary provider: a generic JSON-over-HTTP
// capitalization endpoint returning {"capitalization": "<integer>"}.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewHTTPProvider creates an HTTPProvider pointed at baseURL, rate-limited
// to rps requests per second.
func NewHTTPProvider(baseURL string, rps float64) *HTTPProvider {
	return &HTTPProvider{
		client:  &http.Client{Timeout: fetchTimeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, trackedAsset string) (*Observation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("http provider: rate limit: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/capitalization?asset=%s", p.baseURL, trackedAsset)
	body, err := doGet(reqCtx, p.client, url)
	if err != nil {
		return nil, nil // upstream error: a "None", not a propagated failure
	}

	var resp struct {
		Capitalization string `json:"capitalization"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Capitalization == "" {
		return nil, nil
	}
	var capValue uint64
	if _, err := fmt.Sscanf(resp.Capitalization, "%d", &capValue); err != nil || capValue == 0 {
		return nil, nil
	}
	return &Observation{Capitalization: capValue, ObservedAt: time.Now().Unix()}, nil
}

// BirdeyeProvider is the fallback provider, gated on an API key (callers
// must not construct one without a key — see NewAdapter).
type BirdeyeProvider struct {
	client  *http.Client
	apiKey  string
	limiter *rate.Limiter
}

// NewBirdeyeProvider creates a BirdeyeProvider authenticated with apiKey.
func NewBirdeyeProvider(apiKey string, rps float64) *BirdeyeProvider {
	return &BirdeyeProvider{
		client:  &http.Client{Timeout: fetchTimeout},
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (p *BirdeyeProvider) Fetch(ctx context.Context, trackedAsset string) (*Observation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("birdeye provider: rate limit: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		fmt.Sprintf("https://public-api.birdeye.so/defi/token_overview?address=%s", trackedAsset), nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("X-API-KEY", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}

	var parsed struct {
		Data struct {
			MarketCap float64 `json:"mc"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.MarketCap <= 0 {
		return nil, nil
	}
	return &Observation{
		Capitalization: uint64(parsed.Data.MarketCap * 1_000_000), // 10^-6 USD units
		ObservedAt:     time.Now().Unix(),
	}, nil
}

// Adapter composes a primary and an optional fallback provider with the
// retry/delay policy the resolution driver needs.
type Adapter struct {
	primary    Provider
	fallback   Provider // nil when no Birdeye key is configured
	maxRetries int
	retryDelay time.Duration
}

// NewAdapter builds an Adapter from the driver's environment configuration.
func NewAdapter(cfg *driverconfig.Config) *Adapter {
	a := &Adapter{
		primary:    NewHTTPProvider("https://api.coingecko.com/api/v3", 5),
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Duration(cfg.RetryDelayMS) * time.Millisecond,
	}
	if cfg.BirdeyeAPIKey != "" {
		a.fallback = NewBirdeyeProvider(cfg.BirdeyeAPIKey, 1)
	}
	return a
}

// Fetch tries the primary provider, then the fallback (if configured), up to
// maxRetries attempts total, sleeping retryDelay between attempts. It
// returns a nil Observation if every attempt comes back empty.
func (a *Adapter) Fetch(ctx context.Context, trackedAsset string) (*Observation, error) {
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if obs, err := a.primary.Fetch(ctx, trackedAsset); err != nil {
			return nil, err
		} else if obs != nil {
			return obs, nil
		}
		if a.fallback != nil {
			if obs, err := a.fallback.Fetch(ctx, trackedAsset); err != nil {
				return nil, err
			} else if obs != nil {
				return obs, nil
			}
		}
		if attempt < a.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}
	}
	return nil, nil
}

func doGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
