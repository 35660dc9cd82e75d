package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, used for
// market metadata: end times, outcome token ids, and closed state.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetMarket returns a single market by id or condition id.
func (g *GammaClient) GetMarket(ctx context.Context, id string) (APIMarket, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(id))

	body, err := g.doGet(ctx, path)
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", id, err)
	}

	var m APIMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	return m, nil
}

// GetMarketBySlug returns a single market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// --------------------------------------------------------------------------
// Metadata cache
// --------------------------------------------------------------------------

type cachedMarket struct {
	market    APIMarket
	fetchedAt time.Time
}

// MarketCache is a TTL read-through cache over GammaClient, serving the hot
// path (normalizer and transport) without a Gamma round trip per trade.
type MarketCache struct {
	gamma *GammaClient
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cachedMarket
	now     func() time.Time
}

// NewMarketCache creates a cache over the given Gamma client.
func NewMarketCache(gamma *GammaClient, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{
		gamma:   gamma,
		ttl:     ttl,
		entries: make(map[string]cachedMarket),
		now:     time.Now,
	}
}

// Market returns the metadata for a market id, fetching on miss or expiry.
func (c *MarketCache) Market(ctx context.Context, id string) (APIMarket, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.market, nil
	}
	c.mu.Unlock()

	m, err := c.gamma.GetMarket(ctx, id)
	if err != nil {
		return APIMarket{}, err
	}

	c.mu.Lock()
	c.entries[id] = cachedMarket{market: m, fetchedAt: c.now()}
	c.mu.Unlock()
	return m, nil
}

// Window resolves a market id to its trading window. A market with no end
// date yields a window with a zero EndAt, which downstream treats as
// non-expiring.
func (c *MarketCache) Window(ctx context.Context, id string) (domain.MarketWindow, error) {
	m, err := c.Market(ctx, id)
	if err != nil {
		return domain.MarketWindow{}, err
	}
	return domain.MarketWindow{
		ID:    m.Slug,
		Asset: m.ConditionID,
		EndAt: m.EndAt(),
	}, nil
}

// TokenFor resolves (market id, outcome) to the tradable token id.
func (c *MarketCache) TokenFor(ctx context.Context, id, outcome string) (string, error) {
	m, err := c.Market(ctx, id)
	if err != nil {
		return "", err
	}
	token := m.TokenFor(outcome)
	if token == "" {
		return "", fmt.Errorf("polymarket/gamma: %w: outcome %q in market %s", domain.ErrNotFound, outcome, id)
	}
	return token, nil
}
