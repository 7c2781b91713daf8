package markets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/web3guy0/polyengine/feeds"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DISCOVERY + ORDER BOOK CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Read-only REST access to the Gamma discovery API and the CLOB /book
// endpoint. Responses are cached for a short TTL; a token bucket sized to a
// fraction of the per-minute ceiling lets bursts through and injects delay
// once usage approaches the ceiling.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultClobURL  = "https://clob.polymarket.com"

	defaultRequestsPerMinute = 100
	defaultCacheTTL          = 5 * time.Second
	softLimitFraction        = 0.8

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Config configures the client. Zero values fall back to defaults.
type Config struct {
	GammaURL          string
	ClobURL           string
	RequestsPerMinute int
	CacheTTL          time.Duration
	Cache             Cache
	HTTPClient        *http.Client
}

// Client queries markets and order books
type Client struct {
	http      *http.Client
	gammaBase string
	clobBase  string
	limiter   *rate.Limiter
	cache     Cache
	cacheTTL  time.Duration

	requests  atomic.Int64
	cacheHits atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewClient creates a client
func NewClient(cfg Config) *Client {
	if cfg.GammaURL == "" {
		cfg.GammaURL = DefaultGammaURL
	}
	if cfg.ClobURL == "" {
		cfg.ClobURL = DefaultClobURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	burst := int(float64(cfg.RequestsPerMinute) * softLimitFraction)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		http:      cfg.HTTPClient,
		gammaBase: cfg.GammaURL,
		clobBase:  cfg.ClobURL,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), burst),
		cache:     cfg.Cache,
		cacheTTL:  cfg.CacheTTL,
		now:       time.Now,
		sleep:     sleepBackoff,
	}
}

// Requests returns the number of HTTP requests issued
func (c *Client) Requests() int64 { return c.requests.Load() }

// CacheHits returns the number of responses served from cache
func (c *Client) CacheHits() int64 { return c.cacheHits.Load() }

// ═══════════════════════════════════════════════════════════════════════════════
// DISCOVERY
// ═══════════════════════════════════════════════════════════════════════════════

// GetActiveMarkets returns open markets ordered by volume
func (c *Client) GetActiveMarkets(ctx context.Context, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "volumeNum")
	q.Set("ascending", "false")

	markets, err := c.fetchMarkets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("markets.GetActiveMarkets: %w", err)
	}
	return markets, nil
}

// GetMarketsByEndDate returns open markets resolving within the next hours
func (c *Client) GetMarketsByEndDate(ctx context.Context, hours int) ([]Market, error) {
	now := c.now().UTC()
	until := now.Add(time.Duration(hours) * time.Hour)

	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", "100")
	q.Set("end_date_min", now.Truncate(time.Minute).Format(time.RFC3339))
	q.Set("end_date_max", until.Truncate(time.Minute).Format(time.RFC3339))
	q.Set("order", "endDate")
	q.Set("ascending", "true")

	all, err := c.fetchMarkets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("markets.GetMarketsByEndDate: %w", err)
	}

	out := all[:0]
	for _, m := range all {
		if m.EndDate.After(now) && !m.EndDate.After(until) {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetNewMarkets returns markets created within maxAgeHours
func (c *Client) GetNewMarkets(ctx context.Context, maxAgeHours int) ([]Market, error) {
	cutoff := c.now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)

	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", "100")
	q.Set("order", "createdAt")
	q.Set("ascending", "false")

	all, err := c.fetchMarkets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("markets.GetNewMarkets: %w", err)
	}

	out := all[:0]
	for _, m := range all {
		if !m.CreatedAt.IsZero() && !m.CreatedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) fetchMarkets(ctx context.Context, q url.Values) ([]Market, error) {
	var resp []gammaMarket
	if err := c.get(ctx, c.gammaBase+"/markets?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]Market, 0, len(resp))
	for _, gm := range resp {
		out = append(out, gm.toMarket())
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK
// ═══════════════════════════════════════════════════════════════════════════════

// GetOrderBook fetches the current book for a token id
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*feeds.Orderbook, error) {
	var resp bookResponse
	if err := c.get(ctx, c.clobBase+"/book?token_id="+url.QueryEscape(tokenID), &resp); err != nil {
		return nil, fmt.Errorf("markets.GetOrderBook: %w", err)
	}

	ts := c.now()
	if ms, err := strconv.ParseInt(resp.Timestamp, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}

	asset := resp.AssetID
	if asset == "" {
		asset = tokenID
	}
	ob := feeds.NewOrderbook(resp.Market, asset)
	ob.UpdateFromLevels(resp.Bids, resp.Asks, ts)
	return ob, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════

// get serves from cache when fresh, otherwise fetches and caches the body
func (c *Client) get(ctx context.Context, u string, out any) error {
	if b, ok, err := c.cache.GetBytes(ctx, u); err == nil && ok {
		c.cacheHits.Add(1)
		return json.Unmarshal(b, out)
	} else if err != nil {
		log.Debug().Err(err).Msg("Market cache read failed")
	}

	body, err := c.doWithRetry(ctx, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := c.cache.SetBytes(ctx, u, body, c.cacheTTL); err != nil {
		log.Debug().Err(err).Msg("Market cache write failed")
	}
	return nil
}

// doWithRetry retries transport errors, 429 and 5xx with exponential backoff
func (c *Client) doWithRetry(ctx context.Context, u string) ([]byte, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		c.requests.Add(1)
		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return nil, fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, retryWait(attempt))
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt == maxRetries {
				return nil, fmt.Errorf("server status %d after %d retries", resp.StatusCode, maxRetries)
			}
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("⚠️ Market API retry")
			c.sleep(ctx, retryWait(attempt))
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		if readErr != nil {
			return nil, fmt.Errorf("read body: %w", readErr)
		}
		return body, nil
	}
	return nil, fmt.Errorf("exhausted %d retries", maxRetries)
}

func retryWait(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
}

func sleepBackoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
