// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

// Package oracle supplies token prices and gas costs to the financial gates.
// Prices are cached and deduplicated; a wrong price is worse than a late
// one, so non-positive quotes are rejected outright.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownSymbol is returned for symbols without a feed mapping.
	ErrUnknownSymbol = errors.New("no price feed mapping for symbol")

	// ErrInvalidPrice is returned when the upstream quotes zero or negative.
	ErrInvalidPrice = errors.New("price feed returned non-positive price")
)

var (
	priceHitMeter   = metrics.NewRegisteredMeter("oracle/price/cachehits", nil)
	priceMissMeter  = metrics.NewRegisteredMeter("oracle/price/cachemisses", nil)
	priceFetchTimer = metrics.NewRegisteredTimer("oracle/price/fetch", nil)
)

// Source provides USD prices for token symbols.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticSource serves prices from a fixed table. Dry runs and tests use it;
// stablecoin-only deployments can run on it entirely.
type StaticSource map[string]decimal.Decimal

func (s StaticSource) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s = %s", ErrInvalidPrice, symbol, price)
	}
	return price, nil
}

// HTTPConfig configures the HTTP price source.
type HTTPConfig struct {
	BaseURL        string            // simple-price endpoint base
	SymbolIDs      map[string]string // symbol → feed id; nil selects defaults
	CacheTTL       time.Duration
	CacheSize      int
	RequestTimeout time.Duration
	RateLimit      rate.Limit // upstream requests per second
}

// DefaultHTTPConfig targets the CoinGecko public API within its free-tier
// rate budget.
var DefaultHTTPConfig = HTTPConfig{
	BaseURL:        "https://api.coingecko.com/api/v3/simple/price",
	CacheTTL:       5 * time.Minute,
	CacheSize:      256,
	RequestTimeout: 10 * time.Second,
	RateLimit:      rate.Limit(0.5), // one request per two seconds
}

var defaultSymbolIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
	"WBTC": "wrapped-bitcoin",
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// HTTPSource fetches spot prices over HTTP with an expiring LRU cache,
// request deduplication and upstream rate limiting.
type HTTPSource struct {
	cfg     HTTPConfig
	ids     map[string]string
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group

	mu    sync.Mutex
	cache *lru.Cache

	now func() time.Time // test hook
}

// NewHTTPSource builds the source; zero config fields fall back to defaults.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHTTPConfig.BaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultHTTPConfig.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultHTTPConfig.CacheSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultHTTPConfig.RequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultHTTPConfig.RateLimit
	}
	ids := cfg.SymbolIDs
	if ids == nil {
		ids = defaultSymbolIDs
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &HTTPSource{
		cfg:     cfg,
		ids:     ids,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(cfg.RateLimit, 1),
		cache:   cache,
		now:     time.Now,
	}, nil
}

// Price returns the USD price of symbol, from cache when fresh. Concurrent
// callers for the same symbol share one upstream request.
func (s *HTTPSource) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id, ok := s.ids[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if price, ok := s.cached(symbol); ok {
		priceHitMeter.Mark(1)
		return price, nil
	}
	priceMissMeter.Mark(1)

	v, err, _ := s.group.Do(symbol, func() (interface{}, error) {
		// Re-check: another flight may have filled the cache while this
		// call was queued behind the singleflight.
		if price, ok := s.cached(symbol); ok {
			return price, nil
		}
		price, err := s.fetch(ctx, symbol, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache.Add(symbol, cachedPrice{price: price, fetchedAt: s.now()})
		s.mu.Unlock()
		return price, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}

func (s *HTTPSource) cached(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(symbol)
	if !ok {
		return decimal.Decimal{}, false
	}
	entry := v.(cachedPrice)
	if s.now().Sub(entry.fetchedAt) > s.cfg.CacheTTL {
		s.cache.Remove(symbol)
		return decimal.Decimal{}, false
	}
	return entry.price, true
}

func (s *HTTPSource) fetch(ctx context.Context, symbol, id string) (decimal.Decimal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}
	start := time.Now()
	defer priceFetchTimer.UpdateSince(start)

	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", s.cfg.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("price fetch %s: unexpected status %d", symbol, resp.StatusCode)
	}

	// Decode via json.Number so the quote never transits a float64.
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("price decode %s: %w", symbol, err)
	}
	quote, ok := payload[id]["usd"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("price fetch %s: missing usd quote", symbol)
	}
	price, err := decimal.NewFromString(quote.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price parse %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s = %s", ErrInvalidPrice, symbol, price)
	}
	log.Debug("Fetched spot price", "symbol", symbol, "usd", price)
	return price, nil
}
