// Package pricefeed supplies external reference rates for the
// reference-tracked makers.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source answers the rate for one reference symbol, e.g. "EUR/USD".
type Source interface {
	Rate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// FrankfurterFeed implements Source using the public Frankfurter FX
// API. Symbols follow the portal convention "TRADED/PAYMENT": the rate
// for "EUR/USD" is how many USD one EUR buys.
type FrankfurterFeed struct {
	client  *http.Client
	baseURL string
}

func NewFrankfurterFeed(baseURL string) *FrankfurterFeed {
	if baseURL == "" {
		baseURL = "https://api.frankfurter.dev/v1"
	}
	return &FrankfurterFeed{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
	}
}

type frankfurterResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (f *FrankfurterFeed) Rate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	url := fmt.Sprintf("%s/latest?base=%s&symbols=%s", f.baseURL, base, quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("feed: unexpected status %d", resp.StatusCode)
	}

	var body frankfurterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}

	rate, ok := body.Rates[quote]
	if !ok {
		return decimal.Zero, fmt.Errorf("feed: no rate for %s", symbol)
	}
	return rate, nil
}

func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}
