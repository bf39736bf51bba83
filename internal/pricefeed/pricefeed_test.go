package pricefeed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cambio/internal/pricefeed"
)

func TestFrankfurterFeedParsesRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EUR", r.URL.Query().Get("base"))
		assert.Equal(t, "USD", r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"base":"EUR","rates":{"USD":1.0853}}`))
	}))
	defer srv.Close()

	feed := pricefeed.NewFrankfurterFeed(srv.URL)
	rate, err := feed.Rate(context.Background(), "EUR/USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0853")))
}

func TestFrankfurterFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := pricefeed.NewFrankfurterFeed(srv.URL)
	_, err := feed.Rate(context.Background(), "EUR/USD")
	assert.Error(t, err)

	_, err = feed.Rate(context.Background(), "EURUSD")
	assert.Error(t, err)
}

func TestCachedSource(t *testing.T) {
	cache := pricefeed.NewCache()
	src := pricefeed.NewCachedSource(cache)

	_, err := src.Rate(context.Background(), "EUR/USD")
	var notReady *pricefeed.NotReadyError
	assert.ErrorAs(t, err, &notReady)

	cache.Set("EUR/USD", decimal.RequireFromString("1.09"))
	rate, err := src.Rate(context.Background(), "EUR/USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.09")))
}
