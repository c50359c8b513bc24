package fetcher

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tick-alerts/internal/market"
)

const klinesPath = "/api/v3/klines"

// HistoryProvider seeds the price history store on cold start. Invoked once
// per symbol at watch time; a failure never blocks ingestion.
type HistoryProvider interface {
	RecentTicks(ctx context.Context, symbol string, limit int) ([]market.Tick, error)
}

// KlinesOptions parameterise the REST klines fetcher.
type KlinesOptions struct {
	BaseURL   string
	Interval  string
	Timeout   time.Duration
	UserAgent string
}

// Klines fetches recent candles from a Binance-compatible REST API and
// flattens them into ticks (close price, candle volume).
type Klines struct {
	opts    KlinesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewKlines constructs a klines fetcher.
func NewKlines(opts KlinesOptions, logger zerolog.Logger) *Klines {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}

	return &Klines{
		opts:    opts,
		logger:  logger.With().Str("component", "history_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// RecentTicks returns up to limit ticks for symbol, oldest first.
func (k *Klines) RecentTicks(ctx context.Context, symbol string, limit int) ([]market.Tick, error) {
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if limit <= 0 {
		limit = 20
	}

	interval := k.opts.Interval
	if interval == "" {
		interval = "1m"
	}

	query := url.Values{}
	query.Set("symbol", strings.ToUpper(symbol))
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	endpoint := k.baseURL + klinesPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(k.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	// Each kline is a mixed-type array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	ticks := make([]market.Tick, 0, len(raw))
	for _, kline := range raw {
		if len(kline) < 7 {
			continue
		}

		closePrice, err := decimalField(kline[4])
		if err != nil {
			return nil, fmt.Errorf("parse close price: %w", err)
		}
		volume, err := decimalField(kline[5])
		if err != nil {
			return nil, fmt.Errorf("parse volume: %w", err)
		}
		var closeTime int64
		if err := json.Unmarshal(kline[6], &closeTime); err != nil {
			return nil, fmt.Errorf("parse close time: %w", err)
		}

		ticks = append(ticks, market.Tick{
			Symbol:    strings.ToUpper(symbol),
			Price:     closePrice.InexactFloat64(),
			Volume:    volume.InexactFloat64(),
			Timestamp: closeTime,
		})
	}

	k.logger.Debug().Str("symbol", symbol).Int("ticks", len(ticks)).Msg("seeded from klines")
	return ticks, nil
}

func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("klines api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("klines api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("klines api error (%d)", status)
}

var _ HistoryProvider = (*Klines)(nil)
