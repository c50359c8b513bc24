package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRecentTicksMissingSymbol(t *testing.T) {
	k := NewKlines(KlinesOptions{}, noopLogger())
	if _, err := k.RecentTicks(context.Background(), "", 10); err == nil {
		t.Fatal("empty symbol should return an error")
	}
}

func TestRecentTicksHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": -1121, "msg": "Invalid symbol."})
	}))
	defer srv.Close()

	k := NewKlines(KlinesOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := k.RecentTicks(context.Background(), "NOPEUSDT", 10); err == nil {
		t.Fatal("HTTP 400 should return an error")
	}
}

func TestRecentTicksSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Fatalf("symbol query = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Fatalf("limit query = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([][]any{
			{1700000000000, "100.0", "101.0", "99.0", "100.5", "12.5", 1700000059999},
			{1700000060000, "100.5", "102.0", "100.0", "101.5", "8.0", 1700000119999},
		})
	}))
	defer srv.Close()

	k := NewKlines(KlinesOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	ticks, err := k.RecentTicks(context.Background(), "btcusdt", 2)
	if err != nil {
		t.Fatalf("RecentTicks: %v", err)
	}

	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if ticks[0].Price != 100.5 || ticks[0].Volume != 12.5 || ticks[0].Timestamp != 1700000059999 {
		t.Fatalf("first tick = %+v", ticks[0])
	}
	if ticks[1].Price != 101.5 {
		t.Fatalf("second tick = %+v", ticks[1])
	}
	if ticks[0].Symbol != "BTCUSDT" {
		t.Fatalf("symbol should be upper-cased, got %q", ticks[0].Symbol)
	}
}
