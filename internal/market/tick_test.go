package market

import "testing"

func TestParseTrade(t *testing.T) {
	payload := []byte(`{"e":"trade","s":"BTCUSDT","p":"50123.40","q":"0.25","T":1700000000000,"m":false}`)

	tick, err := ParseTrade(payload)
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q", tick.Symbol)
	}
	if tick.Price != 50123.40 {
		t.Fatalf("price = %v", tick.Price)
	}
	if tick.Volume != 0.25 {
		t.Fatalf("volume = %v", tick.Volume)
	}
	if tick.Timestamp != 1700000000000 {
		t.Fatalf("timestamp = %d", tick.Timestamp)
	}
	if tick.Notional() != 50123.40*0.25 {
		t.Fatalf("notional = %v", tick.Notional())
	}
}

func TestParseTradeMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{"s":`},
		{"missing symbol", `{"p":"1.0","q":"2.0","T":1}`},
		{"missing price", `{"s":"BTCUSDT","q":"2.0","T":1}`},
		{"bad price", `{"s":"BTCUSDT","p":"abc","T":1}`},
		{"bad quantity", `{"s":"BTCUSDT","p":"1.0","q":"x","T":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseTrade([]byte(tc.payload)); err == nil {
				t.Fatalf("expected error for payload %s", tc.payload)
			}
		})
	}
}

func TestParseTradeDefaultsTimestamp(t *testing.T) {
	tick, err := ParseTrade([]byte(`{"s":"ETHUSDT","p":"3000","q":"1"}`))
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if tick.Timestamp == 0 {
		t.Fatal("timestamp should default to now")
	}
}
