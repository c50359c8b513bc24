package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	capDelay := 30 * time.Second
	delays := newBackoff(base, capDelay)

	var prev time.Duration
	for attempt := 0; attempt < 8; attempt++ {
		want := base * (1 << attempt)
		if want > capDelay {
			want = capDelay
		}
		got := delays.NextBackOff()
		if got != want {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, want)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, got, prev)
		}
		prev = got
	}
}

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testManager(opts Options) *Manager {
	return NewManager(opts, nil, zerolog.Nop())
}

func TestExhaustionAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Abnormal close: drop the socket without a close frame.
		ws.Close()
	}))
	defer srv.Close()

	mgr := testManager(Options{
		BaseDelay:   time.Millisecond,
		CapDelay:    2 * time.Millisecond,
		MaxAttempts: 3,
		ReadTimeout: 200 * time.Millisecond,
	})
	defer mgr.DisconnectAll()

	sub, err := mgr.Connect(context.Background(), "btcusdt", wsURL(srv))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sub.Close()

	select {
	case err := <-sub.Errs():
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("terminal error = %v, want ErrExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}

	if got := mgr.State("btcusdt"); got != StatusExhausted {
		t.Fatalf("state = %v, want exhausted", got)
	}

	// Three abnormal closes consumed the attempt budget; a fourth dial is
	// never scheduled.
	settled := dials.Load()
	time.Sleep(50 * time.Millisecond)
	if dials.Load() != settled {
		t.Fatalf("dials kept happening after exhaustion: %d -> %d", settled, dials.Load())
	}
	if settled != 3 {
		t.Fatalf("dials = %d, want 3 (maxAttempts)", settled)
	}
}

func TestConnectIsIdempotentPerKey(t *testing.T) {
	var dials atomic.Int32
	frames := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-frames
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","p":"100","q":"1","T":42}`))
		<-frames
	}))
	defer srv.Close()

	mgr := testManager(Options{ReadTimeout: 5 * time.Second})
	defer mgr.DisconnectAll()
	defer close(frames)

	subA, err := mgr.Connect(context.Background(), "btcusdt", wsURL(srv))
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	subB, err := mgr.Connect(context.Background(), "btcusdt", wsURL(srv))
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer subA.Close()
	defer subB.Close()

	frames <- struct{}{} // release one frame to both subscribers

	for i, sub := range []*Subscription{subA, subB} {
		select {
		case tick := <-sub.Ticks():
			if tick.Price != 100 {
				t.Fatalf("sub %d: price = %v", i, tick.Price)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("sub %d: no tick received", i)
		}
	}

	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want one shared socket", dials.Load())
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","p":"101","q":"2","T":43}`))
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	mgr := testManager(Options{ReadTimeout: 5 * time.Second})
	defer mgr.DisconnectAll()

	sub, err := mgr.Connect(context.Background(), "btcusdt", wsURL(srv))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sub.Close()

	select {
	case tick := <-sub.Ticks():
		if tick.Price != 101 {
			t.Fatalf("first delivered tick = %+v; malformed frame leaked through", tick)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid tick after malformed frame never arrived")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	mgr := testManager(Options{
		BaseDelay:   time.Minute, // long enough that only Disconnect can stop the wait
		CapDelay:    time.Minute,
		MaxAttempts: 5,
		ReadTimeout: 200 * time.Millisecond,
	})

	sub, err := mgr.Connect(context.Background(), "btcusdt", wsURL(srv))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sub.Close()

	// Wait for the first drop to schedule a reconnect, then tear down.
	time.Sleep(100 * time.Millisecond)
	mgr.Disconnect("btcusdt")

	if got := mgr.State("btcusdt"); got != StatusIdle {
		t.Fatalf("state after disconnect = %v, want idle", got)
	}

	time.Sleep(100 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("reconnect fired after disconnect: dials = %d", dials.Load())
	}
}

func TestDisconnectUnknownKeyIsSafe(t *testing.T) {
	mgr := testManager(Options{})
	mgr.Disconnect("nope")
	mgr.DisconnectAll()
	if got := mgr.State("nope"); got != StatusIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}
