package feed_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/strata/internal/feed"
	"github.com/MrWong99/strata/internal/observe"
)

func newHub(t *testing.T, opts ...feed.Option) *feed.Hub {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := feed.New(append([]feed.Option{feed.WithMetrics(m)}, opts...)...)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func decode(t *testing.T, data []byte) feed.Event {
	t.Helper()
	var ev feed.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func receive(t *testing.T, ch <-chan []byte) feed.Event {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return decode(t, data)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return feed.Event{}
}

func TestHub_PublishFiltersByKind(t *testing.T) {
	t.Parallel()
	h := newHub(t)

	_, all, cancelAll, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelAll()
	_, sleeps, cancelSleeps, err := h.Subscribe("sleep")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelSleeps()

	h.Publish("observe", map[string]float64{"surprise": 0.4})
	h.Publish("sleep", map[string]string{"id": "c1"})

	if ev := receive(t, all); ev.Kind != "observe" || ev.Seq != 1 {
		t.Fatalf("first event = %+v, want observe #1", ev)
	}
	if ev := receive(t, all); ev.Kind != "sleep" {
		t.Fatalf("second event = %+v, want sleep", ev)
	}
	if ev := receive(t, sleeps); ev.Kind != "sleep" {
		t.Fatalf("filtered event = %+v, want sleep", ev)
	}
	select {
	case data := <-sleeps:
		t.Fatalf("unexpected event %s", data)
	default:
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	h := newHub(t, feed.WithBuffer(2))
	_, ch, cancel, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 100 {
			h.Publish("observe", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 2 {
		t.Fatalf("queued = %d, want 2", len(ch))
	}
}

func TestHub_CancelAndClose(t *testing.T) {
	t.Parallel()
	h := newHub(t)

	_, ch, cancel, err := h.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	if h.Len() != 0 {
		t.Fatalf("Len = %d after cancel, want 0", h.Len())
	}

	_, ch2, cancel2, _ := h.Subscribe()
	defer cancel2()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Fatal("channel still open after Close")
	}
	if _, _, _, err := h.Subscribe(); err != feed.ErrClosed {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
	h.Publish("observe", nil)
}

func TestHub_ServeHTTP(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?kinds=bifurcation"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() feed.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return decode(t, data)
	}

	hello := read()
	if hello.Kind != feed.KindHello {
		t.Fatalf("first event = %q, want hello", hello.Kind)
	}
	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}

	h.Publish("observe", nil)
	h.Publish("bifurcation", map[string]float64{"surprise": 0.9})
	if ev := read(); ev.Kind != "bifurcation" {
		t.Fatalf("event = %q, want bifurcation", ev.Kind)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after client closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_ServeHTTPAfterClose(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	_ = h.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/feed", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
