// Package feed streams substrate events to external collaborators over
// websockets.
//
// A [Hub] fans every published event out to its subscribers. Publishing
// never blocks: each subscriber has a bounded queue and a slow reader loses
// events instead of stalling the substrate. Clients may filter by kind with
// the "kinds" query parameter, e.g. /v1/feed?kinds=sleep,bifurcation.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/strata/internal/observe"
)

// KindHello is the first event every websocket subscriber receives. Its data
// carries the subscriber ID.
const KindHello = "hello"

const (
	defaultBuffer = 64
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
)

// Event is the wire form of one published event.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics records the subscriber gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket clients whose Origin
// host matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

type subscriber struct {
	id      string
	ch      chan []byte
	kinds   map[string]struct{}
	dropped atomic.Int64
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 || kind == KindHello {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Hub is an event fan-out. It is safe for concurrent use.
type Hub struct {
	buffer  int
	metrics *observe.Metrics
	origins []string
	now     func() time.Time
	seq     atomic.Uint64

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

// New returns an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		buffer: defaultBuffer,
		now:    time.Now,
		subs:   make(map[string]*subscriber),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

func (h *Hub) encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(Event{
		Seq:  h.seq.Add(1),
		Kind: kind,
		Time: h.now().UTC(),
		Data: payload,
	})
}

// Publish sends an event to every interested subscriber. Subscribers whose
// queue is full miss it.
func (h *Hub) Publish(kind string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.subs) == 0 {
		return
	}
	data, err := h.encode(kind, payload)
	if err != nil {
		slog.Warn("feed: encode event", "kind", kind, "err", err)
		return
	}
	for _, s := range h.subs {
		if !s.wants(kind) {
			continue
		}
		select {
		case s.ch <- data:
		default:
			if s.dropped.Add(1) == 1 {
				slog.Debug("feed: subscriber lagging, dropping events", "subscriber", s.id)
			}
		}
	}
}

// ErrClosed is returned by [Hub.Subscribe] after [Hub.Close].
var ErrClosed = errors.New("feed: hub closed")

// Subscribe registers a subscriber for the given kinds (all kinds when
// none are given). The returned channel is closed by cancel or by
// [Hub.Close]; cancel may be called more than once.
func (h *Hub) Subscribe(kinds ...string) (id string, events <-chan []byte, cancel func(), err error) {
	s := &subscriber{
		id: uuid.NewString(),
		ch: make(chan []byte, h.buffer),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", nil, nil, ErrClosed
	}
	h.subs[s.id] = s
	h.mu.Unlock()
	h.metrics.FeedSubscribers.Add(context.Background(), 1)

	var once sync.Once
	cancel = func() {
		once.Do(func() { h.remove(s.id) })
	}
	return s.id, s.ch, cancel, nil
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.ch)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.FeedSubscribers.Add(context.Background(), -1)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away or the hub closes. Messages from the client are
// ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var kinds []string
	if q := r.URL.Query().Get("kinds"); q != "" {
		for _, k := range strings.Split(q, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
	}

	id, events, cancel, err := h.Subscribe(kinds...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		observe.Logger(r.Context()).Debug("feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context()).With(slog.String("subscriber", id))
	log.Debug("feed: subscriber connected", "kinds", kinds)

	ctx := conn.CloseRead(r.Context())
	hello, err := h.encode(KindHello, map[string]string{"subscriber": id})
	if err == nil {
		err = write(ctx, conn, hello)
	}
	if err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("feed: subscriber disconnected")
			return
		case data, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := write(ctx, conn, data); err != nil {
				log.Debug("feed: write failed", "err", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
