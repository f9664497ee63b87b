package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
)

// Frame is the wire shape of one pushed observation. Providers that offer
// a push channel send normalized frames; the feed does no endpoint-specific
// parsing.
type Frame struct {
	Symbol     string    `json:"symbol"`
	Component  string    `json:"component"`
	Value      float64   `json:"value"`
	Magnitude  float64   `json:"magnitude"`
	ObservedAt time.Time `json:"observed_at"`
}

// Feed consumes a websocket stream of normalized observation frames and
// writes them through to the signal cache. Push data rides outside the
// poll quota, so every frame accepted here is a poll the quota layer never
// has to spend.
type Feed struct {
	url       string
	cache     *cache.SignalCache
	dialer    *websocket.Dialer
	reconnect time.Duration
}

// NewFeed creates a feed for the given websocket URL.
func NewFeed(url string, c *cache.SignalCache) *Feed {
	return &Feed{
		url:       url,
		cache:     c,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: 5 * time.Second,
	}
}

// Run consumes frames until ctx is cancelled, reconnecting with a fixed
// delay on any drop. A broken feed degrades to poll-only operation; it
// never takes the bot down.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.consume(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("url", f.url).
				Dur("reconnect_in", f.reconnect).Msg("intel feed dropped")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnect):
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("url", f.url).Msg("intel feed connected")

	// Unblock ReadMessage on cancellation. The done channel releases the
	// watcher when this connection ends, so reconnects never pile up
	// goroutines waiting on a long-lived ctx.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Warn().Err(err).Msg("discarding malformed feed frame")
			continue
		}
		if frame.Symbol == "" || frame.Component == "" {
			log.Warn().Str("symbol", frame.Symbol).Msg("discarding incomplete feed frame")
			continue
		}

		f.cache.Put(frame.Symbol, signal.Observation{
			Component:  signal.Component(frame.Component),
			Value:      frame.Value,
			Magnitude:  frame.Magnitude,
			ObservedAt: frame.ObservedAt,
		})
	}
}
