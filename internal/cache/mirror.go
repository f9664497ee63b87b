package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
)

// RedisMirror write-throughs the latest snapshot per symbol into redis so
// external dashboards can read live intel without touching the bot. It is
// strictly one-way: the bot never reads the mirror back, so a wiped or
// lagging redis cannot poison decisions.
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisMirror connects a mirror to the given redis address.
func NewRedisMirror(addr, password string, db int, prefix string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix:  prefix,
		ttl:     ttl,
		timeout: 2 * time.Second,
	}
}

// Publish stores the snapshot under <prefix>:<symbol>. Failures are logged
// and dropped; the mirror is best-effort.
func (m *RedisMirror) Publish(snap signal.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("mirror marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	key := m.prefix + ":" + snap.Symbol
	if err := m.client.Set(ctx, key, payload, m.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("mirror write failed")
	}
}

// Close releases the redis connection.
func (m *RedisMirror) Close() error { return m.client.Close() }
