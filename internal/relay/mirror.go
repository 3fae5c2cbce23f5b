package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"meshcall/internal/domain"
)

// RosterMirror publishes roster membership to an external store for
// dashboards and other relay-adjacent tooling. The in-memory directory
// stays authoritative; mirror failures are logged and never surfaced.
type RosterMirror interface {
	Add(ctx context.Context, id domain.UserID)
	Remove(ctx context.Context, id domain.UserID)
	Reset(ctx context.Context) error
}

// NopMirror is used when no mirror is configured.
type NopMirror struct{}

func (NopMirror) Add(context.Context, domain.UserID)    {}
func (NopMirror) Remove(context.Context, domain.UserID) {}
func (NopMirror) Reset(context.Context) error           { return nil }

// RedisMirror keeps the live roster in a redis set.
type RedisMirror struct {
	rdb *redis.Client
	key string
}

func NewRedisMirror(rdb *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "meshcall"
	}
	return &RedisMirror{rdb: rdb, key: fmt.Sprintf("%s:roster", prefix)}
}

func (m *RedisMirror) Add(ctx context.Context, id domain.UserID) {
	if err := m.rdb.SAdd(ctx, m.key, id.String()).Err(); err != nil {
		log.Warn().Err(err).Str("module", "relay.mirror").Str("user", id.String()).Msg("mirror add")
	}
}

func (m *RedisMirror) Remove(ctx context.Context, id domain.UserID) {
	if err := m.rdb.SRem(ctx, m.key, id.String()).Err(); err != nil {
		log.Warn().Err(err).Str("module", "relay.mirror").Str("user", id.String()).Msg("mirror remove")
	}
}

// Reset clears the set; called once at relay startup since the
// in-memory roster starts empty.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key).Err()
}
