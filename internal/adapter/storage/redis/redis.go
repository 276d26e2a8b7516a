package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentswallets/cli/config"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by NewClient when redis.enabled is false.
var ErrDisabled = errors.New("redis is disabled")

// NewClient connects the optional redis backing the replay cache and the
// command throttle. Both degrade to PostgreSQL-only behavior on failure,
// but a configured redis that cannot be reached at startup is an error.
func NewClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*goredis.Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:       cfg.Addr(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: "agentswallets-gatekeeper",
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr(), err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Dur("replay_ttl", cfg.ReplayTTL).
		Msg("redis connected for replay cache and command throttle")

	return client, nil
}
