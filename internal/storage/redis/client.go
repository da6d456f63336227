// Package redis implements the crawler state stores on Redis.
//
// Keys are namespaced by a configurable prefix:
//
//	{prefix}:frontier            ZSET of queued canonical keys
//	{prefix}:frontier:tasks      HASH canonical key -> task JSON
//	{prefix}:frontier:seq        insertion counter
//	{prefix}:seen                SET of every key ever accepted
//	{prefix}:visited             SET of visited keys
//	{prefix}:policy:{domain}     domain policy JSON with TTL
//	{prefix}:proxy:{id}          proxy health JSON
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// DefaultPrefix namespaces keys when Config.Prefix is empty.
const DefaultPrefix = "crawler"

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
