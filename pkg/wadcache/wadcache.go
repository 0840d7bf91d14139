// Package wadcache is the best-effort byte cache for decompressed
// artifacts, backed by a shared Redis-compatible store. It is advisory:
// every failure is logged and ignored, and it must never block progress.
package wadcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dorch:wad:"

// DefaultTTL bounds how long cached bytes live.
const DefaultTTL = 90 * time.Minute

// MaxEntryBytes is the per-entry size cap; larger blobs are never cached.
const MaxEntryBytes = 300 * 1024 * 1024

// kv is the slice of the Redis client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
}

// Options configure the sidecar connection. An empty Host disables the
// cache entirely.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// Cache wraps the sidecar client. The zero-value-like disabled cache is
// valid: Get always misses and Put is a no-op.
type Cache struct {
	client kv
	ttl    time.Duration
	log    *slog.Logger
}

// New builds a cache from options. Callers get a usable Cache even when
// the sidecar is not configured.
func New(opt Options, log *slog.Logger) *Cache {
	c := &Cache{ttl: DefaultTTL, log: log}
	if opt.Host == "" {
		return c
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:      fmt.Sprintf("%s:%d", opt.Host, opt.Port),
		Username:  opt.Username,
		Password:  opt.Password,
		TLSConfig: tlsConfig(opt.TLS),
	})
	c.client = rdb
	return c
}

func tlsConfig(enabled bool) *tls.Config {
	if !enabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Enabled reports whether a sidecar is configured.
func (c *Cache) Enabled() bool { return c.client != nil }

func cacheKey(sha1 string) string { return keyPrefix + sha1 }

// Get returns the cached decompressed bytes for a hash, or nil on miss.
// Failures count as misses.
func (c *Cache) Get(ctx context.Context, sha1 string) []byte {
	if c.client == nil {
		return nil
	}
	data, err := c.client.Get(ctx, cacheKey(sha1)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed", "sha1", sha1, "err", err)
		}
		return nil
	}
	return data
}

// Put stores decompressed bytes under the hash key with the TTL. Blobs
// over the size cap are skipped. Failures are logged and ignored.
func (c *Cache) Put(ctx context.Context, sha1 string, data []byte) {
	if c.client == nil {
		return
	}
	if len(data) > MaxEntryBytes {
		c.log.Info("cache skip, entry too large", "sha1", sha1, "bytes", len(data))
		return
	}
	if err := c.client.Set(ctx, cacheKey(sha1), data, c.ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "sha1", sha1, "err", err)
	}
}
