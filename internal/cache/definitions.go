// Package cache keeps workflow definitions in redis in front of the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// Source is the authoritative definition lookup, normally the store.
type Source interface {
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
}

// Definitions is a read-through cache. Version entries never change once
// written, so they live for VersionTTL; the latest-version pointer lives for
// LatestTTL and is dropped by Invalidate.
type Definitions struct {
	client     redis.UniversalClient
	src        Source
	prefix     string
	versionTTL time.Duration
	latestTTL  time.Duration
	logger     *slog.Logger
	group      singleflight.Group
}

// Option configures Definitions.
type Option func(*Definitions)

// WithPrefix sets the key prefix. Default "stepflow".
func WithPrefix(prefix string) Option {
	return func(d *Definitions) { d.prefix = prefix }
}

// WithVersionTTL sets the lifetime of a cached definition version. Default 24h.
func WithVersionTTL(ttl time.Duration) Option {
	return func(d *Definitions) { d.versionTTL = ttl }
}

// WithLatestTTL sets the lifetime of the latest-version pointer. Default 1m.
func WithLatestTTL(ttl time.Duration) Option {
	return func(d *Definitions) { d.latestTTL = ttl }
}

// WithLogger sets the logger used for degraded redis operations.
func WithLogger(l *slog.Logger) Option {
	return func(d *Definitions) { d.logger = l }
}

// NewDefinitions wraps src with a redis cache.
func NewDefinitions(client redis.UniversalClient, src Source, opts ...Option) *Definitions {
	d := &Definitions{
		client:     client,
		src:        src,
		prefix:     "stepflow",
		versionTTL: 24 * time.Hour,
		latestTTL:  time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.WithModule(d.logger, "cache")
	return d
}

func (d *Definitions) versionKey(id string, version int) string {
	return fmt.Sprintf("%s:workflow:%s:v%d", d.prefix, id, version)
}

func (d *Definitions) latestKey(id string) string {
	return fmt.Sprintf("%s:workflow:%s", d.prefix, id)
}

// GetDefinitionVersion returns id@version from redis, loading it from the
// source on a miss. Concurrent misses for the same key share one load.
func (d *Definitions) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	key := d.versionKey(id, version)
	if def, ok := d.load(ctx, key); ok {
		return def, nil
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		def, err := d.src.GetDefinitionVersion(ctx, id, version)
		if err != nil {
			return nil, err
		}
		d.store(ctx, key, def, d.versionTTL)
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*schema.WorkflowDefinition))
}

// GetDefinition returns the latest live version of id.
func (d *Definitions) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	latest := d.latestKey(id)
	n, err := d.client.Get(ctx, latest).Int()
	switch {
	case err == nil:
		return d.GetDefinitionVersion(ctx, id, n)
	case !errors.Is(err, redis.Nil):
		d.logger.WarnContext(ctx, "redis get failed", slog.String("key", latest), slog.String("error", err.Error()))
	}

	v, err, _ := d.group.Do(latest, func() (any, error) {
		def, err := d.src.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		pipe := d.client.Pipeline()
		pipe.Set(ctx, latest, strconv.Itoa(def.Version), d.latestTTL)
		if raw, err := json.Marshal(def); err == nil {
			pipe.Set(ctx, d.versionKey(id, def.Version), raw, d.versionTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			d.logger.WarnContext(ctx, "redis pipeline failed", slog.String("key", latest), slog.String("error", err.Error()))
		}
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*schema.WorkflowDefinition))
}

// Invalidate drops the latest-version pointer of id. Call it after a save or delete.
func (d *Definitions) Invalidate(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.latestKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (d *Definitions) load(ctx context.Context, key string) (*schema.WorkflowDefinition, bool) {
	raw, err := d.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.WarnContext(ctx, "redis get failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, false
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		d.logger.WarnContext(ctx, "dropping undecodable cache entry", slog.String("key", key))
		_ = d.client.Del(ctx, key).Err()
		return nil, false
	}
	return &def, true
}

func (d *Definitions) store(ctx context.Context, key string, def *schema.WorkflowDefinition, ttl time.Duration) {
	raw, err := json.Marshal(def)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		d.logger.WarnContext(ctx, "redis set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// clone gives every caller of a shared singleflight result its own copy.
func clone(def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var out schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
