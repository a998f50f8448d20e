package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/stratumcache/stratum/breaker"
)

// Serialization envelope markers. Every stored value is prefixed with one
// byte so deserialization can unwrap transparently.
const (
	markerRaw  byte = 0x00
	markerGzip byte = 0x01
)

// RemoteConfig configures a Remote layer.
type RemoteConfig struct {
	// Addr, Password, DB configure the Redis connection when no client is
	// injected via NewRemoteWithClient.
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key sent to Redis. Tag sets live under
	// "{KeyPrefix}tag:{tag}" and the per-key reverse index under
	// "{KeyPrefix}keytags:{key}".
	KeyPrefix string

	// DefaultTTL applies to entries whose Options carry no TTL.
	DefaultTTL time.Duration

	// CompressionThreshold is the value size in bytes above which values are
	// gzip-compressed before transmission. Zero disables compression.
	CompressionThreshold int

	// Breaker configures the circuit breaker guarding all Redis calls.
	Breaker breaker.Config

	// Logger receives fail-soft warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// Remote is a Redis-backed cache layer. Every call goes through a single
// shared circuit breaker. Reads, deletes, and invalidations fail soft: when
// Redis is unavailable they return a miss / false / zero instead of
// surfacing the error. Writes propagate their error so callers can observe
// a failed write.
type Remote struct {
	rdb redis.UniversalClient
	brk *breaker.Breaker
	cfg RemoteConfig
	log *slog.Logger

	// warnLimit throttles best-effort cleanup warnings so a flapping Redis
	// does not flood the log.
	warnLimit *rate.Limiter

	metrics Metrics
}

// NewRemote creates a Remote layer with its own Redis client.
func NewRemote(cfg RemoteConfig) *Remote {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRemoteWithClient(rdb, cfg)
}

// NewRemoteWithClient creates a Remote layer on an existing client. The
// client's own connection and command timeouts must be finite; a call hung
// past them is recorded as a breaker failure like any other error.
func NewRemoteWithClient(rdb redis.UniversalClient, cfg RemoteConfig) *Remote {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Remote{
		rdb:       rdb,
		brk:       breaker.New(cfg.Breaker),
		cfg:       cfg,
		log:       cfg.Logger,
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Name implements Layer.
func (r *Remote) Name() string { return "l2" }

// Breaker exposes the guarding breaker for health and stats reporting.
func (r *Remote) Breaker() *breaker.Breaker { return r.brk }

func (r *Remote) key(k string) string     { return r.cfg.KeyPrefix + k }
func (r *Remote) tagKey(t string) string  { return r.cfg.KeyPrefix + "tag:" + t }
func (r *Remote) keyTags(k string) string { return r.cfg.KeyPrefix + "keytags:" + k }

// Get retrieves a value by key. Returns (nil, false, nil) on a miss, when
// the breaker is open, or when Redis is unreachable.
func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		raw, err := r.rdb.Get(ctx, r.key(key)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		val, err = decode(raw)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		r.metrics.Error()
		r.warn("redis get failed", key, err)
		return nil, false, nil
	}
	if !found {
		r.metrics.Miss()
		return nil, false, nil
	}
	r.metrics.Hit()
	return val, true, nil
}

// Set stores a value under key and registers it in each tag's remote set.
// An overwrite first unregisters the key from the tag sets its previous
// write joined, via the reverse index, so invalidating a tag the key no
// longer carries cannot delete it. The tag set and reverse index TTLs are
// refreshed to match the entry's TTL so that tag metadata never outlives
// its last member. Unlike the read path, Set surfaces its error.
func (r *Remote) Set(ctx context.Context, key string, val []byte, opts Options) error {
	ttl := opts.effectiveTTL(r.cfg.DefaultTTL)
	payload := encode(val, r.cfg.CompressionThreshold)

	err := r.brk.Do(ctx, func(ctx context.Context) error {
		old, err := r.rdb.SMembers(ctx, r.keyTags(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		p := r.rdb.Pipeline()
		p.Set(ctx, r.key(key), payload, ttl)
		// Stale memberships first; tags kept across the overwrite are
		// re-added below in the same pipeline.
		for _, tag := range old {
			p.SRem(ctx, r.tagKey(tag), key)
		}
		p.Del(ctx, r.keyTags(key))
		if len(opts.Tags) > 0 {
			for _, tag := range opts.Tags {
				p.SAdd(ctx, r.tagKey(tag), key)
				if ttl > 0 {
					p.Expire(ctx, r.tagKey(tag), ttl)
				} else {
					p.Persist(ctx, r.tagKey(tag))
				}
			}
			members := make([]any, len(opts.Tags))
			for i, tag := range opts.Tags {
				members[i] = tag
			}
			p.SAdd(ctx, r.keyTags(key), members...)
			if ttl > 0 {
				p.Expire(ctx, r.keyTags(key), ttl)
			}
		}
		_, err = p.Exec(ctx)
		return err
	})
	if err != nil {
		r.metrics.Error()
		return errors.Wrapf(err, "redis set %q", key)
	}
	r.metrics.Set()
	return nil
}

// Delete removes a key. Tag-set membership cleanup uses the per-key reverse
// index and is best-effort: a failure leaves a stray membership that
// self-heals on the next InvalidateByTag.
func (r *Remote) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		tags, err := r.rdb.SMembers(ctx, r.keyTags(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.warn("redis tag cleanup skipped", key, err)
		}
		p := r.rdb.Pipeline()
		for _, tag := range tags {
			p.SRem(ctx, r.tagKey(tag), key)
		}
		p.Del(ctx, r.keyTags(key))
		del := p.Del(ctx, r.key(key))
		if _, err := p.Exec(ctx); err != nil {
			return err
		}
		deleted = del.Val() > 0
		return nil
	})
	if err != nil {
		r.metrics.Error()
		r.warn("redis delete failed", key, err)
		return false, nil
	}
	if deleted {
		r.metrics.Delete()
	}
	return deleted, nil
}

// Clear removes every key under the configured prefix via SCAN. Intended
// for tests and administrative use, not the hot path.
func (r *Remote) Clear(ctx context.Context) error {
	return r.brk.Do(ctx, func(ctx context.Context) error {
		iter := r.rdb.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 512).Iterator()
		batch := make([]string, 0, 512)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return r.rdb.Del(ctx, batch...).Err()
		}
		return nil
	})
}

// Has reports whether key exists. Fails soft to false.
func (r *Remote) Has(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.rdb.Exists(ctx, r.key(key)).Result()
		return err
	})
	if err != nil {
		r.metrics.Error()
		return false, nil
	}
	return n > 0, nil
}

// Info implements Layer, combining PTTL with the per-key reverse index.
// Fails soft to a miss.
func (r *Remote) Info(ctx context.Context, key string) (Info, bool, error) {
	var (
		info  Info
		found bool
	)
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		// PTTL reports -2 for a missing key, -1 for a key with no expiry.
		pttl, err := r.rdb.PTTL(ctx, r.key(key)).Result()
		if err != nil {
			return err
		}
		if pttl == -2 {
			return nil
		}
		tags, err := r.rdb.SMembers(ctx, r.keyTags(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		info = Info{Tags: tags, Remaining: pttl}
		if pttl < 0 {
			info.Remaining = NoExpiry
		}
		found = true
		return nil
	})
	if err != nil {
		r.metrics.Error()
		r.warn("redis info failed", key, err)
		return Info{}, false, nil
	}
	return info, found, nil
}

// InvalidateByTag reads the tag's member set, deletes all members in one
// batch, then drops the tag set itself. The count reflects the member keys
// that actually held an entry; stray memberships left by a failed Delete
// cleanup resolve to nothing and self-heal here without inflating it.
func (r *Remote) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	var count int
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		members, err := r.rdb.SMembers(ctx, r.tagKey(tag)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		p := r.rdb.Pipeline()
		dels := make([]*redis.IntCmd, 0, len(members))
		for _, member := range members {
			dels = append(dels, p.Del(ctx, r.key(member)))
			p.Del(ctx, r.keyTags(member))
		}
		p.Del(ctx, r.tagKey(tag))
		if _, err := p.Exec(ctx); err != nil {
			return err
		}
		for _, del := range dels {
			count += int(del.Val())
		}
		return nil
	})
	if err != nil {
		r.metrics.Error()
		r.warn("redis tag invalidation failed", tag, err)
		return 0, nil
	}
	r.metrics.AddDeletes(count)
	return count, nil
}

// Stats implements Layer. The remote keyspace size is not tracked; Size is
// always zero for this layer.
func (r *Remote) Stats() Stats {
	return r.metrics.Snapshot(0)
}

// Ping checks the Redis connection, bypassing the breaker.
func (r *Remote) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (r *Remote) Close() error {
	return r.rdb.Close()
}

func (r *Remote) warn(msg, subject string, err error) {
	if errors.Is(err, breaker.ErrOpen) {
		// Open-breaker rejections are expected during an outage; keep them
		// out of the warning stream.
		r.log.Debug(msg, "layer", r.Name(), "subject", subject, "error", err)
		return
	}
	if r.warnLimit.Allow() {
		r.log.Warn(msg, "layer", r.Name(), "subject", subject, "error", err)
	}
}

// encode wraps val in the serialization envelope, gzip-compressing values
// above threshold. threshold <= 0 disables compression.
func encode(val []byte, threshold int) []byte {
	if threshold > 0 && len(val) > threshold {
		var buf bytes.Buffer
		buf.WriteByte(markerGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(val); err == nil && zw.Close() == nil {
			return buf.Bytes()
		}
	}
	out := make([]byte, 0, len(val)+1)
	out = append(out, markerRaw)
	return append(out, val...)
}

// decode unwraps the serialization envelope.
func decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("cache: empty payload")
	}
	switch raw[0] {
	case markerRaw:
		return raw[1:], nil
	case markerGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw[1:]))
		if err != nil {
			return nil, errors.Wrap(err, "cache: corrupt compressed payload")
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, errors.Errorf("cache: unknown payload marker 0x%02x", raw[0])
	}
}
