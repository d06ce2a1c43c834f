package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Resync forces subscriptions to re-read periodically, covering
	// notifications lost while the pub/sub connection was re-established.
	Resync time.Duration
}

// Redis key layout:
// {prefix}:sig:rooms/{room_id}          HASH  full leaf path -> JSON leaf
// {prefix}:sigchg:rooms/{room_id}       CHANNEL  changed path, published after each commit
type RedisStore struct {
	client *redis.Client
	prefix string
	resync time.Duration
}

var _ core.SignalStore = (*RedisStore)(nil)

// NewRedisStore connects and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("module", "store").Str("addr", cfg.Addr).Msg("redis signaling store connected")
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.Resync), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, resync time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "podcast"
	}
	return &RedisStore{client: client, prefix: prefix, resync: resync}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// bucket maps a path to the hash holding it. Everything below rooms/{id}
// shares one hash so a write and its siblings can be read atomically.
func (r *RedisStore) bucket(p string) (string, error) {
	segs := strings.SplitN(p, "/", 3)
	if len(segs) < 2 {
		return "", fmt.Errorf("%w: %q is above the room level", ErrInvalidPath, p)
	}
	return r.prefix + ":sig:" + segs[0] + "/" + segs[1], nil
}

func (r *RedisStore) channel(bucket string) string {
	return strings.Replace(bucket, ":sig:", ":sigchg:", 1)
}

// replaceScript applies a batch of subtree replacements to one room hash
// atomically. ARGV[1] is a path that must be absent ("" for none), then per
// write: path, leaf count, and that many field/value pairs. Returns 0 when
// the condition fails.
var replaceScript = redis.NewScript(`
local key = KEYS[1]
local function within(p, base)
  return p == base or string.sub(p, 1, #base + 1) == base .. "/"
end
local fields = redis.call("HKEYS", key)
local cond = ARGV[1]
if cond ~= "" then
  for _, f in ipairs(fields) do
    if within(f, cond) then return 0 end
  end
end
local current = {}
for _, f in ipairs(fields) do current[f] = true end
local set = {}
local i = 2
while i <= #ARGV do
  local wp = ARGV[i]
  local n = tonumber(ARGV[i + 1])
  i = i + 2
  for f in pairs(current) do
    if within(f, wp) or within(wp, f) then current[f] = nil end
  end
  for f in pairs(set) do
    if within(f, wp) or within(wp, f) then set[f] = nil end
  end
  for _ = 1, n do
    set[ARGV[i]] = ARGV[i + 1]
    i = i + 2
  end
end
local del = {}
for _, f in ipairs(fields) do
  if not current[f] and set[f] == nil then table.insert(del, f) end
end
if #del > 0 then redis.call("HDEL", key, unpack(del)) end
local kv = {}
for f, v in pairs(set) do
  table.insert(kv, f)
  table.insert(kv, v)
end
if #kv > 0 then redis.call("HSET", key, unpack(kv)) end
return 1
`)

func (r *RedisStore) roomKey(writes []write) (string, error) {
	key, err := r.bucket(writes[0].Path)
	if err != nil {
		return "", err
	}
	for _, w := range writes[1:] {
		if k, err := r.bucket(w.Path); err != nil || k != key {
			return "", fmt.Errorf("%w: writes span more than one room", ErrInvalidPath)
		}
	}
	return key, nil
}

// apply replaces every written subtree in one server-side step. Writers on
// different leaves of a room never conflict; the script runs serially.
func (r *RedisStore) apply(ctx context.Context, writes []write, absent string) (bool, error) {
	if len(writes) == 0 {
		return true, nil
	}
	key, err := r.roomKey(writes)
	if err != nil {
		return false, err
	}

	args := []any{absent}
	for _, w := range writes {
		args = append(args, w.Path, len(w.Leaves))
		for p, raw := range w.Leaves {
			args = append(args, p, string(raw))
		}
	}
	n, err := replaceScript.Run(ctx, r.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	if n == 0 {
		return false, nil
	}
	r.publish(ctx, key, writes)
	return true, nil
}

func (r *RedisStore) publish(ctx context.Context, key string, writes []write) {
	for _, w := range writes {
		if err := r.client.Publish(ctx, r.channel(key), w.Path).Err(); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("path", w.Path).Msg("publish change")
		}
	}
}

func (r *RedisStore) Set(ctx context.Context, p string, v any) error {
	w, err := prepare(p, v)
	if err != nil {
		return err
	}
	_, err = r.apply(ctx, []write{w}, "")
	return err
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, p string, v any) (bool, error) {
	w, err := prepare(p, v)
	if err != nil {
		return false, err
	}
	return r.apply(ctx, []write{w}, w.Path)
}

func (r *RedisStore) Update(ctx context.Context, p string, fields map[string]any) error {
	writes, err := prepareUpdate(p, fields)
	if err != nil {
		return err
	}
	_, err = r.apply(ctx, writes, "")
	return err
}

// Push adds a child under a fresh key. Nothing can exist below a fresh key,
// so the leaves go in with a single HSET.
func (r *RedisStore) Push(ctx context.Context, p string, v any) (string, error) {
	child := pushKey()
	w, err := prepare(p+"/"+child, v)
	if err != nil {
		return "", err
	}
	if len(w.Leaves) == 0 {
		return child, nil
	}
	key, err := r.roomKey([]write{w})
	if err != nil {
		return "", err
	}
	vals := make([]any, 0, 2*len(w.Leaves))
	for lp, raw := range w.Leaves {
		vals = append(vals, lp, string(raw))
	}
	if err := r.client.HSet(ctx, key, vals...).Err(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	r.publish(ctx, key, []write{w})
	return child, nil
}

func (r *RedisStore) Remove(ctx context.Context, p string) error {
	return r.Set(ctx, p, nil)
}

func (r *RedisStore) Get(ctx context.Context, p string) (json.RawMessage, bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, false, err
	}
	key, err := r.bucket(clean)
	if err != nil {
		return nil, false, err
	}
	all, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	leaves := make(map[string]json.RawMessage, len(all))
	for field, val := range all {
		if within(field, clean) {
			leaves[field] = json.RawMessage(val)
		}
	}
	return compose(clean, leaves)
}

func (r *RedisStore) children(ctx context.Context, p string) ([]string, error) {
	key, err := r.bucket(p)
	if err != nil {
		return nil, err
	}
	fields, err := r.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return childKeys(p, fields), nil
}

func (r *RedisStore) subscribe(ctx context.Context, p string, kind subKind) (*subscription, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	key, err := r.bucket(clean)
	if err != nil {
		return nil, err
	}
	ps := r.client.Subscribe(ctx, r.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s := newSubscription(clean, kind, r)
	s.onStop = func() { _ = ps.Close() }

	go func() {
		ch := ps.Channel()
		var tick <-chan time.Time
		if r.resync > 0 {
			t := time.NewTicker(r.resync)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-tick:
				s.notify(s.base)
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.notify(msg.Payload)
			}
		}
	}()
	return s, nil
}

func (r *RedisStore) SubscribeValue(ctx context.Context, p string, fn func(json.RawMessage, bool)) (core.Unsubscribe, error) {
	s, err := r.subscribe(ctx, p, valueSub)
	if err != nil {
		return nil, err
	}
	s.onValue = fn
	go s.run(ctx)
	s.notify(s.base)
	return s.unsubscribe(), nil
}

func (r *RedisStore) SubscribeChildAdded(ctx context.Context, p string, fn func(string, json.RawMessage)) (core.Unsubscribe, error) {
	s, err := r.subscribe(ctx, p, childSub)
	if err != nil {
		return nil, err
	}
	s.onChild = fn
	go s.run(ctx)
	s.notify(s.base)
	return s.unsubscribe(), nil
}
