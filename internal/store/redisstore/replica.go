package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"edgeward.io/internal/identity"
)

var _ identity.ReplicaStore = (*Replica)(nil)

const defaultPrefix = "edgeward"

// Each record is a hash {data, email, created, updated}. The ids zset
// orders records by id; one zset per email scores ids by write time.
const upsertScript = `
local prev = redis.call("HGET", KEYS[1], "email")
if prev and prev ~= ARGV[3] then
  redis.call("ZREM", ARGV[5] .. prev, ARGV[1])
end
redis.call("HSETNX", KEYS[1], "created", ARGV[4])
redis.call("HSET", KEYS[1], "data", ARGV[2], "email", ARGV[3], "updated", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`

const deleteScript = `
local email = redis.call("HGET", KEYS[1], "email")
if not email then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", ARGV[2] .. email, ARGV[1])
return 1
`

var (
	upsertLua = redis.NewScript(upsertScript)
	deleteLua = redis.NewScript(deleteScript)
)

// Replica is a ReplicaStore on Redis. Writes run as Lua scripts so the
// record and its indexes change together.
type Replica struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// New returns a replica store using keys under prefix.
func New(rdb redis.UniversalClient, prefix string) *Replica {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Replica{rdb: rdb, prefix: prefix, now: time.Now}
}

// PingContext reports whether Redis is reachable.
func (s *Replica) PingContext(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Replica) recordKey(id int64) string {
	return s.prefix + ":identity:" + strconv.FormatInt(id, 10)
}

func (s *Replica) idsKey() string { return s.prefix + ":identities" }

func (s *Replica) emailPrefix() string { return s.prefix + ":email:" }

func (s *Replica) Get(ctx context.Context, id int64) (identity.Identity, error) {
	vals, err := s.rdb.HMGet(ctx, s.recordKey(id), "data", "created", "updated").Result()
	if err != nil {
		return identity.Identity{}, err
	}
	return decodeRecord(vals)
}

func (s *Replica) Upsert(ctx context.Context, u identity.Identity) error {
	if u.ID <= 0 {
		return identity.ErrInvalidInput
	}
	rec := u.Clone()
	rec.Email = identity.NormalizeEmail(rec.Email)
	rec.Roles = identity.NormalizeRoles(rec.Roles)
	rec.CreatedAt, rec.UpdatedAt = time.Time{}, time.Time{}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	id := strconv.FormatInt(u.ID, 10)
	stamp := strconv.FormatInt(s.now().UTC().UnixMilli(), 10)
	keys := []string{s.recordKey(u.ID), s.idsKey(), s.emailPrefix() + rec.Email}
	return upsertLua.Run(ctx, s.rdb, keys, id, data, rec.Email, stamp, s.emailPrefix()).Err()
}

func (s *Replica) Delete(ctx context.Context, id int64) (bool, error) {
	n, err := deleteLua.Run(ctx, s.rdb, []string{s.recordKey(id), s.idsKey()},
		strconv.FormatInt(id, 10), s.emailPrefix()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindByEmail returns the most recently written record for email.
func (s *Replica) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.emailPrefix()+identity.NormalizeEmail(email), 0, 0).Result()
	if err != nil {
		return identity.Identity{}, err
	}
	if len(ids) == 0 {
		return identity.Identity{}, identity.ErrNotFound
	}
	id, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("email index holds bad id %q: %w", ids[0], err)
	}
	return s.Get(ctx, id)
}

func (s *Replica) List(ctx context.Context) ([]identity.Identity, error) {
	return s.list(ctx, func(identity.Identity) bool { return true })
}

func (s *Replica) ListEnabled(ctx context.Context) ([]identity.Identity, error) {
	return s.list(ctx, func(u identity.Identity) bool { return u.Enabled })
}

func (s *Replica) list(ctx context.Context, keep func(identity.Identity) bool) ([]identity.Identity, error) {
	ids, err := s.rdb.ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := []identity.Identity{}
	if len(ids) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("id index holds bad id %q: %w", raw, err)
		}
		cmds[i] = pipe.HMGet(ctx, s.recordKey(id), "data", "created", "updated")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		u, err := decodeRecord(cmd.Val())
		if errors.Is(err, identity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func decodeRecord(vals []any) (identity.Identity, error) {
	if len(vals) != 3 || vals[0] == nil {
		return identity.Identity{}, identity.ErrNotFound
	}
	data, _ := vals[0].(string)
	var u identity.Identity
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return identity.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	u.Roles = identity.NormalizeRoles(u.Roles)
	u.CreatedAt = parseMillis(vals[1])
	u.UpdatedAt = parseMillis(vals[2])
	return u, nil
}

func parseMillis(v any) time.Time {
	s, _ := v.(string)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
