package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const DefaultKeyPrefix = "chat:"

// KEYS[1] session hash, KEYS[2] user set
// ARGV[1] user id, ARGV[2] established at, ARGV[3] user set prefix, ARGV[4] connection id
var registerScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'user_id')
if old and old ~= ARGV[1] then
	redis.call('SREM', ARGV[3] .. old, ARGV[4])
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'established_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// KEYS[1] session hash
// ARGV[1] user set prefix, ARGV[2] connection id
var unregisterScript = redis.NewScript(`
local user = redis.call('HGET', KEYS[1], 'user_id')
if user then
	redis.call('SREM', ARGV[1] .. user, ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisRegistry shares live sessions between every instance pointed at the
// same redis. Sessions live in {prefix}session:{connectionId} hashes, with a
// {prefix}user-sessions:{userId} set as the per-user index.
type RedisRegistry struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisRegistry(rdb redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix}
}

func (r *RedisRegistry) sessionKey(connectionID string) string {
	return r.prefix + "session:" + connectionID
}

func (r *RedisRegistry) userPrefix() string {
	return r.prefix + "user-sessions:"
}

func (r *RedisRegistry) Register(ctx context.Context, connectionID, userID string) error {
	keys := []string{r.sessionKey(connectionID), r.userPrefix() + userID}
	err := registerScript.Run(ctx, r.rdb, keys,
		userID, time.Now().UnixMilli(), r.userPrefix(), connectionID).Err()
	if err != nil {
		return fmt.Errorf("register session %s: %w", connectionID, err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, connectionID string) error {
	err := unregisterScript.Run(ctx, r.rdb, []string{r.sessionKey(connectionID)},
		r.userPrefix(), connectionID).Err()
	if err != nil {
		return fmt.Errorf("unregister session %s: %w", connectionID, err)
	}
	return nil
}

// Resolve reads every user's index in a single pipelined round trip.
func (r *RedisRegistry) Resolve(ctx context.Context, userIDs []string) (map[string]string, error) {
	userIDs = lo.Uniq(userIDs)
	if len(userIDs) == 0 {
		return map[string]string{}, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(userIDs))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userID := range userIDs {
			cmds[i] = pipe.SMembers(ctx, r.userPrefix()+userID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve sessions: %w", err)
	}

	out := make(map[string]string)
	for i, cmd := range cmds {
		for _, connectionID := range cmd.Val() {
			out[connectionID] = userIDs[i]
		}
	}
	return out, nil
}

// lookup returns the entry for connectionID, if any.
func (r *RedisRegistry) lookup(ctx context.Context, connectionID string) (LiveSession, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(connectionID)).Result()
	if err != nil {
		return LiveSession{}, false, err
	}
	userID, ok := fields["user_id"]
	if !ok {
		return LiveSession{}, false, nil
	}
	ms, _ := strconv.ParseInt(fields["established_at"], 10, 64)
	return LiveSession{
		ConnectionID:  connectionID,
		UserID:        userID,
		EstablishedAt: time.UnixMilli(ms),
	}, true, nil
}
