package realtime

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCounts backs presence counts with Redis so several hub processes can
// share one roster. INCR/DECR are atomic, which keeps the online transition
// (count 0 -> 1) and the offline transition (count 1 -> 0) race-free across
// processes.
type RedisCounts struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCounts(addr string) *RedisCounts {
	return &RedisCounts{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "opschat:presence:",
	}
}

func (r *RedisCounts) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisCounts) Incr(ctx context.Context, userID int64) (int64, error) {
	return r.rdb.Incr(ctx, r.key(userID)).Result()
}

func (r *RedisCounts) Decr(ctx context.Context, userID int64) (int64, error) {
	n, err := r.rdb.Decr(ctx, r.key(userID)).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		// Never let counts go negative after a crashy client.
		r.rdb.Del(ctx, r.key(userID))
	}
	return n, nil
}

func (r *RedisCounts) Close() error {
	return r.rdb.Close()
}
