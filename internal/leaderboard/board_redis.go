package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-learn/internal/platform/cache"
)

// defaultRetention keeps a monthly bucket around long enough to serve as the
// next month's baseline.
const defaultRetention = 100 * 24 * time.Hour

// frozenMarker is written into every frozen hash so an empty ranking still
// reads as frozen.
const frozenMarker = "#"

// maxWatchRetries bounds optimistic retries when a concurrent delivery of
// the same award touches its marker key.
const maxWatchRetries = 3

// RedisBoard keeps each bucket as a sorted set of points plus a hash of the
// time each total was reached. Applied award keys are kept as marker keys.
type RedisBoard struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// NewRedisBoard creates a board on rdb. Keys expire after retention, or
// after 100 days when retention is 0.
func NewRedisBoard(rdb redis.UniversalClient, retention time.Duration) *RedisBoard {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisBoard{rdb: rdb, retention: retention}
}

func pointsKey(b Bucket) string  { return cache.Key("lb", b.Key(), "points") }
func reachedKey(b Bucket) string { return cache.Key("lb", b.Key(), "reached") }
func frozenKey(b Bucket) string  { return cache.Key("lb", b.Key(), "frozen") }
func awardKey(key string) string  { return cache.Key("lb", "award", key) }
func scopesKey(p Period, start time.Time) string {
	return cache.Key("lb", windowKey(p, start), "scopes")
}

// Add applies every bucket increment and the award marker in one MULTI,
// watching the marker so a duplicate delivery is skipped.
func (r *RedisBoard) Add(ctx context.Context, a Award) (bool, error) {
	if a.Key == "" {
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queueAward(ctx, pipe, a)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("leaderboard add: %w", err)
		}
		return true, nil
	}

	mk := awardKey(a.Key)
	for i := 0; i < maxWatchRetries; i++ {
		applied := false
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, mk).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, mk, a.At.UnixNano(), r.retention)
				r.queueAward(ctx, pipe, a)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, mk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("leaderboard add: %w", err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("leaderboard add %s: %w", a.Key, redis.TxFailedErr)
}

func (r *RedisBoard) queueAward(ctx context.Context, pipe redis.Pipeliner, a Award) {
	for _, b := range a.Buckets {
		pk, rk, sk := pointsKey(b), reachedKey(b), scopesKey(b.Period, b.Start)
		pipe.ZIncrBy(ctx, pk, float64(a.Points), a.UserID)
		pipe.HSet(ctx, rk, a.UserID, a.At.UnixNano())
		pipe.SAdd(ctx, sk, b.Scope)
		pipe.Expire(ctx, pk, r.retention)
		pipe.Expire(ctx, rk, r.retention)
		pipe.Expire(ctx, sk, r.retention)
	}
}

// Top reads every member tied with the last one inside the limit so the
// tie-break on ReachedAt and user id is applied before truncating.
func (r *RedisBoard) Top(ctx context.Context, b Bucket, limit int) ([]Entry, error) {
	pk := pointsKey(b)

	var members []redis.Z
	var err error
	if limit > 0 {
		cut, cutErr := r.rdb.ZRevRangeWithScores(ctx, pk, int64(limit-1), int64(limit-1)).Result()
		if cutErr != nil {
			return nil, fmt.Errorf("leaderboard cutoff: %w", cutErr)
		}
		if len(cut) == 1 {
			members, err = r.rdb.ZRevRangeByScoreWithScores(ctx, pk, &redis.ZRangeBy{
				Min: strconv.FormatFloat(cut[0].Score, 'f', -1, 64),
				Max: "+inf",
			}).Result()
		} else {
			members, err = r.rdb.ZRevRangeWithScores(ctx, pk, 0, -1).Result()
		}
	} else {
		members, err = r.rdb.ZRevRangeWithScores(ctx, pk, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard range: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	users := make([]string, len(members))
	for i, z := range members {
		users[i] = fmt.Sprint(z.Member)
	}
	reached, err := r.rdb.HMGet(ctx, reachedKey(b), users...).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard reached: %w", err)
	}

	entries := make([]Entry, len(members))
	for i, z := range members {
		entries[i] = Entry{UserID: users[i], Points: int64(z.Score)}
		if s, ok := reached[i].(string); ok {
			if nanos, err := strconv.ParseInt(s, 10, 64); err == nil {
				entries[i].ReachedAt = time.Unix(0, nanos).UTC()
			}
		}
	}
	sortEntries(entries)
	return truncate(entries, limit), nil
}

func (r *RedisBoard) Scopes(ctx context.Context, p Period, start time.Time) ([]string, error) {
	scopes, err := r.rdb.SMembers(ctx, scopesKey(p, start)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard scopes: %w", err)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Freeze builds the ranking under a temporary key and renames it into place
// only if no frozen ranking exists yet.
func (r *RedisBoard) Freeze(ctx context.Context, b Bucket, ranks map[string]int) error {
	fk := frozenKey(b)
	tmp := fk + ":tmp:" + uuid.NewString()

	values := make([]any, 0, 2+2*len(ranks))
	values = append(values, frozenMarker, 0)
	for user, rank := range ranks {
		values = append(values, user, rank)
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tmp, values...)
		pipe.RenameNX(ctx, tmp, fk)
		pipe.Del(ctx, tmp)
		pipe.Expire(ctx, fk, r.retention)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leaderboard freeze: %w", err)
	}
	return nil
}

func (r *RedisBoard) Frozen(ctx context.Context, b Bucket) (map[string]int, bool, error) {
	raw, err := r.rdb.HGetAll(ctx, frozenKey(b)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("leaderboard frozen: %w", err)
	}
	if _, ok := raw[frozenMarker]; !ok {
		return nil, false, nil
	}
	ranks := make(map[string]int, len(raw)-1)
	for user, v := range raw {
		if user == frozenMarker {
			continue
		}
		rank, err := strconv.Atoi(v)
		if err != nil {
			return nil, false, fmt.Errorf("leaderboard frozen rank for %s: %w", user, err)
		}
		ranks[user] = rank
	}
	return ranks, true, nil
}
