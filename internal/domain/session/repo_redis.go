package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "clinical:session:"
	redisPendingKey    = "clinical:pending"
	redisCountsKey     = "clinical:state_counts"
)

type sessionRepoRedis struct {
	client *redis.Client
}

// NewSessionRepoRedis stores each session as a JSON document and keeps the
// review queue in a sorted set whose members sort by (pending_since, id).
func NewSessionRepoRedis(client *redis.Client) SessionRepository {
	return &sessionRepoRedis{client: client}
}

func sessionKey(id uuid.UUID) string {
	return redisSessionPrefix + id.String()
}

// pendingMember encodes the queue position as a fixed-width, lexicographically
// ordered string: zero-padded unix nanos, a separator, then the session ID.
func pendingMember(s *Session) string {
	return cursorMember(CursorFor(s))
}

func cursorMember(c PendingCursor) string {
	return fmt.Sprintf("%020d|%s", c.Since.UnixNano(), c.ID.String())
}

// memberID extracts the session ID from a pending index member.
func memberID(m string) (uuid.UUID, error) {
	i := strings.IndexByte(m, '|')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("malformed pending member %q", m)
	}
	return uuid.Parse(m[i+1:])
}

// pendingMin returns the ZRANGEBYLEX lower bound strictly after the cursor.
func pendingMin(after PendingCursor) string {
	if after.IsZero() {
		return "-"
	}
	return "(" + cursorMember(after)
}

func (r *sessionRepoRedis) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	key := sessionKey(s.ID)
	s.VersionID = 1
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("session %s already exists", s.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.HIncrBy(ctx, redisCountsKey, string(s.State), 1)
			if s.State == StatePendingReview {
				pipe.ZAdd(ctx, redisPendingKey, redis.Z{Member: pendingMember(s)})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	return err
}

func (r *sessionRepoRedis) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

// CompareAndSet uses WATCH on the session key: the MULTI block is discarded
// if any other client wrote the key after it was read.
func (r *sessionRepoRedis) CompareAndSet(ctx context.Context, expectedVersion int, s *Session) error {
	key := sessionKey(s.ID)
	next := s.Clone()
	next.VersionID = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if cur.VersionID != expectedVersion || cur.State == StateResolved {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if cur.State != next.State {
				pipe.HIncrBy(ctx, redisCountsKey, string(cur.State), -1)
				pipe.HIncrBy(ctx, redisCountsKey, string(next.State), 1)
			}
			if cur.State == StatePendingReview && next.State != StatePendingReview {
				pipe.ZRem(ctx, redisPendingKey, pendingMember(cur))
			}
			if next.State == StatePendingReview && cur.State != StatePendingReview {
				pipe.ZAdd(ctx, redisPendingKey, redis.Z{Member: pendingMember(next)})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	s.VersionID = next.VersionID
	return nil
}

// ListPending reads a page of the index, then the records in one pipeline.
// A record resolved between the two reads is dropped by the state filter.
func (r *sessionRepoRedis) ListPending(ctx context.Context, after PendingCursor, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	members, err := r.client.ZRangeByLex(ctx, redisPendingKey, &redis.ZRangeBy{
		Min:   pendingMin(after),
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []*Session{}, nil
	}

	gets := make([]*redis.StringCmd, 0, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			id, err := memberID(m)
			if err != nil {
				return err
			}
			gets = append(gets, pipe.Get(ctx, sessionKey(id)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	items := make([]*Session, 0, len(gets))
	for _, cmd := range gets {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		if s.State == StatePendingReview {
			items = append(items, s)
		}
	}
	return items, nil
}

func (r *sessionRepoRedis) CountByState(ctx context.Context) (Stats, error) {
	raw, err := r.client.HGetAll(ctx, redisCountsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := Stats{}
	for _, st := range AllStates {
		stats[st] = 0
	}
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("state count %s: %w", k, err)
		}
		stats[State(k)] = n
	}
	return stats, nil
}

func decodeSession(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
