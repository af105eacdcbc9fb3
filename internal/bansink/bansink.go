// Package bansink persists escalated bans (spec.md §4.5). Sink is a
// capability contract per spec.md §9's design note: the Detection Engine
// calls it unconditionally, and NullSink is a no-op implementation used
// when no persistence backend is configured, so the engine never needs a
// runtime "is persistence wired" guard.
package bansink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one row in the ban list.
type Record struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	TelegramID        string    `json:"telegram_id,omitempty"`
	Description       string    `json:"description,omitempty"`
	IPCount           int       `json:"ip_count"`
	IPs               []string  `json:"ips"`
	Nodes             []string  `json:"nodes"`
	ViolationDuration int       `json:"violation_duration_seconds"`
	DetectedAt        time.Time `json:"detected_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Sink is the persistence contract for bans (spec.md §4.5). Implementations
// must be idempotent by (email, active-window).
type Sink interface {
	ActiveBan(ctx context.Context, email string, lookback time.Duration) (*Record, error)
	Create(ctx context.Context, r Record) error
	Update(ctx context.Context, recordID string, ipCount int, ips, nodes []string, violationDuration int) error
	List(ctx context.Context, window time.Duration) ([]Record, error)
	Clear(ctx context.Context) (int, error)
}

// NullSink discards everything; used when no persistence backend is wired.
type NullSink struct{}

func (NullSink) ActiveBan(context.Context, string, time.Duration) (*Record, error) { return nil, nil }
func (NullSink) Create(context.Context, Record) error                              { return nil }
func (NullSink) Update(context.Context, string, int, []string, []string, int) error { return nil }
func (NullSink) List(context.Context, time.Duration) ([]Record, error)             { return nil, nil }
func (NullSink) Clear(context.Context) (int, error)                               { return 0, nil }

// RedisSink stores one JSON record per email under a Redis hash, plus a
// sorted-set index by detected_at so List(hours) and Clear() don't need a
// full SCAN. The key/JSON/pipeline idiom is grounded on the teacher's
// RedisMitigator (internal/rl/mitigation.go).
type RedisSink struct {
	rdb *redis.Client
	ttl time.Duration // not set by NewRedisSink and not read; ActiveBan uses its lookback argument
}

const (
	hashKey  = "ipwarden:banlist"
	indexKey = "ipwarden:banlist:by_time"
)

// NewRedisSink builds a Sink backed by rdb. How far back ActiveBan looks for
// an existing record to update in place is the lookback passed to each call.
func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func recordKey(email string) string { return email }

func (s *RedisSink) ActiveBan(ctx context.Context, email string, lookback time.Duration) (*Record, error) {
	raw, err := s.rdb.HGet(ctx, hashKey, recordKey(email)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, nil
	}
	if time.Since(r.DetectedAt) > lookback {
		return nil, nil
	}
	return &r, nil
}

func (s *RedisSink) Create(ctx context.Context, r Record) error {
	r.UpdatedAt = r.DetectedAt
	j, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, hashKey, recordKey(r.Email), j)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(r.DetectedAt.Unix()), Member: r.Email})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Update(ctx context.Context, recordID string, ipCount int, ips, nodes []string, violationDuration int) error {
	// recordID is the email (see Create/ActiveBan) — kept as a named param so
	// the interface reads like a record-store, not an email-store.
	raw, err := s.rdb.HGet(ctx, hashKey, recordID).Result()
	if err != nil {
		return err
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return err
	}
	r.IPCount = ipCount
	r.IPs = ips
	r.Nodes = nodes
	r.ViolationDuration = violationDuration
	r.UpdatedAt = time.Now()

	j, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, hashKey, recordID, j).Err()
}

func (s *RedisSink) List(ctx context.Context, window time.Duration) ([]Record, error) {
	cutoff := time.Now().Add(-window).Unix()
	emails, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: fmt.Sprint(cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, nil
	}

	raws, err := s.rdb.HMGet(ctx, hashKey, emails...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raws))
	for _, v := range raws {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(s), &r); err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisSink) Clear(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, hashKey).Result()
	if err != nil {
		return 0, err
	}
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, hashKey)
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(n), nil
}

// NewID builds a stable, readable record id for logging; Redis itself keys
// records by email (idempotent by (email, active-window) per spec.md §4.5).
func NewID(email string, at time.Time) string {
	return strings.ToLower(email) + "@" + fmt.Sprint(at.Unix())
}
