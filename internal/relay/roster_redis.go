package relay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

// rosterTTL bounds how long a session set survives without a join, so members
// left behind by a crashed relay eventually disappear.
const rosterTTL = 24 * time.Hour

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisRoster keeps session membership in Redis sets so several relay
// instances share one view of each session.
type RedisRoster struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ RosterStore = (*RedisRoster)(nil)

func NewRedisRoster(client redis.Cmdable) *RedisRoster {
	return &RedisRoster{client: client, ttl: rosterTTL}
}

func rosterKey(sessionID string) string {
	return "call:" + sessionID + ":participants"
}

func (r *RedisRoster) Add(ctx context.Context, sessionID, participantID string) error {
	key := rosterKey(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, participantID)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("roster add %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisRoster) Remove(ctx context.Context, sessionID, participantID string) error {
	if err := r.client.SRem(ctx, rosterKey(sessionID), participantID).Err(); err != nil {
		return fmt.Errorf("roster remove %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisRoster) Members(ctx context.Context, sessionID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, rosterKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("roster members %s: %w", sessionID, err)
	}
	sort.Strings(members)
	return members, nil
}
