package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// refreshGrace keeps sessions that carry refresh material around after access token
// expiry, so a restarted agent can still renew them.
const refreshGrace = 24 * time.Hour

// RedisRepo stores the session under a single key.
type RedisRepo struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

var _ Repo = (*RedisRepo)(nil)

// NewRedisClient creates a client with the default timeouts
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
}

// NewRedisRepo creates a repository storing the session at key
func NewRedisRepo(client redis.UniversalClient, key string) *RedisRepo {
	return &RedisRepo{client: client, key: key, now: time.Now}
}

func (r *RedisRepo) Load(ctx context.Context) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, autherrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisRepo Load] %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "decoding %s: %v", r.key, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisRepo) Save(ctx context.Context, session *Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("[RedisRepo Save] encoding session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, payload, r.ttl(session)).Err(); err != nil {
		return fmt.Errorf("[RedisRepo Save] %w", err)
	}
	return nil
}

func (r *RedisRepo) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("[RedisRepo Clear] %w", err)
	}
	return nil
}

func (r *RedisRepo) ttl(s *Session) time.Duration {
	ttl := s.ExpiresAt.Sub(r.now())
	if s.RefreshMaterial != "" {
		ttl += refreshGrace
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
