package runguard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisGuard is a lease on a Redis key. The TTL frees the guard when a run
// crashes without releasing.
type RedisGuard struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewRedisGuard returns a guard on key.
func NewRedisGuard(client redis.Cmdable, key string, ttl time.Duration, log logrus.FieldLogger) *RedisGuard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisGuard{client: client, key: key, ttl: ttl, log: log, now: time.Now}
}

// Acquire sets the key if absent.
func (g *RedisGuard) Acquire(ctx context.Context) (func() error, error) {
	me := owner{
		Token:   uuid.NewString(),
		PID:     os.Getpid(),
		Host:    hostname(),
		Started: g.now().UTC().Format(time.RFC3339),
	}
	val, err := json.Marshal(me)
	if err != nil {
		return nil, err
	}
	ok, err := g.client.SetNX(ctx, g.key, string(val), g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", g.key, err)
	}
	if !ok {
		holder, _ := g.client.Get(ctx, g.key).Result()
		return nil, fmt.Errorf("%w: redis key %s held by %s", ErrAlreadyRunning, g.key, holder)
	}
	g.log.WithField("key", g.key).Debug("Redis run lock acquired")

	return func() error {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := g.client.Eval(rctx, releaseScript, []string{g.key}, string(val)).Int64()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", g.key, err)
		}
		if n == 0 {
			g.log.WithField("key", g.key).Warn("Run lock expired before release")
		}
		return nil
	}, nil
}
