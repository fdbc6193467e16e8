package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultClaimTTL    = 10 * time.Minute
	defaultClaimPrefix = "stepper:claim:"
)

// releaseClaim deletes the claim only while it still holds our owner token,
// so a claim that expired and was taken over is left alone.
var releaseClaim = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard wraps a Performer with a cluster-wide in-flight claim so several
// processes sharing one store and one sweep schedule do not run the same
// invocation at once. The claim is a Redis key set with NX and a TTL; an
// invocation whose key is already held elsewhere is skipped.
type Guard struct {
	client redis.Cmdable
	next   Performer
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewGuard creates a Guard. A zero ttl or empty prefix takes the default.
func NewGuard(client redis.Cmdable, next Performer, ttl time.Duration, prefix string, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	if prefix == "" {
		prefix = defaultClaimPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{client: client, next: next, ttl: ttl, prefix: prefix, logger: logger}
}

// Perform claims inv and runs the wrapped performer while holding the claim.
func (g *Guard) Perform(ctx context.Context, inv Invocation) error {
	key := g.prefix + inv.Key()
	owner := ulid.Make().String()

	ok, err := g.client.SetNX(ctx, key, owner, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis claim %q: %w", key, err)
	}
	if !ok {
		g.logger.Debug("invocation claimed by another process",
			zap.String("journey_id", inv.JourneyID),
			zap.String("step", inv.StepName),
		)
		return nil
	}

	defer func() {
		if err := releaseClaim.Run(context.WithoutCancel(ctx), g.client, []string{key}, owner).Err(); err != nil {
			g.logger.Warn("release invocation claim", zap.String("key", key), zap.Error(err))
		}
	}()
	return g.next.Perform(ctx, inv)
}
