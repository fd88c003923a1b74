package circuitbreaker

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/modelbridge/gateway/internal/domain"
)

// redisScripter is the client surface the scripts need. *redis.Client
// satisfies it.
type redisScripter interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Pipeline() redis.Pipeliner
}

// The Lua scripts make each transition atomic across the state keys, so
// multiple gateway instances sharing one Redis agree on breaker state.

var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - lastFailure) >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    local threshold = tonumber(ARGV[1])

    if successes >= threshold then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

redis.call('SET', KEYS[3], now)

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    local threshold = tonumber(ARGV[1])

    if failures >= threshold then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// Redis is the distributed breaker. Redis errors fail open: a broken
// coordination store must not take every provider down with it.
type Redis struct {
	client    redisScripter
	cfg       Config
	keyPrefix string
}

func NewRedisWithClient(client redisScripter, providerID string, cfg Config) *Redis {
	return &Redis{
		client:    client,
		cfg:       cfg,
		keyPrefix: "mb:cb:" + providerID + ":",
	}
}

func (b *Redis) stateKey() string       { return b.keyPrefix + "state" }
func (b *Redis) failuresKey() string    { return b.keyPrefix + "failures" }
func (b *Redis) successesKey() string   { return b.keyPrefix + "successes" }
func (b *Redis) lastFailureKey() string { return b.keyPrefix + "last_failure" }

func (b *Redis) Allow(ctx context.Context) error {
	keys := []string{b.stateKey(), b.lastFailureKey(), b.successesKey()}
	result, err := allowScript.Run(ctx, b.client, keys, int(b.cfg.Timeout.Seconds())).Text()
	if err != nil {
		return nil
	}
	if result == "open" {
		return domain.ErrProviderDisabled
	}
	return nil
}

func (b *Redis) RecordSuccess(ctx context.Context) {
	keys := []string{b.stateKey(), b.failuresKey(), b.successesKey()}
	recordSuccessScript.Run(ctx, b.client, keys, b.cfg.SuccessThreshold)
}

func (b *Redis) RecordFailure(ctx context.Context) {
	keys := []string{b.stateKey(), b.failuresKey(), b.lastFailureKey(), b.successesKey()}
	recordFailureScript.Run(ctx, b.client, keys, b.cfg.FailureThreshold)
}

func (b *Redis) State(ctx context.Context) State {
	result, err := b.client.Get(ctx, b.stateKey()).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

func (b *Redis) Failures(ctx context.Context) int {
	result, err := b.client.Get(ctx, b.failuresKey()).Result()
	if err != nil {
		return 0
	}
	failures, _ := strconv.Atoi(result)
	return failures
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Redis) Reset(ctx context.Context) error {
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.stateKey(), "closed", 0)
	pipe.Set(ctx, b.failuresKey(), "0", 0)
	pipe.Set(ctx, b.successesKey(), "0", 0)
	pipe.Del(ctx, b.lastFailureKey())
	_, err := pipe.Exec(ctx)
	return err
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
