package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/StricklySoft/addon-admission/pkg/clients/redis"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// tokenBucketScript refills and debits one bucket atomically.
//
// KEYS[1] bucket hash; ARGV rate (permits/s), burst, now (unix ms),
// ttl (ms). Returns {allowed, tokens} with tokens as a string because Redis
// truncates Lua numbers to integers.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) / 1000 * rate)
  ts = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`

// RedisBucket is a [Limiter] whose buckets live in Redis, so every replica
// draws from the same budget. Idle buckets expire after IdleTimeout through
// the key TTL; MaxIdentifiers and SweepInterval do not apply.
type RedisBucket struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

var _ Limiter = (*RedisBucket)(nil)

// NewRedisBucket validates cfg. Only [WithClock] is honoured among opts.
func NewRedisBucket(client *redis.Client, cfg Config, opts ...Option) (*RedisBucket, error) {
	if client == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "ratelimit: redis client is required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &RedisBucket{client: client, cfg: cfg, now: o.now}, nil
}

// Allow implements [Limiter]. Redis failures are returned as errors; the
// caller decides whether to fail open.
func (rb *RedisBucket) Allow(ctx context.Context, id string) (Decision, error) {
	key := rb.client.Key("ratelimit", id)
	res, err := rb.client.Eval(ctx, tokenBucketScript, []string{key},
		rb.cfg.PermitsPerSecond,
		rb.cfg.Burst,
		rb.now().UnixMilli(),
		rb.cfg.IdleTimeout.Milliseconds(),
	)
	if err != nil {
		return Decision{}, err
	}

	allowed, tokens, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, sserr.Wrap(err, sserr.CodeInternalDatabase, "ratelimit: unexpected script result")
	}
	if allowed {
		return Decision{Allowed: true, Remaining: int(math.Floor(tokens))}, nil
	}
	return Decision{RetryAfter: retryAfter(tokens, rb.cfg.PermitsPerSecond)}, nil
}

func parseScriptResult(res any) (bool, float64, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("want a two-element array, got %T", res)
	}
	flag, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("allowed flag has type %T", vals[0])
	}
	s, ok := vals[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("token count has type %T", vals[1])
	}
	tokens, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, 0, fmt.Errorf("token count: %w", err)
	}
	return flag == 1, tokens, nil
}
