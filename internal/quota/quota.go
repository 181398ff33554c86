// Package quota is the quota gate (C4): admission control for new tasks
// and stream connections, backed by a Redis token bucket for the
// instantaneous rate check plus the persistent store for the
// concurrent-task limit (count of Running tasks) and the daily-task
// limit (usage_counters).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"axontask/internal/metrics"
)

// Plan names a billing tier; field naming mirrors the teacher's
// rate_limits.go bucket shape (tokens_per_second, burst_size,
// current_tokens, last_refilled_at), generalized from a single global
// bucket per key to one bucket per (tenant, plan_tier).
type Plan string

const (
	PlanTrial      Plan = "trial"
	PlanEntry      Plan = "entry"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Limits mirrors original_source's QuotaLimits{concurrent_tasks,
// daily_tasks, stream_connections}.
type Limits struct {
	ConcurrentTasks   int
	DailyTasks        int
	StreamConnections int
}

// LimitsByPlan carries over original_source/axontask-shared/src/quota.rs's
// per-plan table verbatim.
func LimitsByPlan() map[Plan]Limits {
	return map[Plan]Limits{
		PlanTrial:      {ConcurrentTasks: 5, DailyTasks: 100, StreamConnections: 2},
		PlanEntry:      {ConcurrentTasks: 25, DailyTasks: 1000, StreamConnections: 5},
		PlanPro:        {ConcurrentTasks: 100, DailyTasks: 10000, StreamConnections: 20},
		PlanEnterprise: {ConcurrentTasks: 500, DailyTasks: 100000, StreamConnections: 100},
	}
}

// Type names which quota a check is evaluating, mirroring
// original_source's QuotaType enum (used for error messages/logging).
type Type string

const (
	TypeConcurrentTasks   Type = "concurrent_tasks"
	TypeDailyTasks        Type = "daily_tasks"
	TypeStreamConnections Type = "stream_connections"
)

// ErrLimitExceeded is returned by Gate methods when a caller is over its
// plan's quota for the given Type.
type ErrLimitExceeded struct {
	Type    Type
	Limit   int
	Current int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("quota: %s limit exceeded (%d/%d)", e.Type, e.Current, e.Limit)
}

// UsageSource is the subset of internal/store's usage-tracking surface
// the quota gate needs, kept as an interface so this package stays free
// of a Postgres dependency.
type UsageSource interface {
	CountRunningTasks(ctx context.Context, tenantID string) (int, error)
	UsageForPeriod(ctx context.Context, tenantID string, at time.Time) (tasksCreated int64, err error)
}

// refillScript atomically consumes one token from tenantID's bucket,
// refilling it first based on elapsed time since the last refill, in a
// single round trip, per spec.md §4.4/§5 "atomic refill-and-consume via
// a single round-trip script". KEYS[1] is the bucket hash key; ARGV are
// rate (tokens/sec), burst (capacity), now (unix seconds), requested
// cost.
const refillScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
	tokens = burst
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate)

if tokens < cost then
	redis.call("HMSET", key, "tokens", tokens, "ts", now)
	redis.call("EXPIRE", key, 3600)
	return {0, tokens}
end

tokens = tokens - cost
redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)
return {1, tokens}
`

// Gate is the quota admission check, combining the Redis token bucket
// (burst-rate protection), a Redis open-stream counter (stream
// connections) and a UsageSource for the store-backed concurrent/daily
// counters.
type Gate struct {
	rdb    *redis.Client
	usage  UsageSource
	limits map[Plan]Limits
}

func New(rdb *redis.Client, usage UsageSource) *Gate {
	return &Gate{rdb: rdb, usage: usage, limits: LimitsByPlan()}
}

func bucketKey(tenantID string, plan Plan) string {
	return fmt.Sprintf("quota:bucket:%s:%s", plan, tenantID)
}

// ConsumeBurst runs the atomic refill-and-consume script against
// tenantID's bucket for plan, admitting the request if a token is
// available. rate/burst come from plan's limits, scaled so the daily
// cap is reachable at a steady rate over 24h.
func (g *Gate) ConsumeBurst(ctx context.Context, tenantID string, plan Plan, cost float64) (bool, error) {
	limits, ok := g.limits[plan]
	if !ok {
		return false, fmt.Errorf("quota: unknown plan %q", plan)
	}
	rate := float64(limits.DailyTasks) / 86400.0
	burst := float64(limits.ConcurrentTasks)

	res, err := g.rdb.Eval(ctx, refillScript, []string{bucketKey(tenantID, plan)},
		rate, burst, float64(time.Now().Unix()), cost).Result()
	if err != nil {
		return false, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return false, errors.New("quota: unexpected script result shape")
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}

// AdmitTask checks the concurrent-task and daily-task quotas for
// tenantID under plan before a new task is created, returning
// *ErrLimitExceeded on the first exceeded limit.
func (g *Gate) AdmitTask(ctx context.Context, tenantID string, plan Plan) error {
	limits, ok := g.limits[plan]
	if !ok {
		return fmt.Errorf("quota: unknown plan %q", plan)
	}

	running, err := g.usage.CountRunningTasks(ctx, tenantID)
	if err != nil {
		return err
	}
	if running >= limits.ConcurrentTasks {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(TypeConcurrentTasks)).Inc()
		return &ErrLimitExceeded{Type: TypeConcurrentTasks, Limit: limits.ConcurrentTasks, Current: running}
	}

	createdToday, err := g.usage.UsageForPeriod(ctx, tenantID, time.Now())
	if err != nil {
		return err
	}
	if int(createdToday) >= limits.DailyTasks {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(TypeDailyTasks)).Inc()
		return &ErrLimitExceeded{Type: TypeDailyTasks, Limit: limits.DailyTasks, Current: int(createdToday)}
	}

	allowed, err := g.ConsumeBurst(ctx, tenantID, plan, 1.0)
	if err != nil {
		return err
	}
	if !allowed {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(TypeDailyTasks)).Inc()
		return &ErrLimitExceeded{Type: TypeDailyTasks, Limit: limits.DailyTasks, Current: limits.DailyTasks}
	}
	return nil
}

// streamConnKey tracks the number of currently-open SSE subscriptions
// for tenantID as a simple Redis counter (incremented on connect,
// decremented on disconnect), rather than a token bucket, since stream
// connections are a concurrency cap, not a rate.
func streamConnKey(tenantID string) string { return "quota:streams:" + tenantID }

// AdmitStream increments tenantID's open-stream counter if under plan's
// StreamConnections limit, returning a release func the caller must
// invoke when the stream closes.
func (g *Gate) AdmitStream(ctx context.Context, tenantID string, plan Plan) (release func(context.Context) error, err error) {
	limits, ok := g.limits[plan]
	if !ok {
		return nil, fmt.Errorf("quota: unknown plan %q", plan)
	}
	key := streamConnKey(tenantID)
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if n > int64(limits.StreamConnections) {
		g.rdb.Decr(ctx, key)
		metrics.QuotaRejectionsTotal.WithLabelValues(string(TypeStreamConnections)).Inc()
		return nil, &ErrLimitExceeded{Type: TypeStreamConnections, Limit: limits.StreamConnections, Current: int(n)}
	}
	return func(ctx context.Context) error {
		return g.rdb.Decr(ctx, key).Err()
	}, nil
}
