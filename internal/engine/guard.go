package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FireKey identifies one (rule, product) firing and the limits that apply.
type FireKey struct {
	RuleID    string
	ProductID string
	Cooldown  time.Duration
	MaxPerDay int
}

// FiringGuard makes the cooldown check, the daily cap check and the
// provisional "fired" record one atomic step. TryFire returns nil on
// acceptance, ErrCooldownActive or ErrDailyCapReached on rejection.
type FiringGuard interface {
	TryFire(ctx context.Context, k FireKey, now time.Time) error
	// Release undoes an accepted firing that never turned into work.
	Release(ctx context.Context, k FireKey, firedAt time.Time) error
}

func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// MemoryGuard is a single-process FiringGuard. Entries are swept once their
// cooldown has passed and their UTC day is over.
type MemoryGuard struct {
	mu        sync.Mutex
	lastFired map[string]memoryFiring
	prevFired map[string]memoryFiring
	daily     map[ruleDay]int
	lastSweep time.Time
}

type memoryFiring struct {
	at       time.Time
	cooldown time.Duration
}

func (f memoryFiring) expired(now time.Time) bool {
	return now.Sub(f.at) >= f.cooldown && dayKey(f.at) != dayKey(now)
}

type ruleDay struct {
	ruleID string
	day    string
}

const memoryGuardSweepEvery = time.Minute

// NewMemoryGuard creates an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		lastFired: make(map[string]memoryFiring),
		prevFired: make(map[string]memoryFiring),
		daily:     make(map[ruleDay]int),
	}
}

func (g *MemoryGuard) TryFire(_ context.Context, k FireKey, now time.Time) error {
	pair := k.RuleID + "|" + k.ProductID
	day := ruleDay{ruleID: k.RuleID, day: dayKey(now)}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweep(now)

	last, seen := g.lastFired[pair]
	if k.Cooldown > 0 && seen && now.Sub(last.at) < k.Cooldown {
		return ErrCooldownActive
	}
	if k.MaxPerDay > 0 && g.daily[day] >= k.MaxPerDay {
		return ErrDailyCapReached
	}
	if seen {
		g.prevFired[pair] = last
	} else {
		delete(g.prevFired, pair)
	}
	g.lastFired[pair] = memoryFiring{at: now, cooldown: k.Cooldown}
	g.daily[day]++
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, k FireKey, firedAt time.Time) error {
	pair := k.RuleID + "|" + k.ProductID
	day := ruleDay{ruleID: k.RuleID, day: dayKey(firedAt)}

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastFired[pair]; !ok || !last.at.Equal(firedAt) {
		return nil
	}
	if prev, ok := g.prevFired[pair]; ok {
		g.lastFired[pair] = prev
		delete(g.prevFired, pair)
	} else {
		delete(g.lastFired, pair)
	}
	if g.daily[day] > 0 {
		g.daily[day]--
	}
	return nil
}

// sweep drops counters of past days and firings that no longer gate
// anything. Callers hold g.mu.
func (g *MemoryGuard) sweep(now time.Time) {
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < memoryGuardSweepEvery && dayKey(now) == dayKey(g.lastSweep) {
		return
	}
	g.lastSweep = now
	today := dayKey(now)
	for d := range g.daily {
		if d.day != today {
			delete(g.daily, d)
		}
	}
	for pair, f := range g.lastFired {
		if f.expired(now) {
			delete(g.lastFired, pair)
			delete(g.prevFired, pair)
		}
	}
	for pair, f := range g.prevFired {
		if f.expired(now) {
			delete(g.prevFired, pair)
		}
	}
}

func (g *MemoryGuard) sizes() (fired, prev, days int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastFired), len(g.prevFired), len(g.daily)
}

// RedisGuard is a FiringGuard shared by every process on the same Redis.
// The cooldown is a key whose TTL equals the cooldown; the daily cap is a
// per-rule counter that expires after two days.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard creates a guard storing keys under prefix (default "reprice").
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "reprice"
	}
	return &RedisGuard{client: client, prefix: prefix}
}

const (
	fireAccepted = 0
	fireCooldown = 1
	fireCapped   = 2
)

var tryFireScript = redis.NewScript(`
local cooldown = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
if cooldown > 0 and redis.call("EXISTS", KEYS[1]) == 1 then
	return 1
end
if cap > 0 then
	local n = tonumber(redis.call("GET", KEYS[2]) or "0")
	if n >= cap then
		return 2
	end
end
if cooldown > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
redis.call("INCR", KEYS[2])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return 0`)

var releaseFireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
local n = tonumber(redis.call("GET", KEYS[2]) or "0")
if n > 0 then
	redis.call("DECR", KEYS[2])
end
return 0`)

func (g *RedisGuard) keys(k FireKey, at time.Time) []string {
	return []string{
		fmt.Sprintf("%s:cooldown:%s:%s", g.prefix, k.RuleID, k.ProductID),
		fmt.Sprintf("%s:daily:%s:%s", g.prefix, k.RuleID, dayKey(at)),
	}
}

func (g *RedisGuard) TryFire(ctx context.Context, k FireKey, now time.Time) error {
	res, err := tryFireScript.Run(ctx, g.client, g.keys(k, now),
		now.UnixMilli(), k.Cooldown.Milliseconds(), k.MaxPerDay, int((48 * time.Hour).Seconds())).Int()
	if err != nil {
		return fmt.Errorf("try fire %s/%s: %w", k.RuleID, k.ProductID, err)
	}
	switch res {
	case fireCooldown:
		return ErrCooldownActive
	case fireCapped:
		return ErrDailyCapReached
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, k FireKey, firedAt time.Time) error {
	if err := releaseFireScript.Run(ctx, g.client, g.keys(k, firedAt), firedAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("release fire %s/%s: %w", k.RuleID, k.ProductID, err)
	}
	return nil
}
