package budget

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"agentrouter/pkg/errors"
)

// Amounts are stored as integer nano-dollars so Lua arithmetic stays exact
const nanoExp = 9

const keyPrefix = "budget:"

var openScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'limit', ARGV[1], 'spent', 0, 'reserved', 0, 'exhausted', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
if redis.call('HGET', KEYS[1], 'exhausted') == '1' then
  return -1
end
local amount = tonumber(ARGV[1])
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved'))
if limit > 0 and spent + reserved + amount > limit then
  redis.call('HSET', KEYS[1], 'exhausted', 1)
  return -1
end
redis.call('HINCRBY', KEYS[1], 'reserved', amount)
redis.call('HSET', KEYS[1], 'hold:' .. ARGV[2], amount)
return 1
`)

var settleScript = redis.NewScript(`
local held = redis.call('HGET', KEYS[1], 'hold:' .. ARGV[1])
if not held then
  return -2
end
redis.call('HDEL', KEYS[1], 'hold:' .. ARGV[1])
redis.call('HINCRBY', KEYS[1], 'reserved', -tonumber(held))
redis.call('HINCRBY', KEYS[1], 'spent', tonumber(ARGV[2]))
return 1
`)

// RedisLedger shares session accounts between router instances.
// Every check-and-update runs as a single Lua script.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLedger creates a ledger whose accounts expire after ttl
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func toNanos(d decimal.Decimal) int64 {
	// Round up so a reservation never under-counts
	return d.Shift(nanoExp).Ceil().IntPart()
}

func fromNanos(n int64) decimal.Decimal {
	return decimal.New(n, -nanoExp)
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Open creates the account if it does not exist yet
func (l *RedisLedger) Open(ctx context.Context, sessionID string, limit decimal.Decimal) error {
	if err := openScript.Run(ctx, l.rdb, []string{key(sessionID)}, toNanos(limit), l.ttl.Milliseconds()).Err(); err != nil {
		return errors.Wrap(err, "open budget account")
	}
	return nil
}

// Reserve holds amount against the session budget
func (l *RedisLedger) Reserve(ctx context.Context, sessionID string, amount decimal.Decimal) (Reservation, error) {
	r := newReservation(sessionID, amount)
	res, err := reserveScript.Run(ctx, l.rdb, []string{key(sessionID)}, toNanos(amount), r.ID).Int()
	if err != nil {
		return Reservation{}, errors.Wrap(err, "reserve budget")
	}
	switch res {
	case -2:
		return Reservation{}, errors.Wrapf(errors.ErrNotFound, "budget account %s", sessionID)
	case -1:
		return Reservation{}, errors.Wrapf(errors.ErrBudgetExceeded, "session %s", sessionID)
	}
	return r, nil
}

// Settle releases the reservation and charges the actual cost
func (l *RedisLedger) Settle(ctx context.Context, r Reservation, actual decimal.Decimal) error {
	res, err := settleScript.Run(ctx, l.rdb, []string{key(r.SessionID)}, r.ID, toNanos(actual)).Int()
	if err != nil {
		return errors.Wrap(err, "settle budget")
	}
	if res == -2 {
		return errors.Wrapf(errors.ErrNotFound, "reservation %s", r.ID)
	}
	return nil
}

// Usage returns the account state
func (l *RedisLedger) Usage(ctx context.Context, sessionID string) (Usage, error) {
	vals, err := l.rdb.HMGet(ctx, key(sessionID), "limit", "spent", "reserved", "exhausted").Result()
	if err != nil {
		return Usage{}, errors.Wrap(err, "read budget account")
	}
	if vals[0] == nil {
		return Usage{}, errors.Wrapf(errors.ErrNotFound, "budget account %s", sessionID)
	}

	nums := make([]int64, 3)
	for i := range nums {
		if s, ok := vals[i].(string); ok {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return Usage{}, errors.Wrapf(err, "parse budget field %d", i)
			}
			nums[i] = d.IntPart()
		}
	}
	exhausted, _ := vals[3].(string)

	return Usage{
		Limit:     fromNanos(nums[0]),
		Spent:     fromNanos(nums[1]),
		Reserved:  fromNanos(nums[2]),
		Exhausted: exhausted == "1",
	}, nil
}

// Close drops the account
func (l *RedisLedger) Close(ctx context.Context, sessionID string) error {
	return l.rdb.Del(ctx, key(sessionID)).Err()
}
