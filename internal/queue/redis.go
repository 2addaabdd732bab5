package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcnelson/provisioner/internal/domain"
)

// claimScript moves expired leases back to the queue, then leases the
// oldest due message. It runs atomically, so two workers never claim the
// same message.
//
// KEYS[1] = queue zset (score: run at, ms)
// KEYS[2] = lease zset (score: lease until, ms)
// KEYS[3] = payload hash
// ARGV[1] = now (ms)
// ARGV[2] = lease until (ms)
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", "(" .. ARGV[1])
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("ZADD", KEYS[1], ARGV[1], id)
end

local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
    return nil
end

local id = due[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[2], ARGV[2], id)
return {id, redis.call("HGET", KEYS[3], id) or ""}
`)

// RedisBroker keeps messages in Redis: a sorted set of message ids by run
// time, a sorted set of leased ids by lease expiry, a hash of payloads and
// a dead-letter list.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBroker creates a broker whose keys all start with prefix.
func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) queueKey() string   { return b.prefix + ":queue" }
func (b *RedisBroker) leaseKey() string   { return b.prefix + ":leases" }
func (b *RedisBroker) payloadKey() string { return b.prefix + ":payloads" }
func (b *RedisBroker) deadKey() string    { return b.prefix + ":dead" }

func millis(t time.Time) float64 { return float64(t.UnixMilli()) }

func (b *RedisBroker) Enqueue(ctx context.Context, msg *domain.QueuedMessage) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.payloadKey(), msg.ID, msg.Payload)
		pipe.ZAdd(ctx, b.queueKey(), redis.Z{Score: millis(msg.RunAt), Member: msg.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueueing message %s: %w", msg.ID, err)
	}
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.queueKey(), b.leaseKey(), b.payloadKey()},
		now.UnixMilli(), leaseUntil.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claiming message: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	lease := leaseUntil
	return &domain.QueuedMessage{
		ID:         id,
		Payload:    []byte(payload),
		RunAt:      now,
		LeaseUntil: &lease,
		CreatedAt:  now,
	}, nil
}

func (b *RedisBroker) Reschedule(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.leaseKey(), id)
		pipe.HSet(ctx, b.payloadKey(), id, payload)
		pipe.ZAdd(ctx, b.queueKey(), redis.Z{Score: millis(runAt), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("rescheduling message %s: %w", id, err)
	}
	return nil
}

func (b *RedisBroker) Complete(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.leaseKey(), id)
		pipe.ZRem(ctx, b.queueKey(), id)
		pipe.HDel(ctx, b.payloadKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("completing message %s: %w", id, err)
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, id string, payload []byte, reason string, at time.Time) error {
	dead, err := json.Marshal(&domain.DeadMessage{ID: id, Payload: payload, Reason: reason, DeadAt: at})
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.leaseKey(), id)
		pipe.ZRem(ctx, b.queueKey(), id)
		pipe.HDel(ctx, b.payloadKey(), id)
		pipe.RPush(ctx, b.deadKey(), dead)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-lettering message %s: %w", id, err)
	}
	return nil
}

// DeadMessages returns the dead-letter list, oldest first.
func (b *RedisBroker) DeadMessages(ctx context.Context) ([]*domain.DeadMessage, error) {
	items, err := b.client.LRange(ctx, b.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead messages: %w", err)
	}
	out := make([]*domain.DeadMessage, 0, len(items))
	for _, item := range items {
		var d domain.DeadMessage
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, fmt.Errorf("decoding dead message: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
