package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cloudkeep/versionstore/internal/core"
)

// RedisQueue implements core.Queue on top of a Redis client: one sorted
// set per topic orders candidate messages by enqueue time, and one hash
// per message holds its mutable reservation state. Reserve/acknowledge/
// extend are each a single Lua script, the same atomic-compare-then-write
// shape internal/infrastructure/lock uses for its own CAS release and
// extend operations.
type RedisQueue struct {
	rdb       *redis.Client
	leaseTime time.Duration
	logger    *slog.Logger

	reserveScript *redis.Script
	ackScript     *redis.Script
	extendScript  *redis.Script
}

// NewRedisQueue creates a queue backed by rdb. leaseTime is the default
// reservation window handed out by ReserveNext.
func NewRedisQueue(rdb *redis.Client, leaseTime time.Duration, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTime <= 0 {
		leaseTime = 30 * time.Second
	}
	return &RedisQueue{
		rdb:       rdb,
		leaseTime: leaseTime,
		logger:    logger,

		reserveScript: redis.NewScript(reserveLua),
		ackScript:     redis.NewScript(ackLua),
		extendScript:  redis.NewScript(extendLua),
	}
}

func topicKey(topic string) string { return "queue:topic:" + topic }
func messageKey(id string) string  { return "queue:msg:" + id }

const reserveLua = `
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[3]) - 1)
for i = 1, #ids do
	local id = ids[i]
	local mkey = 'queue:msg:' .. id
	local ack = redis.call('HGET', mkey, 'ack')
	if ack ~= '1' then
		local curpid = redis.call('HGET', mkey, 'pid')
		local deadline = redis.call('HGET', mkey, 'lease_deadline')
		if curpid == false or curpid == '' or (deadline ~= false and tonumber(deadline) <= tonumber(ARGV[1])) then
			redis.call('HSET', mkey, 'pid', ARGV[2], 'lease_deadline', tostring(tonumber(ARGV[1]) + tonumber(ARGV[4])))
			return id
		end
	end
end
return false
`

const ackLua = `
local ack = redis.call('HGET', KEYS[1], 'ack')
if ack == '1' then
	return 'ok'
end
local curpid = redis.call('HGET', KEYS[1], 'pid')
if curpid ~= ARGV[1] then
	return 'wrong_owner'
end
local deadline = tonumber(redis.call('HGET', KEYS[1], 'lease_deadline'))
if deadline and deadline < tonumber(ARGV[2]) then
	return 'lease_expired'
end
redis.call('HSET', KEYS[1], 'ack', '1')
return 'ok'
`

const extendLua = `
local ack = redis.call('HGET', KEYS[1], 'ack')
if ack == '1' then
	return 'already_ack'
end
local curpid = redis.call('HGET', KEYS[1], 'pid')
if curpid ~= ARGV[1] then
	return 'wrong_owner'
end
local deadline = tonumber(redis.call('HGET', KEYS[1], 'lease_deadline'))
if deadline and deadline < tonumber(ARGV[2]) then
	return 'lease_expired'
end
if not deadline or tonumber(ARGV[3]) > deadline then
	redis.call('HSET', KEYS[1], 'lease_deadline', ARGV[3])
end
return 'ok'
`

// Send implements core.Queue.
func (q *RedisQueue) Send(ctx context.Context, topic string, body core.MessageBody) (string, error) {
	id := generateMessageID()
	if err := q.SendWithID(ctx, topic, id, body); err != nil {
		return "", err
	}
	return id, nil
}

// SendWithID implements core.Queue. A second call with an id already in
// use is a silent no-op.
func (q *RedisQueue) SendWithID(ctx context.Context, topic, id string, body core.MessageBody) error {
	mkey := messageKey(id)

	exists, err := q.rdb.Exists(ctx, mkey).Result()
	if err != nil {
		return core.WrapInternal("failed to check message existence", err)
	}
	if exists > 0 {
		return nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return core.WrapInternal("failed to encode message body", err)
	}

	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, mkey, map[string]interface{}{
		"topic":     topic,
		"timestamp": strconv.FormatInt(now.UnixNano(), 10),
		"body":      raw,
		"ack":       "0",
	})
	pipe.ZAdd(ctx, topicKey(topic), redis.Z{Score: float64(now.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapInternal("failed to enqueue message", err)
	}
	return nil
}

// ReserveNext implements core.Queue.
func (q *RedisQueue) ReserveNext(ctx context.Context, topic, pid string) (*core.Message, error) {
	now := time.Now().UTC()
	res, err := q.reserveScript.Run(ctx, q.rdb, []string{topicKey(topic)},
		now.UnixNano(), pid, 64, q.leaseTime.Nanoseconds()).Result()
	if err != nil {
		return nil, core.WrapInternal("failed to reserve message", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, core.ErrNoMessage
	}
	return q.loadMessage(ctx, topic, id)
}

func (q *RedisQueue) loadMessage(ctx context.Context, topic, id string) (*core.Message, error) {
	fields, err := q.rdb.HGetAll(ctx, messageKey(id)).Result()
	if err != nil {
		return nil, core.WrapInternal("failed to load reserved message", err)
	}
	return decodeMessage(id, topic, fields)
}

func decodeMessage(id, topic string, fields map[string]string) (*core.Message, error) {
	var body core.MessageBody
	if raw, ok := fields["body"]; ok {
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return nil, core.WrapInternal("failed to decode message body", err)
		}
	}

	m := &core.Message{ID: id, Topic: topic, Body: body}
	if ts, ok := fields["timestamp"]; ok {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			m.Timestamp = time.Unix(0, n).UTC()
		}
	}
	m.PID = fields["pid"]
	if dl, ok := fields["lease_deadline"]; ok {
		if n, err := strconv.ParseInt(dl, 10, 64); err == nil {
			m.LeaseDeadline = time.Unix(0, n).UTC()
		}
	}
	m.Ack = fields["ack"] == "1"
	return m, nil
}

// Acknowledge implements core.Queue. An already-acknowledged message
// returns success unconditionally, before the owner or lease is checked.
func (q *RedisQueue) Acknowledge(ctx context.Context, id, pid string) error {
	now := time.Now().UTC()
	res, err := q.ackScript.Run(ctx, q.rdb, []string{messageKey(id)}, pid, now.UnixNano()).Result()
	if err != nil {
		return core.WrapInternal("failed to acknowledge message", err)
	}
	return translateQueueOutcome(res)
}

// ExtendLease implements core.Queue.
func (q *RedisQueue) ExtendLease(ctx context.Context, id, pid string, leaseTime time.Duration) error {
	now := time.Now().UTC()
	deadline := now.Add(leaseTime).UnixNano()
	res, err := q.extendScript.Run(ctx, q.rdb, []string{messageKey(id)}, pid, now.UnixNano(), deadline).Result()
	if err != nil {
		return core.WrapInternal("failed to extend lease", err)
	}
	return translateQueueOutcome(res)
}

func translateQueueOutcome(res interface{}) error {
	outcome, _ := res.(string)
	switch outcome {
	case "ok":
		return nil
	case "wrong_owner":
		return core.ErrWrongOwner
	case "lease_expired":
		return core.ErrLeaseExpired
	case "already_ack":
		return core.ErrAlreadyAcknowledged
	default:
		return fmt.Errorf("queue: unrecognized script outcome %q", outcome)
	}
}

// List implements core.Queue. The topic sorted set is the source of
// candidate ids; any pagination-shaped fields a caller layers on top of
// ListFilter are the caller's concern.
func (q *RedisQueue) List(ctx context.Context, filter core.ListFilter) ([]*core.Message, error) {
	var topics []string
	if filter.Topic != "" {
		topics = []string{filter.Topic}
	} else {
		keys, err := q.rdb.Keys(ctx, "queue:topic:*").Result()
		if err != nil {
			return nil, core.WrapInternal("failed to list queue topics", err)
		}
		for _, k := range keys {
			topics = append(topics, k[len("queue:topic:"):])
		}
	}

	var out []*core.Message
	now := time.Now().UTC()
	for _, topic := range topics {
		ids, err := q.rdb.ZRange(ctx, topicKey(topic), 0, -1).Result()
		if err != nil {
			return nil, core.WrapInternal("failed to list queue messages", err)
		}
		for _, id := range ids {
			fields, err := q.rdb.HGetAll(ctx, messageKey(id)).Result()
			if err != nil {
				return nil, core.WrapInternal("failed to load queue message", err)
			}
			if len(fields) == 0 {
				continue
			}
			m, err := decodeMessage(id, topic, fields)
			if err != nil {
				return nil, err
			}
			if filter.PID != "" && m.PID != filter.PID {
				continue
			}
			if filter.Status != "" && filter.Status != core.QueueStatusAll && messageStatus(m, now) != filter.Status {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// Ping implements core.Queue.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func generateMessageID() string {
	return uuid.NewString()
}
