package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultChannelPrefix  = "fairlock:watch:"
	defaultLeasePrefix    = "fairlock:lease:"
	redisWatchBuffer      = 64
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fairlock/v1/store")

// Lease bookkeeping lives under the lease prefix: "<id>" holds the TTL in
// milliseconds, "<id>:keys" is the set of keys attached to the lease and
// "bind:<key>" names the lease a key is currently bound to. Every key a
// script touches is passed in KEYS.

// txnScript evaluates the guards, then applies the chosen branch. Layout:
// ARGV[1] channel prefix, then the guard count followed by (key index, kind,
// value) triples, then the Then op count and its (kind, key index, value,
// lease, bind index, lease index, set index) tuples, then the Else count and
// tuples. Index 0 means the op needs no such key.
// Replies {succeeded, found1, value1, found2, value2, ...}.
var txnScript = redis.NewScript(`
local chan = ARGV[1]
local i = 2
local ncmp = tonumber(ARGV[i])
i = i + 1
local ok = true
for c = 1, ncmp do
  local key = KEYS[tonumber(ARGV[i])]
  local kind = ARGV[i + 1]
  local want = ARGV[i + 2]
  i = i + 3
  if ok then
    local cur = redis.call('GET', key)
    if kind == 'a' then
      if cur then ok = false end
    elseif kind == 'p' then
      if not cur then ok = false end
    else
      if (not cur) or cur ~= want then ok = false end
    end
  end
end
local nthen = tonumber(ARGV[i])
i = i + 1
local start = i
local n = nthen
i = i + nthen * 7
local nelse = tonumber(ARGV[i])
i = i + 1
if not ok then
  start = i
  n = nelse
end
for o = 0, n - 1 do
  local b = start + o * 7
  if ARGV[b] == 'p' and ARGV[b + 3] ~= '' then
    if redis.call('PTTL', KEYS[tonumber(ARGV[b + 5])]) <= 0 then
      return redis.error_reply('ERR lease not found')
    end
  end
end
local out = {0}
if ok then out[1] = 1 end
for o = 0, n - 1 do
  local b = start + o * 7
  local kind = ARGV[b]
  local key = KEYS[tonumber(ARGV[b + 1])]
  local val = ARGV[b + 2]
  local lease = ARGV[b + 3]
  if kind == 'p' then
    local bk = KEYS[tonumber(ARGV[b + 4])]
    redis.call('SET', key, val)
    if lease ~= '' then
      local lk = KEYS[tonumber(ARGV[b + 5])]
      local set = KEYS[tonumber(ARGV[b + 6])]
      local ttl = redis.call('PTTL', lk)
      redis.call('PEXPIRE', key, ttl)
      redis.call('SET', bk, lease, 'PX', ttl)
      redis.call('SADD', set, key)
      redis.call('PEXPIRE', set, ttl)
    else
      redis.call('DEL', bk)
    end
    redis.call('PUBLISH', chan .. key, 'P' .. val)
    out[#out + 1] = 1
    out[#out + 1] = ''
  elseif kind == 'd' then
    redis.call('DEL', KEYS[tonumber(ARGV[b + 4])])
    local removed = redis.call('DEL', key)
    if removed > 0 then
      redis.call('PUBLISH', chan .. key, 'D')
    end
    out[#out + 1] = removed
    out[#out + 1] = ''
  else
    local cur = redis.call('GET', key)
    if cur then
      out[#out + 1] = 1
      out[#out + 1] = cur
    else
      out[#out + 1] = 0
      out[#out + 1] = ''
    end
  end
end
return out
`)

// keepAliveScript refreshes the lease and the keys still bound to it, and
// drops members that expired or were rebound to another lease.
// KEYS[1] lease, KEYS[2] member set, then (key, bind key) pairs.
// ARGV[1] lease id. Replies 0 when the lease is gone.
var keepAliveScript = redis.NewScript(`
local ttl = redis.call('GET', KEYS[1])
if not ttl then
  return 0
end
ttl = tonumber(ttl)
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)
for j = 3, #KEYS, 2 do
  local k, bk = KEYS[j], KEYS[j + 1]
  if redis.call('GET', bk) == ARGV[1] then
    redis.call('PEXPIRE', k, ttl)
    redis.call('PEXPIRE', bk, ttl)
  else
    redis.call('SREM', KEYS[2], k)
  end
end
return 1
`)

// revokeScript deletes the lease and the given keys still bound to it,
// publishing a delete for each. It replies with the number of members left
// in the set; once the lease key is gone no key can join it.
// KEYS[1] lease, KEYS[2] member set, then (key, bind key) pairs.
// ARGV[1] channel prefix, ARGV[2] lease id.
var revokeScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
for j = 3, #KEYS, 2 do
  local k, bk = KEYS[j], KEYS[j + 1]
  if redis.call('GET', bk) == ARGV[2] then
    redis.call('DEL', bk)
    if redis.call('DEL', k) > 0 then
      redis.call('PUBLISH', ARGV[1] .. k, 'D')
    end
  end
  redis.call('SREM', KEYS[2], k)
end
local left = redis.call('SCARD', KEYS[2])
if left == 0 then
  redis.call('DEL', KEYS[2])
end
return left
`)

// Redis implements Store on a single Redis deployment. Transactions run as
// Lua scripts and every mutation is published on a per-key channel, which is
// what Watch subscribes to. Keys expiring with their lease publish nothing:
// watchers notice through a read.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	channel string
	leases  string
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
	channel string
	leases  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithChannelPrefix sets the pub/sub channel prefix used for key events.
func WithChannelPrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		o.channel = prefix
	}
}

// WithLeasePrefix sets the key prefix of lease bookkeeping.
func WithLeasePrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		o.leases = prefix
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout, channel: defaultChannelPrefix, leases: defaultLeasePrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout, channel: o.channel, leases: o.leases}
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fairerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return fairerrors.ErrConnectionClosed
	case strings.Contains(err.Error(), "lease not found"):
		return fairerrors.ErrLeaseNotFound
	default:
		return err
	}
}

func (s *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapRedisErr(err)
	}
	return data, true, nil
}

// Put implements Store.Put.
func (s *Redis) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	_, err := s.Txn(ctx, Txn{Then: []Op{PutOp(key, value, opts...)}})
	return err
}

// Delete implements Store.Delete.
func (s *Redis) Delete(ctx context.Context, key string) error {
	_, err := s.Txn(ctx, Txn{Then: []Op{DeleteOp(key)}})
	return err
}

// Txn implements Store.Txn.
func (s *Redis) Txn(ctx context.Context, txn Txn) (TxnResponse, error) {
	ctx, span := tracer.Start(ctx, "store.redis.Txn")
	defer span.End()
	span.SetAttributes(
		attribute.Int("txn.compares", len(txn.If)),
		attribute.Int("txn.then", len(txn.Then)),
		attribute.Int("txn.else", len(txn.Else)),
	)

	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return TxnResponse{}, err
	}
	defer cancel()

	keys, args := s.encodeTxn(txn)
	raw, err := txnScript.Run(cctx, s.client, keys, args...).Slice()
	if err != nil {
		span.RecordError(err)
		return TxnResponse{}, mapRedisErr(err)
	}
	resp, err := decodeTxnReply(raw)
	if err != nil {
		return TxnResponse{}, err
	}
	span.SetAttributes(attribute.Bool("txn.succeeded", resp.Succeeded))
	return resp, nil
}

func (s *Redis) encodeTxn(txn Txn) ([]string, []interface{}) {
	var keys []string
	index := make(map[string]int)
	slot := func(key string) string {
		if i, ok := index[key]; ok {
			return strconv.Itoa(i)
		}
		keys = append(keys, key)
		index[key] = len(keys)
		return strconv.Itoa(len(keys))
	}
	args := []interface{}{s.channel, len(txn.If)}
	for _, c := range txn.If {
		kind := "e"
		switch c.Kind {
		case CompareAbsent:
			kind = "a"
		case ComparePresent:
			kind = "p"
		}
		args = append(args, slot(c.Key), kind, string(c.Value))
	}
	for _, ops := range [][]Op{txn.Then, txn.Else} {
		args = append(args, len(ops))
		for _, op := range ops {
			kind, bind, lease, set := "g", "0", "0", "0"
			switch op.Kind {
			case OpPut:
				kind = "p"
				bind = slot(s.bindKey(op.Key))
				if op.Lease != NoLease {
					lease = slot(s.leaseKey(op.Lease))
					set = slot(s.memberKey(op.Lease))
				}
			case OpDelete:
				kind = "d"
				bind = slot(s.bindKey(op.Key))
			}
			args = append(args, kind, slot(op.Key), string(op.Value), string(op.Lease), bind, lease, set)
		}
	}
	return keys, args
}

func (s *Redis) leaseKey(id LeaseID) string  { return s.leases + string(id) }
func (s *Redis) memberKey(id LeaseID) string { return s.leases + string(id) + ":keys" }
func (s *Redis) bindKey(key string) string   { return s.leases + "bind:" + key }

// leaseKeys returns the KEYS of a keepalive or revoke script: the lease, its
// member set and a (key, bind key) pair per current member.
func (s *Redis) leaseKeys(ctx context.Context, id LeaseID) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.memberKey(id)).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	sort.Strings(members)
	keys := make([]string, 0, 2+2*len(members))
	keys = append(keys, s.leaseKey(id), s.memberKey(id))
	for _, k := range members {
		keys = append(keys, k, s.bindKey(k))
	}
	return keys, nil
}

func decodeTxnReply(raw []interface{}) (TxnResponse, error) {
	if len(raw) == 0 || len(raw)%2 != 1 {
		return TxnResponse{}, fmt.Errorf("redis txn: malformed reply of %d elements", len(raw))
	}
	ok, _ := raw[0].(int64)
	resp := TxnResponse{Succeeded: ok == 1, Results: make([]OpResult, 0, len(raw)/2)}
	for i := 1; i < len(raw); i += 2 {
		found, _ := raw[i].(int64)
		r := OpResult{Found: found > 0}
		if v, isStr := raw[i+1].(string); isStr && r.Found {
			r.Value = []byte(v)
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

// List implements Store.List. The scan is not atomic with respect to
// concurrent transactions.
func (s *Redis) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var keys []string
	iter := s.client.Scan(cctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(cctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	if len(keys) == 0 {
		return []KeyValue{}, nil
	}
	sort.Strings(keys)
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	out := make([]KeyValue, 0, len(keys))
	for i, k := range keys {
		v, ok := vals[i].(string)
		if !ok {
			continue
		}
		out = append(out, KeyValue{Key: k, Value: []byte(v)})
	}
	return out, nil
}

// Watch implements Store.Watch. The subscription is confirmed before it
// returns, so no event published afterwards is missed.
func (s *Redis) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.channel+key)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, mapRedisErr(err)
	}
	out := make(chan Event, redisWatchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, valid := decodeEvent(key, msg.Payload)
				if !valid {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeEvent(key, payload string) (Event, bool) {
	if payload == "" {
		return Event{}, false
	}
	switch payload[0] {
	case 'P':
		return Event{Type: EventPut, Key: key, Value: []byte(payload[1:])}, true
	case 'D':
		return Event{Type: EventDelete, Key: key}, true
	}
	return Event{}, false
}

// Grant implements Store.Grant.
func (s *Redis) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	if ttl < time.Millisecond {
		return NoLease, fmt.Errorf("grant: ttl must be at least 1ms, got %s", ttl)
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return NoLease, err
	}
	defer cancel()
	id := uuid.NewString()
	ms := ttl.Milliseconds()
	if err := s.client.Set(cctx, s.leases+id, ms, ttl).Err(); err != nil {
		return NoLease, mapRedisErr(err)
	}
	return LeaseID(id), nil
}

// KeepAlive implements Store.KeepAlive.
func (s *Redis) KeepAlive(ctx context.Context, id LeaseID) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	keys, err := s.leaseKeys(cctx, id)
	if err != nil {
		return err
	}
	n, err := keepAliveScript.Run(cctx, s.client, keys, string(id)).Int()
	if err != nil {
		return mapRedisErr(err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s: %w", id, fairerrors.ErrLeaseNotFound)
	}
	return nil
}

// revokeRounds bounds how often Revoke re-reads the member set. The first
// round deletes the lease key, so a second round only sees keys attached
// while the set was being read.
const revokeRounds = 3

// Revoke implements Store.Revoke.
func (s *Redis) Revoke(ctx context.Context, id LeaseID) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	for round := 0; round < revokeRounds; round++ {
		keys, err := s.leaseKeys(cctx, id)
		if err != nil {
			return err
		}
		left, err := revokeScript.Run(cctx, s.client, keys, s.channel, string(id)).Int()
		if err != nil {
			return mapRedisErr(err)
		}
		if left == 0 {
			return nil
		}
	}
	return fmt.Errorf("revoke lease %s: members still attached after %d rounds", id, revokeRounds)
}

var _ Store = (*Redis)(nil)
