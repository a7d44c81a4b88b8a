// Package registry maps channel subscriptions to live connections and fans
// events out to every matching subscriber exactly once.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/protocol"
)

// Registry errors, mapped onto protocol error codes by the caller.
var (
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrInvalidParams      = errors.New("invalid params")
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// Target is a fan-out destination; implemented by connection.Conn. Enqueue
// must not block: it reports false when the message was dropped because the
// outbound buffer was full.
type Target interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Enqueue(env *protocol.Envelope, priority domain.Priority) bool
}

// subscription is one (connection, channel, params) tuple.
type subscription struct {
	target Target
	params map[string]string
}

// shard holds the subscriptions of the channels that hash into it.
// Tuples are keyed (connection id, channel, canonical params) so
// re-subscribing with identical parameters is idempotent.
type shard struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

const shardCount = 16

// Config bounds the registry.
type Config struct {
	// MaxPerConnection is the subscription ceiling per connection.
	MaxPerConnection int
	// MaxTotal caps registry-wide subscriptions; 0 means unbounded.
	MaxTotal int
}

// Registry is the concurrent subscription table, sharded by channel name so
// fan-out on one channel never contends with subscribes on another.
type Registry struct {
	shards [shardCount]*shard
	logger *zap.Logger
	cfg    Config

	// byConn indexes tuple keys per connection for synchronous teardown.
	connMu sync.Mutex
	byConn map[uuid.UUID][]string
	total  int
}

// New creates an empty registry.
func New(logger *zap.Logger, cfg Config) *Registry {
	r := &Registry{
		logger: logger,
		cfg:    cfg,
		byConn: make(map[uuid.UUID][]string),
	}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]*subscription)}
	}
	return r
}

func (r *Registry) shardFor(channel string) *shard {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return r.shards[h.Sum32()%shardCount]
}

func tupleKey(connID uuid.UUID, channel, paramsKey string) string {
	return connID.String() + "|" + channel + "|" + paramsKey
}

// Subscribe inserts the tuple after validating the channel name and its
// parameter schema. Identical re-subscription is a no-op success.
func (r *Registry) Subscribe(target Target, channel string, params map[string]string) error {
	if !protocol.KnownChannel(channel) {
		return ErrInvalidChannel
	}
	if err := protocol.ValidateParams(channel, params); err != nil {
		return ErrInvalidParams
	}

	key := tupleKey(target.ID(), channel, protocol.ParamsKey(params))

	r.connMu.Lock()
	existing := r.byConn[target.ID()]
	for _, k := range existing {
		if k == key {
			r.connMu.Unlock()
			return nil // idempotent re-subscribe
		}
	}
	if r.cfg.MaxPerConnection > 0 && len(existing) >= r.cfg.MaxPerConnection {
		r.connMu.Unlock()
		return ErrSubscriptionFailed
	}
	if r.cfg.MaxTotal > 0 && r.total >= r.cfg.MaxTotal {
		r.connMu.Unlock()
		return ErrSubscriptionFailed
	}
	r.byConn[target.ID()] = append(existing, key)
	r.total++
	r.connMu.Unlock()

	// Copy params so later caller mutation cannot corrupt matching.
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}

	s := r.shardFor(channel)
	s.mu.Lock()
	s.subs[key] = &subscription{target: target, params: copied}
	s.mu.Unlock()

	metrics.SubscriptionAdded()
	r.logger.Debug("subscription added",
		zap.String("connection_id", target.ID().String()),
		zap.String("channel", channel),
	)
	return nil
}

// Unsubscribe removes the matching tuple. Unknown tuples are a no-op.
func (r *Registry) Unsubscribe(connID uuid.UUID, channel string, params map[string]string) error {
	if !protocol.KnownChannel(channel) {
		return ErrInvalidChannel
	}
	key := tupleKey(connID, channel, protocol.ParamsKey(params))

	s := r.shardFor(channel)
	s.mu.Lock()
	_, found := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()

	if found {
		r.dropConnKey(connID, key)
		metrics.SubscriptionRemoved(1)
	}
	return nil
}

func (r *Registry) dropConnKey(connID uuid.UUID, key string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	keys := r.byConn[connID]
	for i, k := range keys {
		if k == key {
			r.byConn[connID] = append(keys[:i], keys[i+1:]...)
			r.total--
			break
		}
	}
	if len(r.byConn[connID]) == 0 {
		delete(r.byConn, connID)
	}
}

// RemoveConnection tears down every subscription of a closing connection.
// Called synchronously from the connection close path so no fan-out target
// outlives its connection.
func (r *Registry) RemoveConnection(connID uuid.UUID) {
	r.connMu.Lock()
	keys := r.byConn[connID]
	delete(r.byConn, connID)
	r.total -= len(keys)
	r.connMu.Unlock()

	if len(keys) == 0 {
		return
	}
	for i := range r.shards {
		s := r.shards[i]
		s.mu.Lock()
		for _, k := range keys {
			delete(s.subs, k)
		}
		s.mu.Unlock()
	}
	metrics.SubscriptionRemoved(len(keys))
}

// ConnectionCount returns the number of subscriptions held by a connection.
func (r *Registry) ConnectionCount(connID uuid.UUID) int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return len(r.byConn[connID])
}

// Fanout enqueues env on every connection subscribed to channel whose filter
// params match eventParams, exactly once per connection. Matching targets are
// snapshotted under the shard read lock, then enqueued outside it, so a
// concurrent subscribe or unsubscribe neither duplicates nor drops delivery
// to the connections present at fan-out start. Returns the delivered count.
func (r *Registry) Fanout(channel string, eventParams map[string]string, env *protocol.Envelope, priority domain.Priority) int {
	s := r.shardFor(channel)
	prefix := "|" + channel + "|"

	s.mu.RLock()
	seen := make(map[uuid.UUID]bool)
	targets := make([]Target, 0, len(s.subs))
	for key, sub := range s.subs {
		if !keyHasChannel(key, prefix) {
			continue
		}
		if !paramsMatch(sub.params, eventParams) {
			continue
		}
		if seen[sub.target.ID()] {
			continue // one copy per connection even with overlapping filters
		}
		seen[sub.target.ID()] = true
		targets = append(targets, sub.target)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if t.Enqueue(env, priority) {
			delivered++
		}
	}
	metrics.RecordFanout(channel, delivered)
	return delivered
}

// FanoutUser is Fanout restricted to one user's connections. The delivery
// orchestrator uses it for the in-app channel, where the notification
// targets a single user rather than every channel subscriber.
func (r *Registry) FanoutUser(channel string, userID uuid.UUID, env *protocol.Envelope, priority domain.Priority) int {
	s := r.shardFor(channel)
	prefix := "|" + channel + "|"

	s.mu.RLock()
	seen := make(map[uuid.UUID]bool)
	targets := make([]Target, 0, 4)
	for key, sub := range s.subs {
		if !keyHasChannel(key, prefix) {
			continue
		}
		if sub.target.UserID() != userID {
			continue
		}
		if seen[sub.target.ID()] {
			continue
		}
		seen[sub.target.ID()] = true
		targets = append(targets, sub.target)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if t.Enqueue(env, priority) {
			delivered++
		}
	}
	return delivered
}

func keyHasChannel(key, prefix string) bool {
	// key layout: <conn-uuid>|<channel>|<params>; uuids are fixed width.
	const uuidLen = 36
	if len(key) < uuidLen+len(prefix) {
		return false
	}
	return key[uuidLen:uuidLen+len(prefix)] == prefix
}

// paramsMatch reports whether every filter key in the subscription matches
// the event's parameter value exactly. A subscription with no filters
// matches every event on the channel.
func paramsMatch(filter, eventParams map[string]string) bool {
	for k, v := range filter {
		if eventParams[k] != v {
			return false
		}
	}
	return true
}
