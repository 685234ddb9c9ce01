// Package redis implements the session registry and reply mailbox on Redis.
// Tick advancement runs under optimistic concurrency: the driver watches the
// current waiting set plus the membership sets and retries on conflict; the
// tick write itself is idempotent so two drivers racing the same advance
// converge on the same state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/orchestra/runtime/conversation"
)

const (
	// DefaultTTL is how long session bookkeeping keys survive without
	// mutation.
	DefaultTTL = 24 * time.Hour

	// DefaultReplyTTL is how long a published system reply stays
	// readable.
	DefaultReplyTTL = time.Hour

	// activeSessionsKey is the global set of conversations with at least
	// one live agent.
	activeSessionsKey = "active_sessions"
)

type (
	// Options configures the Registry.
	Options struct {
		// Redis is the Redis client. Required.
		Redis *redis.Client
		// TTL overrides DefaultTTL.
		TTL time.Duration
		// ReplyTTL overrides DefaultReplyTTL.
		ReplyTTL time.Duration
	}

	// Registry implements conversation.Registry and conversation.Mailbox
	// on Redis.
	Registry struct {
		rdb      *redis.Client
		ttl      time.Duration
		replyTTL time.Duration
	}
)

var (
	_ conversation.Registry = (*Registry)(nil)
	_ conversation.Mailbox  = (*Registry)(nil)
)

// errTickMoved aborts an advance whose tick was bumped between the initial
// read and the watch.
var errTickMoved = errors.New("tick moved")

// New builds a Registry from the given options.
func New(opts Options) (*Registry, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	replyTTL := opts.ReplyTTL
	if replyTTL <= 0 {
		replyTTL = DefaultReplyTTL
	}
	return &Registry{rdb: opts.Redis, ttl: ttl, replyTTL: replyTTL}, nil
}

func sessionKey(conversation, suffix string) string {
	return fmt.Sprintf("session:%s:%s", conversation, suffix)
}

func agentsKey(conversation string) string   { return sessionKey(conversation, "agents") }
func finishedKey(conversation string) string { return sessionKey(conversation, "finished") }
func tickKey(conversation string) string     { return sessionKey(conversation, "tick") }
func metaKey(conversation string) string     { return sessionKey(conversation, "meta") }
func lastActiveKey(conversation string) string {
	return sessionKey(conversation, "agent_last_active")
}

func waitingKey(conversation string, tick int64) string {
	return sessionKey(conversation, "waiting:"+strconv.FormatInt(tick, 10))
}

func startTimeKey(conversation string, tick int64) string {
	return sessionKey(conversation, "tick:"+strconv.FormatInt(tick, 10)+":start_time")
}

func replyKey(conversation string) string { return "response:" + conversation }

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RegisterAgent adds the agent to the conversation, places the conversation
// in the active set and records a first heartbeat. It reports whether the
// agent was newly added.
func (r *Registry) RegisterAgent(ctx context.Context, conv, agent string) (bool, error) {
	var added *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, agentsKey(conv), agent)
		pipe.SAdd(ctx, activeSessionsKey, conv)
		pipe.HSet(ctx, lastActiveKey(conv), agent, nowUnix())
		pipe.Expire(ctx, agentsKey(conv), r.ttl)
		pipe.Expire(ctx, lastActiveKey(conv), r.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("register agent: %w", err)
	}
	return added.Val() == 1, nil
}

// UnregisterAgent removes the agent from the membership sets and the current
// waiting set. force also clears its heartbeat. When no live agents remain
// the conversation is retired.
func (r *Registry) UnregisterAgent(ctx context.Context, conv, agent string, force bool) error {
	tick, err := r.CurrentTick(ctx, conv)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, agentsKey(conv), agent)
		pipe.SRem(ctx, finishedKey(conv), agent)
		pipe.SRem(ctx, waitingKey(conv, tick), agent)
		if force {
			pipe.HDel(ctx, lastActiveKey(conv), agent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister agent: %w", err)
	}
	live, err := r.LiveAgents(ctx, conv)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return r.RetireSession(ctx, conv)
	}
	return nil
}

// Agents returns the registered agent ids, sorted.
func (r *Registry) Agents(ctx context.Context, conv string) ([]string, error) {
	return r.members(ctx, agentsKey(conv))
}

// MarkFinished adds the agent to the finished set and reports whether this
// was the first time.
func (r *Registry) MarkFinished(ctx context.Context, conv, agent string) (bool, error) {
	var added *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, finishedKey(conv), agent)
		pipe.Expire(ctx, finishedKey(conv), r.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark finished: %w", err)
	}
	return added.Val() == 1, nil
}

// Finished returns the finished agent ids, sorted.
func (r *Registry) Finished(ctx context.Context, conv string) ([]string, error) {
	return r.members(ctx, finishedKey(conv))
}

// IsFinished reports whether the agent is in the finished set.
func (r *Registry) IsFinished(ctx context.Context, conv, agent string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, finishedKey(conv), agent).Result()
	if err != nil {
		return false, fmt.Errorf("is finished: %w", err)
	}
	return ok, nil
}

// LiveAgents returns registered minus finished, sorted.
func (r *Registry) LiveAgents(ctx context.Context, conv string) ([]string, error) {
	live, err := r.rdb.SDiff(ctx, agentsKey(conv), finishedKey(conv)).Result()
	if err != nil {
		return nil, fmt.Errorf("live agents: %w", err)
	}
	sort.Strings(live)
	return live, nil
}

// CurrentTick returns the conversation's tick counter, zero when unset.
func (r *Registry) CurrentTick(ctx context.Context, conv string) (int64, error) {
	v, err := r.rdb.Get(ctx, tickKey(conv)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current tick: %w", err)
	}
	tick, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tick %q: %w", v, err)
	}
	return tick, nil
}

// TickStart returns the wall clock at which the tick opened, zero when
// unknown.
func (r *Registry) TickStart(ctx context.Context, conv string, tick int64) (float64, error) {
	v, err := r.rdb.Get(ctx, startTimeKey(conv, tick)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tick start: %w", err)
	}
	start, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tick start %q: %w", v, err)
	}
	return start, nil
}

// WaitingSet returns the agents still expected to act in the tick, sorted.
func (r *Registry) WaitingSet(ctx context.Context, conv string, tick int64) ([]string, error) {
	return r.members(ctx, waitingKey(conv, tick))
}

// ClearWaiting removes the agent from the tick's waiting set.
func (r *Registry) ClearWaiting(ctx context.Context, conv string, tick int64, agent string) error {
	if err := r.rdb.SRem(ctx, waitingKey(conv, tick), agent).Err(); err != nil {
		return fmt.Errorf("clear waiting: %w", err)
	}
	return nil
}

// Heartbeat records the agent as active now.
func (r *Registry) Heartbeat(ctx context.Context, conv, agent string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, lastActiveKey(conv), agent, nowUnix())
		pipe.Expire(ctx, lastActiveKey(conv), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// LastActive returns the agent's last heartbeat time; ok is false when none
// was ever recorded.
func (r *Registry) LastActive(ctx context.Context, conv, agent string) (float64, bool, error) {
	v, err := r.rdb.HGet(ctx, lastActiveKey(conv), agent).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last active: %w", err)
	}
	ts, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse last active %q: %w", v, err)
	}
	return ts, true, nil
}

// SetMeta merges the given values into the conversation metadata.
func (r *Registry) SetMeta(ctx context.Context, conv string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.HSet(ctx, metaKey(conv), k, v)
		}
		pipe.Expire(ctx, metaKey(conv), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

// Meta returns the conversation metadata map.
func (r *Registry) Meta(ctx context.Context, conv string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, metaKey(conv)).Result()
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	return m, nil
}

// MetaValue returns one metadata value; ok is false when the key is absent.
func (r *Registry) MetaValue(ctx context.Context, conv, key string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, metaKey(conv), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta value: %w", err)
	}
	return v, true, nil
}

// ActiveSessions returns the conversations with at least one live agent,
// sorted.
func (r *Registry) ActiveSessions(ctx context.Context) ([]string, error) {
	return r.members(ctx, activeSessionsKey)
}

// RetireSession removes the conversation from the active set and deletes its
// tick bookkeeping.
func (r *Registry) RetireSession(ctx context.Context, conv string) error {
	tick, err := r.CurrentTick(ctx, conv)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeSessionsKey, conv)
		pipe.Del(ctx, tickKey(conv))
		pipe.Del(ctx, waitingKey(conv, tick), waitingKey(conv, tick+1))
		pipe.Del(ctx, startTimeKey(conv, tick), startTimeKey(conv, tick+1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("retire session: %w", err)
	}
	return nil
}

// AdvanceTick attempts to move the conversation's barrier one tick forward.
// It blocks while agents from the current tick still owe a step,
// garbage-collects agents without a heartbeat, retires the conversation when
// no live agents remain and otherwise installs the next tick with its
// waiting set. Concurrent advances surface as Conflict.
func (r *Registry) AdvanceTick(ctx context.Context, conv string) (conversation.Advance, error) {
	tick, err := r.CurrentTick(ctx, conv)
	if err != nil {
		return conversation.Advance{}, err
	}

	var result conversation.Advance
	watch := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, tickKey(conv)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read tick: %w", err)
		}
		if !errors.Is(err, redis.Nil) {
			parsed, perr := strconv.ParseInt(cur, 10, 64)
			if perr != nil {
				return fmt.Errorf("parse tick %q: %w", cur, perr)
			}
			if parsed != tick {
				return errTickMoved
			}
		} else if tick != 0 {
			return errTickMoved
		}

		waiting, err := tx.SMembers(ctx, waitingKey(conv, tick)).Result()
		if err != nil {
			return fmt.Errorf("read waiting: %w", err)
		}
		finished, err := tx.SMembers(ctx, finishedKey(conv)).Result()
		if err != nil {
			return fmt.Errorf("read finished: %w", err)
		}
		registered, err := tx.SMembers(ctx, agentsKey(conv)).Result()
		if err != nil {
			return fmt.Errorf("read agents: %w", err)
		}

		finishedSet := toSet(finished)
		var pending []string
		for _, a := range waiting {
			if !finishedSet[a] {
				pending = append(pending, a)
			}
		}
		if len(pending) > 0 {
			sort.Strings(pending)
			result = conversation.Advance{Blocked: true, Tick: tick, Waiting: pending}
			return nil
		}

		// Sweep agents that registered but never heartbeated; they
		// count as finished from here on.
		var gced []string
		for _, a := range registered {
			if finishedSet[a] {
				continue
			}
			_, err := tx.HGet(ctx, lastActiveKey(conv), a).Result()
			if errors.Is(err, redis.Nil) {
				gced = append(gced, a)
				finishedSet[a] = true
				continue
			}
			if err != nil {
				return fmt.Errorf("read heartbeat: %w", err)
			}
		}
		sort.Strings(gced)

		var live []string
		for _, a := range registered {
			if !finishedSet[a] {
				live = append(live, a)
			}
		}
		sort.Strings(live)

		if len(live) == 0 {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(gced) > 0 {
					pipe.SAdd(ctx, finishedKey(conv), toAnys(gced)...)
				}
				pipe.SRem(ctx, activeSessionsKey, conv)
				pipe.Del(ctx, waitingKey(conv, tick+1))
				pipe.Del(ctx, startTimeKey(conv, tick+1))
				return nil
			})
			if err != nil {
				return err
			}
			result = conversation.Advance{Retired: true, Tick: tick, GCed: gced}
			return nil
		}

		next := tick + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(gced) > 0 {
				pipe.SAdd(ctx, finishedKey(conv), toAnys(gced)...)
				pipe.Expire(ctx, finishedKey(conv), r.ttl)
			}
			pipe.Set(ctx, tickKey(conv), strconv.FormatInt(next, 10), r.ttl)
			pipe.Del(ctx, waitingKey(conv, next))
			pipe.SAdd(ctx, waitingKey(conv, next), toAnys(live)...)
			pipe.Expire(ctx, waitingKey(conv, next), r.ttl)
			pipe.Set(ctx, startTimeKey(conv, next), strconv.FormatFloat(nowUnix(), 'f', -1, 64), r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = conversation.Advance{Advanced: true, Tick: next, Live: live, GCed: gced}
		return nil
	}

	err = r.rdb.Watch(ctx, watch, waitingKey(conv, tick), agentsKey(conv), finishedKey(conv))
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errTickMoved) {
		return conversation.Advance{Conflict: true, Tick: tick}, nil
	}
	if err != nil {
		return conversation.Advance{}, fmt.Errorf("advance tick: %w", err)
	}
	return result, nil
}

// PublishReply stores the conversation's latest system reply. The empty
// string is a valid reply meaning "finished without an answer".
func (r *Registry) PublishReply(ctx context.Context, conv, message string) error {
	if err := r.rdb.Set(ctx, replyKey(conv), message, r.replyTTL).Err(); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// LastReply returns the conversation's latest system reply.
func (r *Registry) LastReply(ctx context.Context, conv string) (string, error) {
	v, err := r.rdb.Get(ctx, replyKey(conv)).Result()
	if errors.Is(err, redis.Nil) {
		return "", conversation.ErrNoReply
	}
	if err != nil {
		return "", fmt.Errorf("last reply: %w", err)
	}
	return v, nil
}

func (r *Registry) members(ctx context.Context, key string) ([]string, error) {
	vals, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	sort.Strings(vals)
	return vals, nil
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

func toAnys(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
