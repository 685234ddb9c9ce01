// Package inmem implements the session registry and reply mailbox in
// process memory. It mirrors the Redis registry's semantics under a single
// mutex; AdvanceTick therefore never reports a conflict.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/orchestra/runtime/conversation"
)

type (
	// Registry implements conversation.Registry and conversation.Mailbox
	// in memory.
	Registry struct {
		mu      sync.Mutex
		convs   map[string]*convData
		active  map[string]bool
		replies map[string]string
		replied map[string]bool
	}

	convData struct {
		agents     map[string]bool
		finished   map[string]bool
		tick       int64
		waiting    map[int64]map[string]bool
		startTimes map[int64]float64
		lastActive map[string]float64
		meta       map[string]string
	}
)

var (
	_ conversation.Registry = (*Registry)(nil)
	_ conversation.Mailbox  = (*Registry)(nil)
)

// New builds an empty in-memory registry.
func New() *Registry {
	return &Registry{
		convs:   make(map[string]*convData),
		active:  make(map[string]bool),
		replies: make(map[string]string),
		replied: make(map[string]bool),
	}
}

func (r *Registry) data(conv string) *convData {
	d, ok := r.convs[conv]
	if !ok {
		d = &convData{
			agents:     make(map[string]bool),
			finished:   make(map[string]bool),
			waiting:    make(map[int64]map[string]bool),
			startTimes: make(map[int64]float64),
			lastActive: make(map[string]float64),
			meta:       make(map[string]string),
		}
		r.convs[conv] = d
	}
	return d
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RegisterAgent adds the agent, marks the conversation active and records a
// first heartbeat.
func (r *Registry) RegisterAgent(_ context.Context, conv, agent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	first := !d.agents[agent]
	d.agents[agent] = true
	d.lastActive[agent] = nowUnix()
	r.active[conv] = true
	return first, nil
}

// UnregisterAgent removes the agent from all membership sets; retires the
// conversation when no live agents remain.
func (r *Registry) UnregisterAgent(_ context.Context, conv, agent string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	delete(d.agents, agent)
	delete(d.finished, agent)
	if w := d.waiting[d.tick]; w != nil {
		delete(w, agent)
	}
	if force {
		delete(d.lastActive, agent)
	}
	if len(r.liveLocked(d)) == 0 {
		r.retireLocked(conv, d)
	}
	return nil
}

// Agents returns the registered agent ids, sorted.
func (r *Registry) Agents(_ context.Context, conv string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.data(conv).agents), nil
}

// MarkFinished adds the agent to the finished set; reports first time.
func (r *Registry) MarkFinished(_ context.Context, conv, agent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	first := !d.finished[agent]
	d.finished[agent] = true
	return first, nil
}

// Finished returns the finished agent ids, sorted.
func (r *Registry) Finished(_ context.Context, conv string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.data(conv).finished), nil
}

// IsFinished reports whether the agent finished.
func (r *Registry) IsFinished(_ context.Context, conv, agent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data(conv).finished[agent], nil
}

// LiveAgents returns registered minus finished, sorted.
func (r *Registry) LiveAgents(_ context.Context, conv string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(r.data(conv)), nil
}

func (r *Registry) liveLocked(d *convData) []string {
	var live []string
	for a := range d.agents {
		if !d.finished[a] {
			live = append(live, a)
		}
	}
	sort.Strings(live)
	return live
}

// CurrentTick returns the tick counter.
func (r *Registry) CurrentTick(_ context.Context, conv string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data(conv).tick, nil
}

// TickStart returns the wall clock at which the tick opened, zero when
// unknown.
func (r *Registry) TickStart(_ context.Context, conv string, tick int64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data(conv).startTimes[tick], nil
}

// WaitingSet returns the agents still expected to act in the tick, sorted.
func (r *Registry) WaitingSet(_ context.Context, conv string, tick int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.data(conv).waiting[tick]), nil
}

// ClearWaiting removes the agent from the tick's waiting set.
func (r *Registry) ClearWaiting(_ context.Context, conv string, tick int64, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.data(conv).waiting[tick]; w != nil {
		delete(w, agent)
	}
	return nil
}

// Heartbeat records the agent as active now.
func (r *Registry) Heartbeat(_ context.Context, conv, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data(conv).lastActive[agent] = nowUnix()
	return nil
}

// ClearHeartbeat drops the agent's heartbeat. Test helper for exercising
// the garbage collection sweep.
func (r *Registry) ClearHeartbeat(conv, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data(conv).lastActive, agent)
}

// LastActive returns the agent's last heartbeat time.
func (r *Registry) LastActive(_ context.Context, conv, agent string) (float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.data(conv).lastActive[agent]
	return ts, ok, nil
}

// SetMeta merges the given values into the conversation metadata.
func (r *Registry) SetMeta(_ context.Context, conv string, values map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	for k, v := range values {
		d.meta[k] = v
	}
	return nil
}

// Meta returns a copy of the conversation metadata.
func (r *Registry) Meta(_ context.Context, conv string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	out := make(map[string]string, len(d.meta))
	for k, v := range d.meta {
		out[k] = v
	}
	return out, nil
}

// MetaValue returns one metadata value.
func (r *Registry) MetaValue(_ context.Context, conv, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data(conv).meta[key]
	return v, ok, nil
}

// ActiveSessions returns the conversations with at least one live agent,
// sorted.
func (r *Registry) ActiveSessions(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.active), nil
}

// RetireSession removes the conversation from the active set and resets its
// tick bookkeeping.
func (r *Registry) RetireSession(_ context.Context, conv string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retireLocked(conv, r.data(conv))
	return nil
}

func (r *Registry) retireLocked(conv string, d *convData) {
	delete(r.active, conv)
	delete(d.waiting, d.tick)
	delete(d.waiting, d.tick+1)
	delete(d.startTimes, d.tick)
	delete(d.startTimes, d.tick+1)
	d.tick = 0
}

// AdvanceTick moves the barrier one tick forward following the same rules
// as the Redis registry.
func (r *Registry) AdvanceTick(_ context.Context, conv string) (conversation.Advance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data(conv)
	tick := d.tick

	var pending []string
	for a := range d.waiting[tick] {
		if !d.finished[a] {
			pending = append(pending, a)
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return conversation.Advance{Blocked: true, Tick: tick, Waiting: pending}, nil
	}

	var gced []string
	for a := range d.agents {
		if d.finished[a] {
			continue
		}
		if _, ok := d.lastActive[a]; !ok {
			gced = append(gced, a)
			d.finished[a] = true
		}
	}
	sort.Strings(gced)

	live := r.liveLocked(d)
	if len(live) == 0 {
		r.retireLocked(conv, d)
		return conversation.Advance{Retired: true, Tick: tick, GCed: gced}, nil
	}

	next := tick + 1
	d.tick = next
	w := make(map[string]bool, len(live))
	for _, a := range live {
		w[a] = true
	}
	d.waiting[next] = w
	d.startTimes[next] = nowUnix()
	return conversation.Advance{Advanced: true, Tick: next, Live: live, GCed: gced}, nil
}

// PublishReply stores the conversation's latest system reply.
func (r *Registry) PublishReply(_ context.Context, conv, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[conv] = message
	r.replied[conv] = true
	return nil
}

// LastReply returns the conversation's latest system reply.
func (r *Registry) LastReply(_ context.Context, conv string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.replied[conv] {
		return "", conversation.ErrNoReply
	}
	return r.replies[conv], nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
