// Package redis implements the interaction stack on Redis lists with
// companion hashes for the branch pointer, episode ids and artifact ref
// chaining. Branch switches are announced on a pub/sub side channel so
// interactive frontends can follow along.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultMaxLen bounds how many entries a branch retains; older
	// entries are trimmed on push.
	DefaultMaxLen = 2000

	// DefaultTTL is how long stack keys survive without mutation.
	DefaultTTL = 24 * time.Hour
)

// Auxiliary hash names, stored under "stack:{conv}:{agent}:<name>". The
// toolcall and agentcall hashes key fields per branch and id; the last-ref
// hashes key fields per branch only.
const (
	auxToolCallRef      = "toolcall_ref"
	auxAgentCallRef     = "agentcall_ref"
	auxLastAssistantRef = "last_assistant_ref"
	auxLastAgentCallRef = "last_agentcall_ref"
)

type (
	// Options configures the Store.
	Options struct {
		// Redis is the Redis client. Required.
		Redis *redis.Client
		// Publisher receives every pushed state as an artifact.
		// Optional; pushes proceed without it.
		Publisher stack.Publisher
		// Registrar lazily registers (conversation, agent) membership
		// on push. Optional.
		Registrar stack.Registrar
		// Logger receives push bookkeeping failures. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
		// MaxLen overrides DefaultMaxLen.
		MaxLen int
		// TTL overrides DefaultTTL.
		TTL time.Duration
	}

	// Store opens Redis-backed stacks.
	Store struct {
		rdb    *redis.Client
		pub    stack.Publisher
		reg    stack.Registrar
		logger telemetry.Logger
		maxLen int64
		ttl    time.Duration
	}

	redisStack struct {
		store        *Store
		conversation string
		agent        string
	}
)

var (
	_ stack.Store = (*Store)(nil)
	_ stack.Stack = (*redisStack)(nil)
)

// New builds a Store from the given options.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxLen := int64(opts.MaxLen)
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		rdb:    opts.Redis,
		pub:    opts.Publisher,
		reg:    opts.Registrar,
		logger: logger,
		maxLen: maxLen,
		ttl:    ttl,
	}, nil
}

// Open returns the stack view for one (conversation, agent) pair.
func (s *Store) Open(conversation, agent string) stack.Stack {
	return &redisStack{store: s, conversation: conversation, agent: agent}
}

// SwitchChannel returns the pub/sub channel on which branch switches for the
// given (conversation, agent) pair are announced. The message is the branch
// id that became current.
func SwitchChannel(conversation, agent string) string {
	return fmt.Sprintf("stack_switch:%s:%s", conversation, agent)
}

func (r *redisStack) Conversation() string { return r.conversation }

func (r *redisStack) Agent() string { return r.agent }

func (r *redisStack) baseKey() string {
	return fmt.Sprintf("stack:%s:%s", r.conversation, r.agent)
}

func (r *redisStack) listKey(branch string) string {
	if branch == stack.MainBranch {
		return r.baseKey()
	}
	return r.baseKey() + ":" + branch
}

func (r *redisStack) pointerKey() string { return r.baseKey() + ":branch" }

func (r *redisStack) episodeKey(branch string) string {
	return r.baseKey() + ":episode:" + branch
}

func (r *redisStack) auxKey(name string) string { return r.baseKey() + ":" + name }

// resolve maps the empty branch to the current one.
func (r *redisStack) resolve(ctx context.Context, branch string) (string, error) {
	if branch != "" {
		return branch, nil
	}
	return r.CurrentBranch(ctx)
}

// CurrentBranch returns the branch the pointer targets, "main" when unset.
func (r *redisStack) CurrentBranch(ctx context.Context) (string, error) {
	b, err := r.store.rdb.Get(ctx, r.pointerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return stack.MainBranch, nil
	}
	if err != nil {
		return "", fmt.Errorf("read branch pointer: %w", err)
	}
	return b, nil
}

// pushEntry is one state staged for append: its encoding, its artifact
// header and the aux hash mutations it implies.
type pushEntry struct {
	raw    []byte
	header artifact.Header
}

// auxOverlay layers pending hash writes from the current push batch over
// Redis so chaining within one batch observes earlier entries of the batch.
type auxOverlay struct {
	rdb    *redis.Client
	writes map[string]map[string]string
	dels   map[string]map[string]bool
}

func newAuxOverlay(rdb *redis.Client) *auxOverlay {
	return &auxOverlay{
		rdb:    rdb,
		writes: make(map[string]map[string]string),
		dels:   make(map[string]map[string]bool),
	}
}

func (o *auxOverlay) get(ctx context.Context, key, field string) (string, bool, error) {
	if m, ok := o.writes[key]; ok {
		if v, ok := m[field]; ok {
			return v, true, nil
		}
	}
	if d, ok := o.dels[key]; ok && d[field] {
		return "", false, nil
	}
	v, err := o.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read aux ref %s/%s: %w", key, field, err)
	}
	return v, true, nil
}

func (o *auxOverlay) set(key, field, value string) {
	m, ok := o.writes[key]
	if !ok {
		m = make(map[string]string)
		o.writes[key] = m
	}
	m[field] = value
	if d, ok := o.dels[key]; ok {
		delete(d, field)
	}
}

func (o *auxOverlay) del(key, field string) {
	if m, ok := o.writes[key]; ok {
		delete(m, field)
	}
	d, ok := o.dels[key]
	if !ok {
		d = make(map[string]bool)
		o.dels[key] = d
	}
	d[field] = true
}

func (o *auxOverlay) apply(ctx context.Context, pipe redis.Pipeliner) {
	for key, m := range o.writes {
		for field, v := range m {
			pipe.HSet(ctx, key, field, v)
		}
	}
	for key, d := range o.dels {
		for field := range d {
			pipe.HDel(ctx, key, field)
		}
	}
}

// Push appends states to the branch applying the Finished collapse rules,
// assigns artifact refs with parent chaining, and trims plus re-arms TTLs.
// The list write is atomic; registry and artifact bookkeeping follow it and
// are logged on failure, never returned.
func (r *redisStack) Push(ctx context.Context, branch string, states ...state.State) error {
	if len(states) == 0 {
		return nil
	}
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return err
	}
	key := r.listKey(b)

	top, haveTop, err := r.Current(ctx, b)
	if err != nil && !errors.Is(err, stack.ErrCorrupted) {
		return err
	}

	// Collapse Finished duplicates and pop a Finished top that a
	// non-Finished state lands on. popExisting can only ever reach one:
	// later pops remove states staged in this same batch.
	var toAppend []state.State
	popExisting := 0
	for _, st := range states {
		topFinished := haveTop && top != nil && top.Kind() == state.KindFinished
		if st.Kind() == state.KindFinished {
			if topFinished {
				continue
			}
		} else if topFinished {
			if n := len(toAppend); n > 0 && toAppend[n-1].Kind() == state.KindFinished {
				toAppend = toAppend[:n-1]
			} else {
				popExisting++
			}
		}
		toAppend = append(toAppend, st)
		top, haveTop = st, true
	}
	if len(toAppend) == 0 && popExisting == 0 {
		return nil
	}

	episode, err := r.Episode(ctx, b)
	if err != nil {
		return err
	}
	mintedEpisode := false
	if episode == "" {
		episode = artifact.ShortID()
		mintedEpisode = true
	}

	overlay := newAuxOverlay(r.store.rdb)
	entries := make([]pushEntry, 0, len(toAppend))
	for _, st := range toAppend {
		ref := artifact.NewRef()
		parents, err := r.chainRefs(ctx, overlay, b, ref, st)
		if err != nil {
			return err
		}
		raw, err := state.Encode(st)
		if err != nil {
			return fmt.Errorf("encode %s: %w", st.Kind(), err)
		}
		entries = append(entries, pushEntry{
			raw: raw,
			header: artifact.Header{
				Ref:          ref,
				Conversation: r.conversation,
				Agent:        r.agent,
				Branch:       b,
				Episode:      episode,
				Type:         string(st.Kind()),
				Parents:      parents,
				CreatedAt:    st.Timestamp(),
			},
		})
	}

	_, err = r.store.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if popExisting > 0 {
			pipe.RPop(ctx, key)
		}
		for _, e := range entries {
			pipe.RPush(ctx, key, e.raw)
		}
		overlay.apply(ctx, pipe)
		if mintedEpisode {
			pipe.Set(ctx, r.episodeKey(b), episode, r.store.ttl)
		}
		pipe.LTrim(ctx, key, -r.store.maxLen, -1)
		r.expireAll(ctx, pipe, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %d states: %w", len(entries), err)
	}

	if r.store.reg != nil {
		if _, err := r.store.reg.RegisterAgent(ctx, r.conversation, r.agent); err != nil {
			r.store.logger.Error(ctx, "register agent on push failed",
				"conversation", r.conversation, "agent", r.agent, "error", err)
		}
		if err := r.store.reg.Heartbeat(ctx, r.conversation, r.agent); err != nil {
			r.store.logger.Warn(ctx, "heartbeat on push failed",
				"conversation", r.conversation, "agent", r.agent, "error", err)
		}
	}

	if r.store.pub != nil {
		for _, e := range entries {
			if _, err := r.store.pub.Publish(ctx, e.header, e.raw); err != nil {
				r.store.logger.Warn(ctx, "artifact publish on push failed",
					"conversation", r.conversation, "agent", r.agent,
					"ref", e.header.Ref, "type", e.header.Type, "error", err)
			}
		}
	}
	return nil
}

// chainRefs records the new entry's ref in the aux hashes and returns the
// parent refs it links back to.
func (r *redisStack) chainRefs(ctx context.Context, overlay *auxOverlay, b, ref string, st state.State) ([]string, error) {
	switch v := st.(type) {
	case state.ToolCall:
		overlay.set(r.auxKey(auxToolCallRef), b+":"+v.ID, ref)
	case state.ToolResult:
		parent, ok, err := overlay.get(ctx, r.auxKey(auxToolCallRef), b+":"+v.ToolCallID)
		if err != nil {
			return nil, err
		}
		if ok {
			return []string{parent}, nil
		}
	case state.AgentCall:
		overlay.set(r.auxKey(auxLastAgentCallRef), b, ref)
	case state.Waiting:
		if v.WaitKind == state.WaitAgent && v.CorrelationID != "" {
			last, ok, err := overlay.get(ctx, r.auxKey(auxLastAgentCallRef), b)
			if err != nil {
				return nil, err
			}
			if ok {
				overlay.set(r.auxKey(auxAgentCallRef), b+":"+v.CorrelationID, last)
				overlay.del(r.auxKey(auxLastAgentCallRef), b)
			}
		}
	case state.AgentResult:
		parent, ok, err := overlay.get(ctx, r.auxKey(auxAgentCallRef), b+":"+v.CorrelationID)
		if err != nil {
			return nil, err
		}
		if ok {
			return []string{parent}, nil
		}
	case state.AssistantMessage:
		overlay.set(r.auxKey(auxLastAssistantRef), b, ref)
	}
	return nil, nil
}

// expireAll re-arms the TTL of every key belonging to this stack's branch.
func (r *redisStack) expireAll(ctx context.Context, pipe redis.Pipeliner, b string) {
	ttl := r.store.ttl
	pipe.Expire(ctx, r.listKey(b), ttl)
	pipe.Expire(ctx, r.pointerKey(), ttl)
	pipe.Expire(ctx, r.episodeKey(b), ttl)
	pipe.Expire(ctx, r.auxKey(auxToolCallRef), ttl)
	pipe.Expire(ctx, r.auxKey(auxAgentCallRef), ttl)
	pipe.Expire(ctx, r.auxKey(auxLastAssistantRef), ttl)
	pipe.Expire(ctx, r.auxKey(auxLastAgentCallRef), ttl)
}

// Pop removes up to n entries from the top of the current branch.
func (r *redisStack) Pop(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	b, err := r.CurrentBranch(ctx)
	if err != nil {
		return 0, err
	}
	key := r.listKey(b)
	vals, err := r.store.rdb.RPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pop %d: %w", n, err)
	}
	_, err = r.store.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		r.expireAll(ctx, pipe, b)
		return nil
	})
	if err != nil {
		return len(vals), fmt.Errorf("refresh ttl after pop: %w", err)
	}
	return len(vals), nil
}

// At reads the entry at index i; negative indexes count from the top.
func (r *redisStack) At(ctx context.Context, branch string, i int) (state.State, error) {
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return nil, err
	}
	raw, err := r.store.rdb.LIndex(ctx, r.listKey(b), int64(i)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("index %d: %w", i, stack.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read index %d: %w", i, err)
	}
	st, err := state.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("entry %d: %w: %v", i, stack.ErrCorrupted, err)
	}
	return st, nil
}

// Current reads the top entry; ok is false on an empty branch.
func (r *redisStack) Current(ctx context.Context, branch string) (state.State, bool, error) {
	st, err := r.At(ctx, branch, -1)
	if errors.Is(err, stack.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Len reports the branch length.
func (r *redisStack) Len(ctx context.Context, branch string) (int, error) {
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return 0, err
	}
	n, err := r.store.rdb.LLen(ctx, r.listKey(b)).Result()
	if err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return int(n), nil
}

// LastN returns the newest n entries of the current branch, oldest first.
func (r *redisStack) LastN(ctx context.Context, n int) ([]state.State, error) {
	if n <= 0 {
		return nil, nil
	}
	b, err := r.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	raws, err := r.store.rdb.LRange(ctx, r.listKey(b), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read last %d: %w", n, err)
	}
	states := make([]state.State, 0, len(raws))
	for i, raw := range raws {
		st, err := state.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w: %v", i, stack.ErrCorrupted, err)
		}
		states = append(states, st)
	}
	return states, nil
}

// Fork copies entries 0..=i of the current branch to a fresh branch, carries
// the episode and aux refs over, retargets the pointer and announces the
// switch.
func (r *redisStack) Fork(ctx context.Context, i int) (string, error) {
	b, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	key := r.listKey(b)
	length, err := r.store.rdb.LLen(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("fork: len: %w", err)
	}
	idx := int64(i)
	if idx < 0 {
		idx += length
	}
	if idx < 0 || idx >= length {
		return "", fmt.Errorf("fork at %d of %d: %w", i, length, stack.ErrNotFound)
	}

	raws, err := r.store.rdb.LRange(ctx, key, 0, idx).Result()
	if err != nil {
		return "", fmt.Errorf("fork: read entries: %w", err)
	}
	episode, err := r.Episode(ctx, b)
	if err != nil {
		return "", err
	}
	auxCopies, err := r.collectAuxCopies(ctx, b)
	if err != nil {
		return "", err
	}

	newBranch := artifact.ShortID()
	newKey := r.listKey(newBranch)
	_, err = r.store.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		vals := make([]any, len(raws))
		for j, raw := range raws {
			vals[j] = raw
		}
		pipe.RPush(ctx, newKey, vals...)
		for hash, fields := range auxCopies {
			for field, v := range fields {
				pipe.HSet(ctx, hash, rebranchField(field, b, newBranch), v)
			}
		}
		if episode != "" {
			pipe.Set(ctx, r.episodeKey(newBranch), episode, r.store.ttl)
		}
		pipe.Set(ctx, r.pointerKey(), newBranch, r.store.ttl)
		pipe.Expire(ctx, newKey, r.store.ttl)
		r.expireAll(ctx, pipe, b)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fork: %w", err)
	}
	r.announce(ctx, newBranch)
	return newBranch, nil
}

// collectAuxCopies gathers the aux hash fields scoped to branch b so a fork
// can duplicate them under the new branch.
func (r *redisStack) collectAuxCopies(ctx context.Context, b string) (map[string]map[string]string, error) {
	copies := make(map[string]map[string]string)
	for _, name := range []string{auxToolCallRef, auxAgentCallRef, auxLastAssistantRef, auxLastAgentCallRef} {
		key := r.auxKey(name)
		all, err := r.store.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read aux hash %s: %w", name, err)
		}
		for field, v := range all {
			if field == b || strings.HasPrefix(field, b+":") {
				if copies[key] == nil {
					copies[key] = make(map[string]string)
				}
				copies[key][field] = v
			}
		}
	}
	return copies, nil
}

// rebranchField rewrites an aux hash field from the source branch scope to
// the fork's scope.
func rebranchField(field, from, to string) string {
	if field == from {
		return to
	}
	return to + strings.TrimPrefix(field, from)
}

// Checkout retargets the current-branch pointer and announces the switch.
func (r *redisStack) Checkout(ctx context.Context, branch string) error {
	if branch != stack.MainBranch {
		exists, err := r.store.rdb.Exists(ctx, r.listKey(branch)).Result()
		if err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		if exists == 0 {
			return fmt.Errorf("checkout %s: %w", branch, stack.ErrNotFound)
		}
	}
	if err := r.store.rdb.Set(ctx, r.pointerKey(), branch, r.store.ttl).Err(); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	r.announce(ctx, branch)
	return nil
}

// Rewind truncates the current branch to entries 0..=i; a negative i empties
// the branch. Tool-call refs recorded for removed entries are dropped.
func (r *redisStack) Rewind(ctx context.Context, i int) error {
	b, err := r.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	key := r.listKey(b)

	from := int64(i) + 1
	if i < 0 {
		from = 0
	}
	raws, err := r.store.rdb.LRange(ctx, key, from, -1).Result()
	if err != nil {
		return fmt.Errorf("rewind: read removed: %w", err)
	}
	var dropFields []string
	for _, raw := range raws {
		st, err := state.Decode([]byte(raw))
		if err != nil {
			continue
		}
		if tc, ok := st.(state.ToolCall); ok {
			dropFields = append(dropFields, b+":"+tc.ID)
		}
	}

	_, err = r.store.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if i < 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.LTrim(ctx, key, 0, int64(i))
		}
		if len(dropFields) > 0 {
			pipe.HDel(ctx, r.auxKey(auxToolCallRef), dropFields...)
		}
		r.expireAll(ctx, pipe, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rewind to %d: %w", i, err)
	}
	return nil
}

// Branches discovers every branch of this stack. "main" is always reported
// and sorts first; the rest sort by id.
func (r *redisStack) Branches(ctx context.Context) ([]stack.BranchInfo, error) {
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	ids := map[string]bool{stack.MainBranch: true}
	iter := r.store.rdb.Scan(ctx, 0, r.baseKey()+":*", 100).Iterator()
	prefix := r.baseKey() + ":"
	for iter.Next(ctx) {
		suffix := strings.TrimPrefix(iter.Val(), prefix)
		switch suffix {
		case "branch", auxToolCallRef, auxAgentCallRef, auxLastAssistantRef, auxLastAgentCallRef:
			continue
		}
		if strings.Contains(suffix, ":") {
			// episode:{branch} and any other namespaced key.
			continue
		}
		ids[suffix] = true
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan branches: %w", err)
	}

	infos := make([]stack.BranchInfo, 0, len(ids))
	for id := range ids {
		length, err := r.Len(ctx, id)
		if err != nil {
			return nil, err
		}
		var lastTS float64
		if top, ok, err := r.Current(ctx, id); err == nil && ok {
			lastTS = top.Timestamp()
		}
		infos = append(infos, stack.BranchInfo{
			ID:        id,
			Length:    length,
			LastTS:    lastTS,
			IsCurrent: id == current,
		})
	}
	sort.Slice(infos, func(a, b int) bool {
		if infos[a].ID == stack.MainBranch {
			return true
		}
		if infos[b].ID == stack.MainBranch {
			return false
		}
		return infos[a].ID < infos[b].ID
	})
	return infos, nil
}

// Episode reads the branch's episode id, empty when none was minted yet.
func (r *redisStack) Episode(ctx context.Context, branch string) (string, error) {
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return "", err
	}
	ep, err := r.store.rdb.Get(ctx, r.episodeKey(b)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read episode: %w", err)
	}
	return ep, nil
}

// SetEpisode overrides the branch's episode id.
func (r *redisStack) SetEpisode(ctx context.Context, branch, episode string) error {
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return err
	}
	if err := r.store.rdb.Set(ctx, r.episodeKey(b), episode, r.store.ttl).Err(); err != nil {
		return fmt.Errorf("set episode: %w", err)
	}
	return nil
}

// LastAssistantRef reports the artifact ref of the branch's most recent
// assistant message.
func (r *redisStack) LastAssistantRef(ctx context.Context, branch string) (string, bool, error) {
	b, err := r.resolve(ctx, branch)
	if err != nil {
		return "", false, err
	}
	ref, err := r.store.rdb.HGet(ctx, r.auxKey(auxLastAssistantRef), b).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read last assistant ref: %w", err)
	}
	return ref, true, nil
}

// announce publishes the branch switch on the side channel. Failures are
// logged; the pointer update already happened.
func (r *redisStack) announce(ctx context.Context, branch string) {
	if err := r.store.rdb.Publish(ctx, SwitchChannel(r.conversation, r.agent), branch).Err(); err != nil {
		r.store.logger.Warn(ctx, "announce branch switch failed",
			"conversation", r.conversation, "agent", r.agent, "branch", branch, "error", err)
	}
}

// WatchSwitches follows branch-switch announcements across all stacks until
// ctx ends, invoking fn once per switch. The engine bridges these into the
// hooks bus so subscribers see live checkout activity.
func (s *Store) WatchSwitches(ctx context.Context, fn func(conversation, agent, branch string)) error {
	sub := s.rdb.PSubscribe(ctx, "stack_switch:*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rest, found := strings.CutPrefix(msg.Channel, "stack_switch:")
			if !found {
				continue
			}
			conversation, agent, found := strings.Cut(rest, ":")
			if !found {
				continue
			}
			fn(conversation, agent, msg.Payload)
		}
	}
}
