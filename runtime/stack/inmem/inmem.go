// Package inmem implements the interaction stack in process memory. It
// mirrors the Redis store's behavior, including storing entries in encoded
// form, so tests exercise the same codec paths production does.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

// DefaultMaxLen bounds how many entries a branch retains.
const DefaultMaxLen = 2000

const (
	auxToolCallRef      = "toolcall_ref"
	auxAgentCallRef     = "agentcall_ref"
	auxLastAssistantRef = "last_assistant_ref"
	auxLastAgentCallRef = "last_agentcall_ref"
)

type (
	// Options configures the Store.
	Options struct {
		// Publisher receives every pushed state as an artifact.
		// Optional.
		Publisher stack.Publisher
		// Registrar lazily registers (conversation, agent) membership
		// on push. Optional.
		Registrar stack.Registrar
		// Logger receives push bookkeeping failures. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
		// MaxLen overrides DefaultMaxLen.
		MaxLen int
	}

	// Store opens in-memory stacks. The zero value is not usable; call
	// New.
	Store struct {
		mu       sync.Mutex
		pub      stack.Publisher
		reg      stack.Registrar
		logger   telemetry.Logger
		maxLen   int
		stacks   map[string]*stackData
		switches map[string][]string
	}

	stackData struct {
		branches map[string][][]byte
		pointer  string
		episodes map[string]string
		aux      map[string]map[string]string
	}

	memStack struct {
		store        *Store
		conversation string
		agent        string
	}
)

var (
	_ stack.Store = (*Store)(nil)
	_ stack.Stack = (*memStack)(nil)
)

// New builds an in-memory stack store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Store{
		pub:      opts.Publisher,
		reg:      opts.Registrar,
		logger:   logger,
		maxLen:   maxLen,
		stacks:   make(map[string]*stackData),
		switches: make(map[string][]string),
	}
}

// Open returns the stack view for one (conversation, agent) pair.
func (s *Store) Open(conversation, agent string) stack.Stack {
	return &memStack{store: s, conversation: conversation, agent: agent}
}

// Switches returns the branch-switch announcements recorded for the pair in
// order. Test helper.
func (s *Store) Switches(conversation, agent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	recorded := s.switches[conversation+"\x00"+agent]
	out := make([]string, len(recorded))
	copy(out, recorded)
	return out
}

func (s *Store) data(conversation, agent string) *stackData {
	key := conversation + "\x00" + agent
	d, ok := s.stacks[key]
	if !ok {
		d = &stackData{
			branches: make(map[string][][]byte),
			pointer:  stack.MainBranch,
			episodes: make(map[string]string),
			aux:      make(map[string]map[string]string),
		}
		s.stacks[key] = d
	}
	return d
}

func (d *stackData) auxGet(name, field string) (string, bool) {
	m, ok := d.aux[name]
	if !ok {
		return "", false
	}
	v, ok := m[field]
	return v, ok
}

func (d *stackData) auxSet(name, field, value string) {
	m, ok := d.aux[name]
	if !ok {
		m = make(map[string]string)
		d.aux[name] = m
	}
	m[field] = value
}

func (d *stackData) auxDel(name, field string) {
	if m, ok := d.aux[name]; ok {
		delete(m, field)
	}
}

func (m *memStack) Conversation() string { return m.conversation }

func (m *memStack) Agent() string { return m.agent }

func (m *memStack) resolve(d *stackData, branch string) string {
	if branch == "" {
		return d.pointer
	}
	return branch
}

// Push appends states applying the Finished collapse rules and publishes
// each appended state to the artifact bus.
func (m *memStack) Push(ctx context.Context, branch string, states ...state.State) error {
	if len(states) == 0 {
		return nil
	}

	type pubItem struct {
		header artifact.Header
		raw    []byte
	}
	var pubs []pubItem

	m.store.mu.Lock()
	d := m.store.data(m.conversation, m.agent)
	b := m.resolve(d, branch)
	list := d.branches[b]

	var top state.State
	if len(list) > 0 {
		if st, err := state.Decode(list[len(list)-1]); err == nil {
			top = st
		}
	}

	var toAppend []state.State
	popExisting := 0
	for _, st := range states {
		topFinished := top != nil && top.Kind() == state.KindFinished
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
		top = st
	}
	if len(toAppend) == 0 && popExisting == 0 {
		m.store.mu.Unlock()
		return nil
	}

	if popExisting > 0 && len(list) > 0 {
		list = list[:len(list)-1]
	}

	episode := d.episodes[b]
	if episode == "" {
		episode = artifact.ShortID()
		d.episodes[b] = episode
	}

	for _, st := range toAppend {
		ref := artifact.NewRef()
		parents := m.chainRefs(d, b, ref, st)
		raw, err := state.Encode(st)
		if err != nil {
			m.store.mu.Unlock()
			return fmt.Errorf("encode %s: %w", st.Kind(), err)
		}
		list = append(list, raw)
		pubs = append(pubs, pubItem{
			header: artifact.Header{
				Ref:          ref,
				Conversation: m.conversation,
				Agent:        m.agent,
				Branch:       b,
				Episode:      episode,
				Type:         string(st.Kind()),
				Parents:      parents,
				CreatedAt:    st.Timestamp(),
			},
			raw: raw,
		})
	}
	if len(list) > m.store.maxLen {
		list = list[len(list)-m.store.maxLen:]
	}
	d.branches[b] = list
	m.store.mu.Unlock()

	if m.store.reg != nil {
		if _, err := m.store.reg.RegisterAgent(ctx, m.conversation, m.agent); err != nil {
			m.store.logger.Error(ctx, "register agent on push failed",
				"conversation", m.conversation, "agent", m.agent, "error", err)
		}
		if err := m.store.reg.Heartbeat(ctx, m.conversation, m.agent); err != nil {
			m.store.logger.Warn(ctx, "heartbeat on push failed",
				"conversation", m.conversation, "agent", m.agent, "error", err)
		}
	}
	if m.store.pub != nil {
		for _, p := range pubs {
			if _, err := m.store.pub.Publish(ctx, p.header, p.raw); err != nil {
				m.store.logger.Warn(ctx, "artifact publish on push failed",
					"conversation", m.conversation, "agent", m.agent,
					"ref", p.header.Ref, "type", p.header.Type, "error", err)
			}
		}
	}
	return nil
}

func (m *memStack) chainRefs(d *stackData, b, ref string, st state.State) []string {
	switch v := st.(type) {
	case state.ToolCall:
		d.auxSet(auxToolCallRef, b+":"+v.ID, ref)
	case state.ToolResult:
		if parent, ok := d.auxGet(auxToolCallRef, b+":"+v.ToolCallID); ok {
			return []string{parent}
		}
	case state.AgentCall:
		d.auxSet(auxLastAgentCallRef, b, ref)
	case state.Waiting:
		if v.WaitKind == state.WaitAgent && v.CorrelationID != "" {
			if last, ok := d.auxGet(auxLastAgentCallRef, b); ok {
				d.auxSet(auxAgentCallRef, b+":"+v.CorrelationID, last)
				d.auxDel(auxLastAgentCallRef, b)
			}
		}
	case state.AgentResult:
		if parent, ok := d.auxGet(auxAgentCallRef, b+":"+v.CorrelationID); ok {
			return []string{parent}
		}
	case state.AssistantMessage:
		d.auxSet(auxLastAssistantRef, b, ref)
	}
	return nil
}

// Pop removes up to n entries from the top of the current branch.
func (m *memStack) Pop(_ context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	list := d.branches[d.pointer]
	if n > len(list) {
		n = len(list)
	}
	d.branches[d.pointer] = list[:len(list)-n]
	return n, nil
}

// At reads the entry at index i; negative indexes count from the top.
func (m *memStack) At(_ context.Context, branch string, i int) (state.State, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	list := d.branches[m.resolve(d, branch)]
	idx := i
	if idx < 0 {
		idx += len(list)
	}
	if idx < 0 || idx >= len(list) {
		return nil, fmt.Errorf("index %d: %w", i, stack.ErrNotFound)
	}
	st, err := state.Decode(list[idx])
	if err != nil {
		return nil, fmt.Errorf("entry %d: %w: %v", i, stack.ErrCorrupted, err)
	}
	return st, nil
}

// Current reads the top entry; ok is false on an empty branch.
func (m *memStack) Current(ctx context.Context, branch string) (state.State, bool, error) {
	st, err := m.At(ctx, branch, -1)
	if errors.Is(err, stack.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Len reports the branch length.
func (m *memStack) Len(_ context.Context, branch string) (int, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	return len(d.branches[m.resolve(d, branch)]), nil
}

// LastN returns the newest n entries of the current branch, oldest first.
func (m *memStack) LastN(_ context.Context, n int) ([]state.State, error) {
	if n <= 0 {
		return nil, nil
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	list := d.branches[d.pointer]
	if n > len(list) {
		n = len(list)
	}
	states := make([]state.State, 0, n)
	for i, raw := range list[len(list)-n:] {
		st, err := state.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w: %v", i, stack.ErrCorrupted, err)
		}
		states = append(states, st)
	}
	return states, nil
}

// Fork copies entries 0..=i of the current branch to a fresh branch and
// makes it current.
func (m *memStack) Fork(_ context.Context, i int) (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	b := d.pointer
	list := d.branches[b]
	idx := i
	if idx < 0 {
		idx += len(list)
	}
	if idx < 0 || idx >= len(list) {
		return "", fmt.Errorf("fork at %d of %d: %w", i, len(list), stack.ErrNotFound)
	}

	newBranch := artifact.ShortID()
	copied := make([][]byte, idx+1)
	copy(copied, list[:idx+1])
	d.branches[newBranch] = copied
	for name, fields := range d.aux {
		for field, v := range fields {
			if field == b {
				d.auxSet(name, newBranch, v)
			} else if strings.HasPrefix(field, b+":") {
				d.auxSet(name, newBranch+strings.TrimPrefix(field, b), v)
			}
		}
	}
	if ep := d.episodes[b]; ep != "" {
		d.episodes[newBranch] = ep
	}
	d.pointer = newBranch
	m.recordSwitch(newBranch)
	return newBranch, nil
}

// Checkout retargets the current-branch pointer.
func (m *memStack) Checkout(_ context.Context, branch string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	if branch != stack.MainBranch {
		if _, ok := d.branches[branch]; !ok {
			return fmt.Errorf("checkout %s: %w", branch, stack.ErrNotFound)
		}
	}
	d.pointer = branch
	m.recordSwitch(branch)
	return nil
}

// Rewind truncates the current branch to entries 0..=i.
func (m *memStack) Rewind(_ context.Context, i int) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	b := d.pointer
	list := d.branches[b]
	keep := i + 1
	if i < 0 {
		keep = 0
	}
	if keep > len(list) {
		keep = len(list)
	}
	for _, raw := range list[keep:] {
		st, err := state.Decode(raw)
		if err != nil {
			continue
		}
		if tc, ok := st.(state.ToolCall); ok {
			d.auxDel(auxToolCallRef, b+":"+tc.ID)
		}
	}
	d.branches[b] = list[:keep]
	return nil
}

// Branches lists every branch, "main" first then sorted by id.
func (m *memStack) Branches(_ context.Context) ([]stack.BranchInfo, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)

	ids := map[string]bool{stack.MainBranch: true}
	for id := range d.branches {
		ids[id] = true
	}
	infos := make([]stack.BranchInfo, 0, len(ids))
	for id := range ids {
		list := d.branches[id]
		var lastTS float64
		if len(list) > 0 {
			if st, err := state.Decode(list[len(list)-1]); err == nil {
				lastTS = st.Timestamp()
			}
		}
		infos = append(infos, stack.BranchInfo{
			ID:        id,
			Length:    len(list),
			LastTS:    lastTS,
			IsCurrent: id == d.pointer,
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

// CurrentBranch returns the branch the pointer targets.
func (m *memStack) CurrentBranch(_ context.Context) (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.store.data(m.conversation, m.agent).pointer, nil
}

// Episode reads the branch's episode id, empty when none was minted yet.
func (m *memStack) Episode(_ context.Context, branch string) (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	return d.episodes[m.resolve(d, branch)], nil
}

// SetEpisode overrides the branch's episode id.
func (m *memStack) SetEpisode(_ context.Context, branch, episode string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	d.episodes[m.resolve(d, branch)] = episode
	return nil
}

// LastAssistantRef reports the artifact ref of the branch's most recent
// assistant message.
func (m *memStack) LastAssistantRef(_ context.Context, branch string) (string, bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	d := m.store.data(m.conversation, m.agent)
	ref, ok := d.auxGet(auxLastAssistantRef, m.resolve(d, branch))
	return ref, ok, nil
}

func (m *memStack) recordSwitch(branch string) {
	key := m.conversation + "\x00" + m.agent
	m.store.switches[key] = append(m.store.switches[key], branch)
}
