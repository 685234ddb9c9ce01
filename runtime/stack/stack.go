// Package stack defines the interaction stack: the per-(conversation,
// agent, branch) append-only list of state records that drives an agent's
// state machine. Stores implement it on Redis for production and in memory
// for tests; both publish every push to the artifact bus and lazily register
// the agent with the session registry.
package stack

import (
	"context"
	"errors"

	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/state"
)

// MainBranch is the implicit branch every stack starts on.
const MainBranch = "main"

var (
	// ErrNotFound is returned for unknown branches and out-of-range
	// entry indexes.
	ErrNotFound = errors.New("branch or entry not found")

	// ErrCorrupted is returned when an entry cannot be decoded or the
	// stack's shape contradicts what the state machine requires.
	ErrCorrupted = errors.New("stack corrupted")
)

type (
	// BranchInfo describes one discovered branch.
	BranchInfo struct {
		ID        string
		Length    int
		LastTS    float64
		IsCurrent bool
	}

	// Stack is one (conversation, agent) pair's view over its branches.
	// Operations taking a branch treat "" as the current branch. Entry
	// indexes count from the bottom; negative indexes count from the top
	// (-1 is the top).
	Stack interface {
		Conversation() string
		Agent() string

		// Push appends states to the branch in order. A non-Finished
		// state pushed onto a Finished top pops the Finished first; a
		// Finished pushed onto a Finished top is a silent no-op. Each
		// appended state is assigned a ref and published to the
		// artifact bus with parent-ref chaining; publish failures are
		// logged, never returned. Push lazily registers the agent in
		// the session registry and trims the branch to its maximum
		// length.
		Push(ctx context.Context, branch string, states ...state.State) error
		// Pop removes up to n entries from the top of the current
		// branch and reports how many were removed.
		Pop(ctx context.Context, n int) (int, error)
		At(ctx context.Context, branch string, i int) (state.State, error)
		// Current returns the top entry; ok is false on an empty
		// branch.
		Current(ctx context.Context, branch string) (state.State, bool, error)
		Len(ctx context.Context, branch string) (int, error)
		// LastN returns the newest n entries of the current branch in
		// oldest-first order.
		LastN(ctx context.Context, n int) ([]state.State, error)

		// Fork copies entries 0..=i of the current branch into a
		// fresh 8-hex branch, retargets the current-branch pointer
		// and announces the switch. The source branch is untouched.
		Fork(ctx context.Context, i int) (string, error)
		// Checkout retargets the current-branch pointer; the target
		// must exist.
		Checkout(ctx context.Context, branch string) error
		// Rewind truncates the current branch to entries 0..=i (a
		// negative i empties it) and drops auxiliary tool-call refs
		// for the removed entries.
		Rewind(ctx context.Context, i int) error
		Branches(ctx context.Context) ([]BranchInfo, error)
		CurrentBranch(ctx context.Context) (string, error)

		// Episode reads the branch's current episode grouping id;
		// empty until the first push mints one.
		Episode(ctx context.Context, branch string) (string, error)
		SetEpisode(ctx context.Context, branch, episode string) error
		// LastAssistantRef reports the artifact ref of the most
		// recently pushed AssistantMessage on the branch.
		LastAssistantRef(ctx context.Context, branch string) (string, bool, error)
	}

	// Store opens stacks. Open is cheap; it performs no I/O.
	Store interface {
		Open(conversation, agent string) Stack
	}

	// Registrar is the slice of the session registry that push needs for
	// lazy membership registration.
	Registrar interface {
		RegisterAgent(ctx context.Context, conversation, agent string) (bool, error)
		Heartbeat(ctx context.Context, conversation, agent string) error
	}

	// Publisher is the slice of the artifact bus that push needs.
	Publisher interface {
		Publish(ctx context.Context, h artifact.Header, payload []byte) (artifact.Header, error)
	}
)
