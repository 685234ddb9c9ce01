// Package artifact defines the artifact bus contract: a durable envelope
// store combining a payload blob driver with a conversation-indexed pointer
// index. Every state pushed onto an interaction stack is mirrored here for
// observability, search and evaluation scheduling; the stack list stays
// authoritative when the two disagree.
package artifact

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

type (
	// Header describes an artifact independently of its payload. Missing
	// Ref, CreatedAt, StepIdx and Role are assigned at publish time.
	Header struct {
		Ref          string         `json:"ref"`
		Conversation string         `json:"conversation"`
		Agent        string         `json:"agent,omitempty"`
		Branch       string         `json:"branch,omitempty"`
		Episode      string         `json:"episode,omitempty"`
		Type         string         `json:"type"`
		Role         string         `json:"role,omitempty"`
		StepIdx      int64          `json:"step_idx"`
		Score        *float64       `json:"score,omitempty"`
		Parents      []string       `json:"parent_refs,omitempty"`
		CreatedAt    float64        `json:"created_at"`
		Compressed   bool           `json:"compressed,omitempty"`
		Meta         map[string]any `json:"meta,omitempty"`
	}

	// Artifact pairs a header with its payload bytes. The payload is the
	// encoded state envelope, or metric/evaluation JSON.
	Artifact struct {
		Header
		Payload []byte
	}

	// Filter narrows timeline reads. Zero fields match everything.
	Filter struct {
		Type    string
		Role    string
		Agent   string
		Branch  string
		Episode string
		Since   float64
	}

	// Bus is the artifact store the engine core consumes.
	Bus interface {
		// Publish persists the payload through the blob driver and
		// writes the pointer index, assigning missing header fields.
		Publish(ctx context.Context, h Header, payload []byte) (Header, error)
		// Get loads one artifact. Missing refs fail with ErrNotFound;
		// a pointer whose blob has vanished fails with ErrStalePointer.
		Get(ctx context.Context, ref string) (Artifact, error)
		// Patch edits an artifact in place: meta is deep-merged, a
		// non-nil score replaces the score (updating the scores index)
		// and a non-nil payload replaces the payload bytes.
		Patch(ctx context.Context, ref string, meta map[string]any, score *float64, payload []byte) (Header, error)
		// ReadFirstN and ReadLastN return artifacts in timeline order,
		// filtered, at most n.
		ReadFirstN(ctx context.Context, conversation string, n int, f Filter) ([]Artifact, error)
		ReadLastN(ctx context.Context, conversation string, n int, f Filter) ([]Artifact, error)
		// Search matches query as a substring of the header JSON,
		// newest first.
		Search(ctx context.Context, conversation, query string, limit int) ([]Header, error)
		// CreateEvaluationFor registers a pending evaluation artifact
		// linked to the target and schedules the judge worker.
		CreateEvaluationFor(ctx context.Context, targetRef, evaluatorID, judgeVersion string, payload []byte) (Header, error)
	}
)

// Artifact types beyond state variant tags.
const (
	TypeMetric     = "metric"
	TypeEvaluation = "evaluation"
)

// Evaluation statuses recorded under Meta["status"].
const (
	EvalPending = "pending"
	EvalDone    = "done"
	EvalError   = "error"
)

var (
	// ErrNotFound is returned when a ref is absent from the index.
	ErrNotFound = errors.New("artifact not found")

	// ErrStalePointer is returned when the index still holds a ref whose
	// payload blob is gone.
	ErrStalePointer = errors.New("artifact payload pointer is stale")
)

// NewRef mints a globally unique 32-hex artifact ref.
func NewRef() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID mints an 8-hex id, used for branches and episodes.
func ShortID() string {
	return NewRef()[:8]
}

// Matches reports whether a header passes the filter.
func (f Filter) Matches(h Header) bool {
	if f.Type != "" && h.Type != f.Type {
		return false
	}
	if f.Role != "" && h.Role != f.Role {
		return false
	}
	if f.Agent != "" && h.Agent != f.Agent {
		return false
	}
	if f.Branch != "" && h.Branch != f.Branch {
		return false
	}
	if f.Episode != "" && h.Episode != f.Episode {
		return false
	}
	if f.Since > 0 && h.CreatedAt < f.Since {
		return false
	}
	return true
}
