// Package inmem implements the artifact bus in process memory. Headers are
// stored as JSON like the Redis index so Search and Patch behave the same,
// and payloads flow through a blob driver so compression stays exercised.
package inmem

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/artifact/blob"
	blobinmem "goa.design/orchestra/runtime/artifact/blob/inmem"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultMaxPerSession caps a conversation's timeline.
	DefaultMaxPerSession = 100000

	compressThreshold = 2048
)

type (
	// Options configures the Bus.
	Options struct {
		// Blobs stores artifact payloads. Defaults to the in-memory
		// blob driver.
		Blobs blob.Store
		// Evals schedules run_eval tasks for pending evaluations.
		// Optional.
		Evals queue.Producer
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// MaxPerSession overrides DefaultMaxPerSession.
		MaxPerSession int
	}

	timelineEntry struct {
		ref       string
		createdAt float64
	}

	convIndex struct {
		headers  map[string]string
		timeline []timelineEntry
		events   []string
		steps    map[string]int64
	}

	// Bus implements artifact.Bus in memory.
	Bus struct {
		mu            sync.Mutex
		blobs         blob.Store
		evals         queue.Producer
		logger        telemetry.Logger
		maxPerSession int
		convs         map[string]*convIndex
		owners        map[string]string
	}
)

var _ artifact.Bus = (*Bus)(nil)

// New builds a Bus from the given options.
func New(opts Options) *Bus {
	blobs := opts.Blobs
	if blobs == nil {
		blobs = blobinmem.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxPerSession := opts.MaxPerSession
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Bus{
		blobs:         blobs,
		evals:         opts.Evals,
		logger:        logger,
		maxPerSession: maxPerSession,
		convs:         make(map[string]*convIndex),
		owners:        make(map[string]string),
	}
}

func (b *Bus) index(conv string) *convIndex {
	idx, ok := b.convs[conv]
	if !ok {
		idx = &convIndex{
			headers: make(map[string]string),
			steps:   make(map[string]int64),
		}
		b.convs[conv] = idx
	}
	return idx
}

// Publish persists the payload and writes the pointer index.
func (b *Bus) Publish(ctx context.Context, h artifact.Header, payload []byte) (artifact.Header, error) {
	if h.Conversation == "" {
		return artifact.Header{}, errors.New("publish: conversation is required")
	}
	if h.Type == "" {
		return artifact.Header{}, errors.New("publish: type is required")
	}
	if h.Ref == "" {
		h.Ref = artifact.NewRef()
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = float64(time.Now().UnixNano()) / 1e9
	}
	if h.Role == "" {
		h.Role = h.Type
	}

	b.mu.Lock()
	idx := b.index(h.Conversation)
	stepKey := h.Agent + "\x00" + h.Branch
	h.StepIdx = idx.steps[stepKey]
	idx.steps[stepKey]++
	b.mu.Unlock()

	stored := payload
	h.Compressed = false
	if len(payload) > compressThreshold {
		gz, err := gzipBytes(payload)
		if err != nil {
			return artifact.Header{}, fmt.Errorf("compress payload: %w", err)
		}
		stored = gz
		h.Compressed = true
	}
	if err := b.blobs.Put(ctx, h.Ref, stored); err != nil {
		return artifact.Header{}, fmt.Errorf("store payload: %w", err)
	}

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return artifact.Header{}, fmt.Errorf("marshal header: %w", err)
	}

	var pruned []string
	b.mu.Lock()
	idx = b.index(h.Conversation)
	idx.headers[h.Ref] = string(headerJSON)
	b.owners[h.Ref] = h.Conversation
	idx.timeline = append(idx.timeline, timelineEntry{ref: h.Ref, createdAt: h.CreatedAt})
	sort.SliceStable(idx.timeline, func(i, j int) bool {
		return idx.timeline[i].createdAt < idx.timeline[j].createdAt
	})
	idx.events = append(idx.events, h.Ref)
	if excess := len(idx.timeline) - b.maxPerSession; excess > 0 {
		for _, e := range idx.timeline[:excess] {
			delete(idx.headers, e.ref)
			delete(b.owners, e.ref)
			pruned = append(pruned, e.ref)
		}
		idx.timeline = idx.timeline[excess:]
	}
	b.mu.Unlock()

	for _, ref := range pruned {
		if err := b.blobs.Delete(ctx, ref); err != nil {
			b.logger.Warn(ctx, "prune blob delete failed", "ref", ref, "error", err)
		}
	}
	return h, nil
}

// Get loads one artifact by ref.
func (b *Bus) Get(ctx context.Context, ref string) (artifact.Artifact, error) {
	h, err := b.header(ref)
	if err != nil {
		return artifact.Artifact{}, err
	}
	payload, err := b.loadPayload(ctx, h)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{Header: h, Payload: payload}, nil
}

func (b *Bus) header(ref string) (artifact.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.owners[ref]
	if !ok {
		return artifact.Header{}, fmt.Errorf("ref %s: %w", ref, artifact.ErrNotFound)
	}
	raw, ok := b.index(conv).headers[ref]
	if !ok {
		return artifact.Header{}, fmt.Errorf("ref %s: %w", ref, artifact.ErrNotFound)
	}
	var h artifact.Header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return artifact.Header{}, fmt.Errorf("unmarshal header %s: %w", ref, err)
	}
	return h, nil
}

func (b *Bus) loadPayload(ctx context.Context, h artifact.Header) ([]byte, error) {
	stored, err := b.blobs.Get(ctx, h.Ref)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("ref %s: %w", h.Ref, artifact.ErrStalePointer)
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	if !h.Compressed {
		return stored, nil
	}
	payload, err := gunzipBytes(stored)
	if err != nil {
		return nil, fmt.Errorf("decompress payload %s: %w", h.Ref, err)
	}
	return payload, nil
}

// Patch edits an artifact in place.
func (b *Bus) Patch(ctx context.Context, ref string, meta map[string]any, score *float64, payload []byte) (artifact.Header, error) {
	h, err := b.header(ref)
	if err != nil {
		return artifact.Header{}, err
	}
	if len(meta) > 0 {
		h.Meta = deepMerge(h.Meta, meta)
	}
	if score != nil {
		h.Score = score
	}
	if payload != nil {
		stored := payload
		h.Compressed = false
		if len(payload) > compressThreshold {
			gz, err := gzipBytes(payload)
			if err != nil {
				return artifact.Header{}, fmt.Errorf("compress payload: %w", err)
			}
			stored = gz
			h.Compressed = true
		}
		if err := b.blobs.Put(ctx, ref, stored); err != nil {
			return artifact.Header{}, fmt.Errorf("store payload: %w", err)
		}
	}
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return artifact.Header{}, fmt.Errorf("marshal header: %w", err)
	}
	b.mu.Lock()
	b.index(h.Conversation).headers[ref] = string(headerJSON)
	b.mu.Unlock()
	return h, nil
}

// ReadFirstN returns the oldest n artifacts passing the filter, in timeline
// order.
func (b *Bus) ReadFirstN(ctx context.Context, conversation string, n int, f artifact.Filter) ([]artifact.Artifact, error) {
	return b.readN(ctx, conversation, n, f, false)
}

// ReadLastN returns the newest n artifacts passing the filter, in timeline
// order.
func (b *Bus) ReadLastN(ctx context.Context, conversation string, n int, f artifact.Filter) ([]artifact.Artifact, error) {
	return b.readN(ctx, conversation, n, f, true)
}

func (b *Bus) readN(ctx context.Context, conv string, n int, f artifact.Filter, fromEnd bool) ([]artifact.Artifact, error) {
	if n <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	idx := b.index(conv)
	refs := make([]string, 0, len(idx.timeline))
	for _, e := range idx.timeline {
		refs = append(refs, e.ref)
	}
	raws := make([]string, 0, len(refs))
	for _, ref := range refs {
		raws = append(raws, idx.headers[ref])
	}
	b.mu.Unlock()

	indexes := make([]int, len(raws))
	for i := range indexes {
		indexes[i] = i
	}
	if fromEnd {
		for i, j := 0, len(indexes)-1; i < j; i, j = i+1, j-1 {
			indexes[i], indexes[j] = indexes[j], indexes[i]
		}
	}

	var out []artifact.Artifact
	for _, i := range indexes {
		var h artifact.Header
		if err := json.Unmarshal([]byte(raws[i]), &h); err != nil {
			continue
		}
		if !f.Matches(h) {
			continue
		}
		payload, err := b.loadPayload(ctx, h)
		if err != nil {
			if errors.Is(err, artifact.ErrStalePointer) {
				b.logger.Warn(ctx, "skipping stale artifact pointer", "ref", h.Ref)
				continue
			}
			return nil, err
		}
		out = append(out, artifact.Artifact{Header: h, Payload: payload})
		if len(out) >= n {
			break
		}
	}
	if fromEnd {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Search matches query as a substring of the header JSON, newest first.
func (b *Bus) Search(_ context.Context, conversation, query string, limit int) ([]artifact.Header, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	idx := b.index(conversation)
	raws := make([]string, 0, len(idx.timeline))
	for i := len(idx.timeline) - 1; i >= 0; i-- {
		raws = append(raws, idx.headers[idx.timeline[i].ref])
	}
	b.mu.Unlock()

	var out []artifact.Header
	for _, raw := range raws {
		if !strings.Contains(raw, query) {
			continue
		}
		var h artifact.Header
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			continue
		}
		out = append(out, h)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CreateEvaluationFor registers a pending evaluation artifact linked to the
// target and schedules the judge worker.
func (b *Bus) CreateEvaluationFor(ctx context.Context, targetRef, evaluatorID, judgeVersion string, payload []byte) (artifact.Header, error) {
	target, err := b.header(targetRef)
	if err != nil {
		return artifact.Header{}, err
	}
	h := artifact.Header{
		Conversation: target.Conversation,
		Agent:        target.Agent,
		Branch:       target.Branch,
		Episode:      target.Episode,
		Type:         artifact.TypeEvaluation,
		Parents:      []string{targetRef},
		Meta: map[string]any{
			"status":        artifact.EvalPending,
			"evaluator":     evaluatorID,
			"judge_version": judgeVersion,
		},
	}
	published, err := b.Publish(ctx, h, payload)
	if err != nil {
		return artifact.Header{}, err
	}
	if b.evals != nil {
		task, err := queue.NewTask(queue.TaskRunEval, queue.RunEval{
			Ref:            published.Ref,
			ConversationID: published.Conversation,
		})
		if err != nil {
			return published, err
		}
		if err := b.evals.Enqueue(ctx, queue.Evals, task); err != nil {
			b.logger.Warn(ctx, "schedule evaluation failed",
				"ref", published.Ref, "evaluator", evaluatorID, "error", err)
		}
	}
	return published, nil
}

// Events returns the refs published for the conversation in order. Test
// helper standing in for the capped event stream.
func (b *Bus) Events(conversation string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.index(conversation).events
	out := make([]string, len(events))
	copy(out, events)
	return out
}

func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
