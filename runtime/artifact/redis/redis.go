// Package redis implements the artifact bus pointer index on Redis, with
// payloads delegated to a blob driver. Every multi-key index update runs in
// one pipeline; step indexes are allocated by a server-side script so they
// stay monotonic per (conversation, agent, branch) across publishers.
package redis

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/artifact/blob"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultMaxPerSession caps a conversation's timeline; the oldest
	// excess is pruned from index and storage.
	DefaultMaxPerSession = 100000

	// DefaultStreamMaxLen caps the per-conversation event stream
	// (approximate trimming).
	DefaultStreamMaxLen = 100000

	// compressThreshold is the payload size above which the bus gzips
	// before handing bytes to the blob driver.
	compressThreshold = 2048

	// sessionOwnerKey is the global reverse map ref -> conversation.
	sessionOwnerKey = "artifact_session"

	// readPage is the zset page size used by filtered reads.
	readPage = 256
)

// stepScript allocates the next step index for a (conversation, agent,
// branch) triple server-side.
var stepScript = redis.NewScript(
	`local v = redis.call('INCR', KEYS[1]) redis.call('EXPIRE', KEYS[1], ARGV[1]) return v`)

type (
	// Options configures the Bus.
	Options struct {
		// Redis is the Redis client. Required.
		Redis *redis.Client
		// Blobs stores artifact payloads. Required.
		Blobs blob.Store
		// Evals schedules run_eval tasks for pending evaluations.
		// Optional; without it evaluations stay pending until swept.
		Evals queue.Producer
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// MaxPerSession overrides DefaultMaxPerSession.
		MaxPerSession int
		// StreamMaxLen overrides DefaultStreamMaxLen.
		StreamMaxLen int
	}

	// Bus implements artifact.Bus on Redis.
	Bus struct {
		rdb           *redis.Client
		blobs         blob.Store
		evals         queue.Producer
		logger        telemetry.Logger
		maxPerSession int64
		streamMaxLen  int64
	}
)

var _ artifact.Bus = (*Bus)(nil)

// New builds a Bus from the given options.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxPerSession := int64(opts.MaxPerSession)
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	streamMaxLen := int64(opts.StreamMaxLen)
	if streamMaxLen <= 0 {
		streamMaxLen = DefaultStreamMaxLen
	}
	return &Bus{
		rdb:           opts.Redis,
		blobs:         opts.Blobs,
		evals:         opts.Evals,
		logger:        logger,
		maxPerSession: maxPerSession,
		streamMaxLen:  streamMaxLen,
	}, nil
}

func headersKey(conversation string) string { return "artifacts:" + conversation }

func timelineKey(conversation string) string { return "artifacts:" + conversation + ":timeline" }

func stepsKey(conversation string) string { return "artifacts:" + conversation + ":steps" }

func scoresKey(conversation string) string { return "artifacts:" + conversation + ":scores" }

func episodeKey(conversation, episode string) string {
	return "artifacts:" + conversation + ":episode:" + episode
}

func groupKey(conversation, group string) string {
	return "artifacts:" + conversation + ":group:" + group
}

// EventStreamKey returns the capped stream carrying artifact_published
// events for the conversation.
func EventStreamKey(conversation string) string {
	return "artifacts:" + conversation + ":events"
}

func stepCounterKey(conversation, agent, branch string) string {
	return fmt.Sprintf("artifacts:%s:step_idx:%s:%s", conversation, agent, branch)
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

	step, err := stepScript.Run(ctx, b.rdb,
		[]string{stepCounterKey(h.Conversation, h.Agent, h.Branch)},
		int64((24 * time.Hour).Seconds())).Int64()
	if err != nil {
		return artifact.Header{}, fmt.Errorf("allocate step index: %w", err)
	}
	h.StepIdx = step - 1

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

	conv := h.Conversation
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, headersKey(conv), h.Ref, headerJSON)
		pipe.HSet(ctx, sessionOwnerKey, h.Ref, conv)
		pipe.ZAdd(ctx, timelineKey(conv), redis.Z{Score: h.CreatedAt, Member: h.Ref})
		pipe.ZAdd(ctx, stepsKey(conv), redis.Z{Score: float64(h.StepIdx), Member: h.Ref})
		if h.Score != nil {
			pipe.ZAdd(ctx, scoresKey(conv), redis.Z{Score: *h.Score, Member: h.Ref})
		}
		if h.Episode != "" {
			pipe.ZAdd(ctx, episodeKey(conv, h.Episode), redis.Z{Score: h.CreatedAt, Member: h.Ref})
		}
		if g, ok := h.Meta["group"].(string); ok && g != "" {
			pipe.ZAdd(ctx, groupKey(conv, g), redis.Z{Score: h.CreatedAt, Member: h.Ref})
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: EventStreamKey(conv),
			MaxLen: b.streamMaxLen,
			Approx: true,
			Values: map[string]any{
				"event": "artifact_published",
				"ref":   h.Ref,
				"type":  h.Type,
				"agent": h.Agent,
			},
		})
		return nil
	})
	if err != nil {
		return artifact.Header{}, fmt.Errorf("write index: %w", err)
	}

	if err := b.prune(ctx, conv); err != nil {
		b.logger.Warn(ctx, "artifact prune failed", "conversation", conv, "error", err)
	}
	return h, nil
}

// prune drops the oldest timeline entries beyond the per-session cap from
// the index and storage.
func (b *Bus) prune(ctx context.Context, conv string) error {
	total, err := b.rdb.ZCard(ctx, timelineKey(conv)).Result()
	if err != nil {
		return fmt.Errorf("timeline size: %w", err)
	}
	excess := total - b.maxPerSession
	if excess <= 0 {
		return nil
	}
	refs, err := b.rdb.ZRange(ctx, timelineKey(conv), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("oldest refs: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}
	headers, err := b.headersFor(ctx, conv, refs)
	if err != nil {
		return err
	}

	members := toAnys(refs)
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, headersKey(conv), refs...)
		pipe.HDel(ctx, sessionOwnerKey, refs...)
		pipe.ZRem(ctx, timelineKey(conv), members...)
		pipe.ZRem(ctx, stepsKey(conv), members...)
		pipe.ZRem(ctx, scoresKey(conv), members...)
		for _, h := range headers {
			if h.Episode != "" {
				pipe.ZRem(ctx, episodeKey(conv, h.Episode), h.Ref)
			}
			if g, ok := h.Meta["group"].(string); ok && g != "" {
				pipe.ZRem(ctx, groupKey(conv, g), h.Ref)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove index entries: %w", err)
	}
	for _, ref := range refs {
		if err := b.blobs.Delete(ctx, ref); err != nil {
			b.logger.Warn(ctx, "prune blob delete failed", "ref", ref, "error", err)
		}
	}
	return nil
}

// Get loads one artifact by ref.
func (b *Bus) Get(ctx context.Context, ref string) (artifact.Artifact, error) {
	h, err := b.header(ctx, ref)
	if err != nil {
		return artifact.Artifact{}, err
	}
	payload, err := b.loadPayload(ctx, h)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{Header: h, Payload: payload}, nil
}

// header resolves a ref through the reverse map to its header.
func (b *Bus) header(ctx context.Context, ref string) (artifact.Header, error) {
	conv, err := b.rdb.HGet(ctx, sessionOwnerKey, ref).Result()
	if errors.Is(err, redis.Nil) {
		return artifact.Header{}, fmt.Errorf("ref %s: %w", ref, artifact.ErrNotFound)
	}
	if err != nil {
		return artifact.Header{}, fmt.Errorf("resolve ref: %w", err)
	}
	raw, err := b.rdb.HGet(ctx, headersKey(conv), ref).Result()
	if errors.Is(err, redis.Nil) {
		return artifact.Header{}, fmt.Errorf("ref %s: %w", ref, artifact.ErrNotFound)
	}
	if err != nil {
		return artifact.Header{}, fmt.Errorf("read header: %w", err)
	}
	var h artifact.Header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return artifact.Header{}, fmt.Errorf("unmarshal header %s: %w", ref, err)
	}
	return h, nil
}

// loadPayload fetches and, when flagged, decompresses the payload blob.
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
	h, err := b.header(ctx, ref)
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
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, headersKey(h.Conversation), ref, headerJSON)
		if score != nil {
			pipe.ZAdd(ctx, scoresKey(h.Conversation), redis.Z{Score: *score, Member: ref})
		}
		return nil
	})
	if err != nil {
		return artifact.Header{}, fmt.Errorf("patch index: %w", err)
	}
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
	var out []artifact.Artifact
	for offset := int64(0); ; offset += readPage {
		var (
			refs []string
			err  error
		)
		if fromEnd {
			refs, err = b.rdb.ZRevRange(ctx, timelineKey(conv), offset, offset+readPage-1).Result()
		} else {
			refs, err = b.rdb.ZRange(ctx, timelineKey(conv), offset, offset+readPage-1).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("read timeline: %w", err)
		}
		if len(refs) == 0 {
			break
		}
		headers, err := b.headersFor(ctx, conv, refs)
		if err != nil {
			return nil, err
		}
		for _, h := range headers {
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
func (b *Bus) Search(ctx context.Context, conversation, query string, limit int) ([]artifact.Header, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []artifact.Header
	for offset := int64(0); ; offset += readPage {
		refs, err := b.rdb.ZRevRange(ctx, timelineKey(conversation), offset, offset+readPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("read timeline: %w", err)
		}
		if len(refs) == 0 {
			break
		}
		raws, err := b.rdb.HMGet(ctx, headersKey(conversation), refs...).Result()
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		for _, raw := range raws {
			s, ok := raw.(string)
			if !ok || !strings.Contains(s, query) {
				continue
			}
			var h artifact.Header
			if err := json.Unmarshal([]byte(s), &h); err != nil {
				continue
			}
			out = append(out, h)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// CreateEvaluationFor registers a pending evaluation artifact linked to the
// target and schedules the judge worker.
func (b *Bus) CreateEvaluationFor(ctx context.Context, targetRef, evaluatorID, judgeVersion string, payload []byte) (artifact.Header, error) {
	target, err := b.header(ctx, targetRef)
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

// headersFor loads and parses the headers for the given refs, skipping refs
// that vanished mid-read.
func (b *Bus) headersFor(ctx context.Context, conv string, refs []string) ([]artifact.Header, error) {
	raws, err := b.rdb.HMGet(ctx, headersKey(conv), refs...).Result()
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	headers := make([]artifact.Header, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var h artifact.Header
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			continue
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// deepMerge merges src into dst recursively; nested maps merge, everything
// else overwrites.
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

func toAnys(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
