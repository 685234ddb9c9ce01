package state

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Envelope layout on the wire:
//
//	{"v": int, "t": string, "ts": float, "data": object|string [, "compressed": true]}
//
// where data is the raw state document, or the base64 of its gzipped JSON
// when the compressed flag is set. Legacy producers wrote data as a bare
// string; Decode maps those onto the variant's primary text field.

var (
	// ErrUnknownKind is returned when an envelope names a variant tag
	// missing from the static registry.
	ErrUnknownKind = errors.New("unknown state kind")

	// ErrIncompatibleVersion is returned when an envelope was written by
	// a newer runtime than this one; the state is refused, not guessed at.
	ErrIncompatibleVersion = errors.New("incompatible state version")

	// ErrCorrupted is returned when an envelope or its payload cannot be
	// decoded.
	ErrCorrupted = errors.New("corrupted state envelope")
)

// compressThreshold is the serialized-data size above which Encode gzips the
// payload.
const compressThreshold = 2048

// versions records the highest version of each variant this runtime
// understands. Encode always writes these; Decode refuses anything higher.
var versions = map[Kind]int{
	KindUserMessage:      1,
	KindAssistantMessage: 1,
	KindToolCall:         2,
	KindToolResult:       2,
	KindAgentCall:        1,
	KindAgentResult:      1,
	KindUserInputRequest: 1,
	KindUserResponse:     1,
	KindWaiting:          2,
	KindFinished:         1,
}

type envelope struct {
	V          int             `json:"v"`
	T          Kind            `json:"t"`
	TS         float64         `json:"ts"`
	Data       json.RawMessage `json:"data"`
	Compressed bool            `json:"compressed,omitempty"`
}

// Encode serializes a state into its wire envelope. Data larger than 2 KiB
// is gzip-compressed and base64-encoded with the compressed flag set. Encode
// is pure: it never mutates its argument.
func Encode(s State) ([]byte, error) {
	switch s.(type) {
	case UserMessage, AssistantMessage, ToolCall, ToolResult, AgentCall,
		AgentResult, UserInputRequest, UserResponse, Waiting, Finished:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, s)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.Kind(), err)
	}
	env := envelope{V: versions[s.Kind()], T: s.Kind(), TS: s.Timestamp(), Data: data}
	if len(data) > compressThreshold {
		zipped, err := gzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.Kind(), err)
		}
		quoted, err := json.Marshal(base64.StdEncoding.EncodeToString(zipped))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.Kind(), err)
		}
		env.Data = quoted
		env.Compressed = true
	}
	return json.Marshal(env)
}

// Decode reconstructs a state from its wire envelope. It validates the
// variant tag, refuses versions above the compiled maximum and accepts both
// structured and legacy string payloads.
func Decode(raw []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	maxV, ok := versions[env.T]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.T)
	}
	if env.V > maxV {
		return nil, fmt.Errorf("%w: %s v%d, runtime understands v%d", ErrIncompatibleVersion, env.T, env.V, maxV)
	}
	data := []byte(env.Data)
	if env.Compressed {
		var b64 string
		if err := json.Unmarshal(data, &b64); err != nil {
			return nil, fmt.Errorf("%w: compressed data is not a string: %v", ErrCorrupted, err)
		}
		zipped, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if data, err = gunzipBytes(zipped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if !env.Compressed && bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return legacyFromText(env.T, env.TS, text)
	}
	return decodeData(env.T, env.TS, data)
}

func decodeData(k Kind, ts float64, data []byte) (State, error) {
	base := Base{ts: ts}
	var (
		s   State
		err error
	)
	switch k {
	case KindUserMessage:
		var v UserMessage
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindAssistantMessage:
		var v AssistantMessage
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindToolCall:
		var v ToolCall
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindToolResult:
		var v ToolResult
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindAgentCall:
		var v AgentCall
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindAgentResult:
		var v AgentResult
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindUserInputRequest:
		var v UserInputRequest
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindUserResponse:
		var v UserResponse
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindWaiting:
		var v Waiting
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	case KindFinished:
		var v Finished
		err = json.Unmarshal(data, &v)
		v.Base = base
		s = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, k, err)
	}
	return s, nil
}

// legacyFromText maps a bare-string data payload onto the variant's primary
// text field. Only the message-like variants ever shipped that form.
func legacyFromText(k Kind, ts float64, text string) (State, error) {
	base := Base{ts: ts}
	switch k {
	case KindUserMessage:
		return UserMessage{Base: base, Text: text}, nil
	case KindAssistantMessage:
		return AssistantMessage{Base: base, Content: text}, nil
	case KindUserInputRequest:
		return UserInputRequest{Base: base, Text: text}, nil
	case KindUserResponse:
		return UserResponse{Base: base, Text: text}, nil
	case KindAgentCall:
		return AgentCall{Base: base, Message: text}, nil
	default:
		return nil, fmt.Errorf("%w: legacy string payload for %q", ErrCorrupted, k)
	}
}

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(p []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
