package artifact

import (
	"context"
	"encoding/json"
	"fmt"
)

// PublishMetric records a named measurement as a metric artifact on the
// conversation timeline. Extra meta keys pass through to the header.
func PublishMetric(ctx context.Context, bus Bus, conversation, agent, branch, name string, value float64, extra map[string]any) (Header, error) {
	meta := map[string]any{"name": name, "value": value}
	for k, v := range extra {
		meta[k] = v
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return Header{}, fmt.Errorf("marshal metric %q: %w", name, err)
	}
	h := Header{
		Conversation: conversation,
		Agent:        agent,
		Branch:       branch,
		Type:         TypeMetric,
		Meta:         meta,
	}
	return bus.Publish(ctx, h, payload)
}
