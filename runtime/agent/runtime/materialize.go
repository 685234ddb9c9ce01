package runtime

import (
	"context"
	"fmt"
	"time"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/state"
)

// materialize turns an agent action into stack pushes and effects. A Reply
// becomes an assistant turn (plus Finished when nobody will follow up); a
// FunctionCall becomes a ToolCall/Waiting pair and a CallTool effect.
func (r *Runtime) materialize(ctx context.Context, s *step, action agent.Action) error {
	switch a := action.(type) {
	case nil:
		return nil
	case agent.Reply:
		return r.materializeReply(ctx, s, a)
	case agent.FunctionCall:
		return r.materializeCall(ctx, s, a)
	default:
		return fmt.Errorf("unknown agent action %T", action)
	}
}

func (r *Runtime) materializeReply(ctx context.Context, s *step, reply agent.Reply) error {
	parent, hasParent, err := r.links.Parent(ctx, s.conv, s.agentID)
	if err != nil {
		return fmt.Errorf("look up parent: %w", err)
	}

	pushes := []state.State{state.NewAssistantMessage(reply.Message)}
	switch {
	case hasParent:
		// Delegated children are one-shot: the reply bubbles up via the
		// finish bridge, not the mailbox.
		pushes = append(pushes, state.NewFinished())
	case !conversation.Interactive(ctx, r.reg, s.conv):
		pushes = append(pushes, state.NewFinished())
	}
	if err := s.stack.Push(ctx, "", pushes...); err != nil {
		return fmt.Errorf("push reply: %w", err)
	}
	if !hasParent {
		s.emit(effect.PublishSystemReply{
			Conversation: s.conv,
			Message:      reply.Message,
			EmittedAtNs:  time.Now().UnixNano(),
		})
	} else {
		r.logger.Debug(ctx, "child replied, deferring to finish bridge",
			"conversation", s.conv, "agent", s.agentID, "parent", parent)
	}
	return nil
}

func (r *Runtime) materializeCall(ctx context.Context, s *step, call agent.FunctionCall) error {
	hash := effect.ToolHash(call.FunctionName, call.Arguments)

	// The same call may come back after a crash replay; if its wait is
	// already installed there is nothing to do.
	if top, ok, err := s.stack.Current(ctx, ""); err != nil {
		return fmt.Errorf("read stack top: %w", err)
	} else if ok {
		if w, isWait := top.(state.Waiting); isWait && w.WaitKind == state.WaitTool && w.CorrelationID == hash {
			return nil
		}
	}

	ttl := r.toolTTL
	if m, ok := r.tools.Manifest(call.FunctionName); ok && m.TTL > 0 {
		ttl = m.TTL
	}

	tc := state.NewToolCall(hash, call.FunctionName, call.Arguments)
	wait := state.NewWaiting(state.WaitTool, state.Now()+ttl.Seconds(), hash)
	if err := s.stack.Push(ctx, "", tc, wait); err != nil {
		return fmt.Errorf("push tool call: %w", err)
	}

	env, err := state.Encode(tc)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	branch, err := s.stack.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	s.emit(effect.CallTool{
		Conversation: s.conv,
		Agent:        s.agentID,
		Branch:       branch,
		ToolName:     call.FunctionName,
		Parameters:   call.Arguments,
		ToolCallID:   hash,
		ToolStateEnv: env,
	})
	return nil
}
