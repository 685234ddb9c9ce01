package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/delegate"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/state"
)

// handleUserTurn answers a user message or a response to a previous input
// request: render the transcript, run the agent, materialize its action.
func (r *Runtime) handleUserTurn(ctx context.Context, s *step) error {
	history, err := r.transcript(ctx, s)
	if err != nil {
		return err
	}
	action, err := r.invoke(ctx, s, history)
	if err != nil {
		return err
	}
	return r.materialize(ctx, s, action)
}

// handleToolResult feeds a settled tool call back to the agent. Delegate
// results are left alone: the delegation itself was opened by the tool's
// post effect and the answer arrives as an AgentResult later.
func (r *Runtime) handleToolResult(ctx context.Context, s *step) error {
	tr := s.top.(state.ToolResult)
	if tr.ToolName == agent.DelegateToolName {
		return nil
	}
	if m, ok := r.tools.Manifest(tr.ToolName); ok && m.Reflect {
		prompt := state.NewUserMessage(r.reflectionPrompt(s.reg))
		prompt.Meta = map[string]any{"reflection": tr.ToolName}
		if err := s.stack.Push(ctx, "", prompt); err != nil {
			return fmt.Errorf("push reflection prompt: %w", err)
		}
	}
	history, err := r.transcript(ctx, s)
	if err != nil {
		return err
	}
	action, err := r.invoke(ctx, s, history)
	if err != nil {
		return err
	}
	return r.materialize(ctx, s, action)
}

// handleWaiting checks the wait deadline. An expired wait is replaced by a
// synthetic timeout result so the owner can react on the next tick; a root
// agent instead gives up and an empty reply releases any blocked caller.
func (r *Runtime) handleWaiting(ctx context.Context, s *step) error {
	w := s.top.(state.Waiting)
	if !w.Expired(state.Now()) {
		return nil
	}
	if w.WaitKind == state.WaitAgent {
		alive, err := r.links.GuardAlive(ctx, s.conv, s.agentID, w.CorrelationID)
		if err != nil {
			return fmt.Errorf("check completion guard: %w", err)
		}
		if alive {
			// The child's guard outlives the wait by a little slack;
			// give the result that extra window to land.
			return nil
		}
	}
	branch, err := s.stack.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	if w.WaitKind == state.WaitTool {
		// Release the dedup claim so a retry of the same call is
		// admitted.
		key := effect.ProbeKey(s.conv, s.agentID, branch, w.CorrelationID)
		if err := r.probe.Clear(ctx, key); err != nil {
			r.logger.Warn(ctx, "clear dedup claim failed", "key", key, "err", err)
		}
	}
	if _, err := s.stack.Pop(ctx, 1); err != nil {
		return fmt.Errorf("pop expired wait: %w", err)
	}
	r.metrics.IncCounter("wait_timeouts", 1, "kind", string(w.WaitKind), "agent", s.agentID)
	r.logger.Warn(ctx, "wait expired", "conversation", s.conv, "agent", s.agentID,
		"kind", w.WaitKind, "correlation_id", w.CorrelationID)

	var pushes []state.State
	switch w.WaitKind {
	case state.WaitTool:
		name := ""
		if top, ok, err := s.stack.Current(ctx, ""); err == nil && ok {
			if tc, isCall := top.(state.ToolCall); isCall && tc.ID == w.CorrelationID {
				name = tc.FunctionName
			}
		}
		pushes = append(pushes, state.NewToolResult(w.CorrelationID, name,
			state.StatusResult(state.StatusTimeout, "")))
	case state.WaitAgent:
		pushes = append(pushes, state.NewAgentResult(w.CorrelationID,
			state.StatusResult(state.StatusTimeout, "")))
	}
	_, hasParent, err := r.links.Parent(ctx, s.conv, s.agentID)
	if err != nil {
		return fmt.Errorf("look up parent: %w", err)
	}
	if !hasParent {
		pushes = append(pushes, state.NewFinished())
	}
	if len(pushes) > 0 {
		if err := s.stack.Push(ctx, "", pushes...); err != nil {
			return fmt.Errorf("push timeout result: %w", err)
		}
	}
	if !hasParent {
		s.emit(effect.PublishSystemReply{
			Conversation: s.conv,
			EmittedAtNs:  time.Now().UnixNano(),
		})
	}
	return nil
}

// handleToolCall re-arms a bare ToolCall. The call/wait pair normally lands
// in one push, so a lone ToolCall on top means the branch was forked at the
// call or a crash lost the wait; restoring the pair lets the replayed call
// settle through the normal tool path.
func (r *Runtime) handleToolCall(ctx context.Context, s *step) error {
	tc := s.top.(state.ToolCall)
	ttl := r.toolTTL
	if m, ok := r.tools.Manifest(tc.FunctionName); ok && m.TTL > 0 {
		ttl = m.TTL
	}
	wait := state.NewWaiting(state.WaitTool, state.Now()+ttl.Seconds(), tc.ID)
	if err := s.stack.Push(ctx, "", wait); err != nil {
		return fmt.Errorf("restore tool wait: %w", err)
	}
	env, err := state.Encode(tc)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	branch, err := s.stack.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	r.logger.Info(ctx, "re-emitting tool call", "conversation", s.conv, "agent", s.agentID,
		"tool", tc.FunctionName, "tool_call_id", tc.ID)
	s.emit(effect.CallTool{
		Conversation: s.conv,
		Agent:        s.agentID,
		Branch:       branch,
		ToolName:     tc.FunctionName,
		Parameters:   tc.Arguments,
		ToolCallID:   tc.ID,
		ToolStateEnv: env,
	})
	return nil
}

// handleAgentCall opens a delegation: a placeholder reply keeps the
// transcript coherent while the parent waits for the child.
func (r *Runtime) handleAgentCall(ctx context.Context, s *step) error {
	ac := s.top.(state.AgentCall)
	return r.startDelegation(ctx, s, ac.TargetAgentID, ac.Message,
		state.NewAssistantMessage(placeholderReply))
}

// handleAgentResult reacts to a delivered delegation result. The wait was
// already settled by the executor; what is left is surfacing the answer. A
// result without text sends the parent one more turn to synthesise its own
// reply before finishing.
func (r *Runtime) handleAgentResult(ctx context.Context, s *step) error {
	ar := s.top.(state.AgentResult)
	_, hasParent, err := r.links.Parent(ctx, s.conv, s.agentID)
	if err != nil {
		return fmt.Errorf("look up parent: %w", err)
	}

	if content := state.Content(ar.Result); content != "" {
		pushes := []state.State{state.NewAssistantMessage(content), state.NewFinished()}
		if err := s.stack.Push(ctx, "", pushes...); err != nil {
			return fmt.Errorf("push delegated reply: %w", err)
		}
		if !hasParent {
			s.emit(effect.PublishSystemReply{
				Conversation: s.conv,
				Message:      content,
				EmittedAtNs:  time.Now().UnixNano(),
			})
		}
		return nil
	}

	entries, err := s.stack.LastN(ctx, r.transcriptWindow)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	if n := len(entries); n > 0 {
		if _, bare := entries[n-1].(state.AgentResult); bare {
			entries = entries[:n-1]
		}
	}
	action, err := r.invoke(ctx, s, renderTranscript(entries))
	if err != nil {
		return err
	}
	if err := r.materialize(ctx, s, action); err != nil {
		return err
	}
	if _, isCall := action.(agent.FunctionCall); isCall {
		return nil
	}
	top, ok, err := s.stack.Current(ctx, "")
	if err != nil {
		return fmt.Errorf("read stack top: %w", err)
	}
	if !ok || top.Kind() != state.KindFinished {
		if err := s.stack.Push(ctx, "", state.NewFinished()); err != nil {
			return fmt.Errorf("push finished: %w", err)
		}
	}
	return nil
}

// handleFinished settles a finished branch exactly once per the finish
// guard. Pending reflection runs first and releases the guard, deferring
// the real finish until the agent has answered the critique; the terminal
// pass records membership, bridges the result to the parent and schedules
// auto-evaluation.
func (r *Runtime) handleFinished(ctx context.Context, s *step) error {
	branch, err := s.stack.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	guard := finishGuardKey(s.conv, s.agentID, branch)
	claimed, err := r.probe.Once(ctx, guard, finishGuardTTL)
	if err != nil {
		r.logger.Warn(ctx, "finish guard probe failed", "conversation", s.conv,
			"agent", s.agentID, "err", err)
		claimed = true
	}
	if !claimed {
		return nil
	}

	entries, err := s.stack.LastN(ctx, r.transcriptWindow)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	if s.reg.Options.SelfReflection && countSelfReflections(entries) < r.maxReflections {
		r.releaseFinishGuard(ctx, guard)
		prompt := state.NewUserMessage(r.reflectionPrompt(s.reg))
		prompt.Meta = map[string]any{"reflection": "self"}
		if err := s.stack.Push(ctx, "", prompt); err != nil {
			return fmt.Errorf("push reflection prompt: %w", err)
		}
		r.logger.Info(ctx, "self-reflection requested", "conversation", s.conv, "agent", s.agentID)
		return nil
	}

	if critic := s.reg.Options.ReflectionAgent; critic != "" && critic != s.agentID {
		asked, err := r.probe.Once(ctx, criticGuardKey(s.conv, s.agentID, branch), finishGuardTTL)
		if err != nil {
			r.logger.Warn(ctx, "critic guard probe failed", "conversation", s.conv,
				"agent", s.agentID, "err", err)
			asked = false
		}
		if asked {
			r.releaseFinishGuard(ctx, guard)
			msg := critiquePrompt(lastAssistantText(entries))
			r.logger.Info(ctx, "requesting critique", "conversation", s.conv,
				"agent", s.agentID, "critic", critic)
			return r.startDelegation(ctx, s, critic, msg, state.NewAgentCall(critic, msg))
		}
	}

	first, err := r.reg.MarkFinished(ctx, s.conv, s.agentID)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	if !first {
		r.logger.Debug(ctx, "agent finished again on a new branch",
			"conversation", s.conv, "agent", s.agentID, "branch", branch)
	}
	r.metrics.IncCounter("agents_finished", 1, "agent", s.agentID)
	if r.hooks != nil {
		if err := r.hooks.Publish(ctx, hooks.NewAgentFinished(s.conv, s.agentID, branch)); err != nil {
			r.logger.Warn(ctx, "agent finished hook failed", "agent", s.agentID, "err", err)
		}
	}

	parent, hasParent, err := r.links.Parent(ctx, s.conv, s.agentID)
	if err != nil {
		return fmt.Errorf("look up parent: %w", err)
	}
	if hasParent {
		corr, ok, err := r.links.Correlation(ctx, s.conv, s.agentID)
		if err != nil {
			return fmt.Errorf("look up correlation: %w", err)
		}
		if !ok {
			r.logger.Warn(ctx, "finished child has no correlation id",
				"conversation", s.conv, "child", s.agentID, "parent", parent)
		} else {
			task, err := queue.NewTask(queue.TaskBubbleUpDelegate, queue.BubbleUpDelegate{
				ConversationID: s.conv,
				Parent:         parent,
				Child:          s.agentID,
				CorrelationID:  corr,
				Text:           lastAssistantText(entries),
			})
			if err != nil {
				return err
			}
			if err := r.queues.Enqueue(ctx, queue.Ticks, task); err != nil {
				return fmt.Errorf("enqueue delegate bridge: %w", err)
			}
		}
	}

	if r.bus != nil && r.evaluator != "" && s.agentID != r.evaluator {
		if ref, ok, err := s.stack.LastAssistantRef(ctx, ""); err != nil {
			r.logger.Warn(ctx, "read last assistant ref failed", "agent", s.agentID, "err", err)
		} else if ok {
			if _, err := r.bus.CreateEvaluationFor(ctx, ref, r.evaluator, r.judgeVersion, nil); err != nil {
				r.logger.Warn(ctx, "schedule auto-evaluation failed", "ref", ref, "err", err)
			}
		}
	}
	return nil
}

// startDelegation links the child, installs the wait and its completion
// guard, and emits the PushToAgent that seeds the child's stack. prelude
// states are pushed under the wait in the same batch.
func (r *Runtime) startDelegation(ctx context.Context, s *step, target, message string, prelude ...state.State) error {
	corr := uuid.NewString()
	if err := r.links.Link(ctx, s.conv, target, s.agentID, corr, delegate.LinkTTL); err != nil {
		return fmt.Errorf("link delegation: %w", err)
	}
	wait := r.toolTTL
	if wait < agentWaitFloor {
		wait = agentWaitFloor
	}
	if err := r.links.ArmGuard(ctx, s.conv, s.agentID, corr, wait+guardSlack); err != nil {
		return fmt.Errorf("arm completion guard: %w", err)
	}
	pushes := append(prelude, state.NewWaiting(state.WaitAgent, state.Now()+wait.Seconds(), corr))
	if err := s.stack.Push(ctx, "", pushes...); err != nil {
		return fmt.Errorf("push delegation wait: %w", err)
	}
	s.emit(effect.PushToAgent{
		Conversation:  s.conv,
		TargetAgent:   target,
		Message:       message,
		SenderAgent:   s.agentID,
		CorrelationID: corr,
	})
	return nil
}

func (r *Runtime) releaseFinishGuard(ctx context.Context, key string) {
	if err := r.probe.Clear(ctx, key); err != nil {
		r.logger.Warn(ctx, "release finish guard failed", "key", key, "err", err)
	}
}

func (r *Runtime) reflectionPrompt(reg agent.Registration) string {
	if reg.Options.ReflectionPrompt != "" {
		return reg.Options.ReflectionPrompt
	}
	return defaultReflectionPrompt
}

// countSelfReflections counts reflection prompts already spent on the
// rendered window, which bounds how many more the finish handler may issue.
func countSelfReflections(entries []state.State) int {
	n := 0
	for _, e := range entries {
		if um, ok := e.(state.UserMessage); ok && um.Meta["reflection"] == "self" {
			n++
		}
	}
	return n
}

// lastAssistantText returns the newest assistant reply, skipping the
// delegation placeholder.
func lastAssistantText(entries []state.State) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if am, ok := entries[i].(state.AssistantMessage); ok && am.Content != placeholderReply {
			return am.Content
		}
	}
	return ""
}

func critiquePrompt(answer string) string {
	if answer == "" {
		return "Review this agent's work and reply with a critique."
	}
	return "Review the following answer and reply with a critique or an improved version:\n\n" + answer
}

func finishGuardKey(conversation, agentID, branch string) string {
	return fmt.Sprintf("finish_guard:%s:%s:%s", conversation, agentID, branch)
}

func criticGuardKey(conversation, agentID, branch string) string {
	return fmt.Sprintf("reflection_critic:%s:%s:%s", conversation, agentID, branch)
}
