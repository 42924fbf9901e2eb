package bridge

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"conductor/internal/approval"
	"conductor/internal/engine"
	"conductor/pkg/logger"
)

// Translator converts an engine event stream into a well-formed AG-UI event
// stream for one run. The output contract holds regardless of how the engine
// behaves: RUN_STARTED is first, exactly one of RUN_FINISHED or RUN_ERROR is
// last, every TEXT_MESSAGE_CONTENT sits between its START and END, and every
// TOOL_CALL_ARGS between its TOOL_CALL_START and TOOL_CALL_END.
type Translator struct {
	threadID string
	runID    string

	out chan Event

	openMessageID string
	terminated    bool
}

// NewTranslator creates a translator for one run.
func NewTranslator(threadID, runID string) *Translator {
	return &Translator{
		threadID: threadID,
		runID:    runID,
		out:      make(chan Event, 64),
	}
}

// Events returns the outbound AG-UI event stream.
func (t *Translator) Events() <-chan Event {
	return t.out
}

// Run consumes the engine stream until it closes, then closes the output.
// If the engine stream ends without a Done or Error event, a RUN_ERROR is
// synthesized so consumers always observe a terminal event.
func (t *Translator) Run(events <-chan engine.Event) {
	defer close(t.out)

	t.emit(newEvent(EventRunStarted, t.threadID, t.runID))

	for ev := range events {
		switch ev.Type {
		case engine.EventContent:
			t.content(ev.Content)

		case engine.EventToolCall:
			t.toolCall(ev.ToolCall)

		case engine.EventToolResult:
			t.toolResult(ev.ToolResult)

		case engine.EventDone:
			t.finish(ev)

		case engine.EventError:
			t.fail(ev.Err)
		}
	}

	if !t.terminated {
		t.fail(errStreamTruncated)
	}
}

// Emit injects an already-formed protocol event, used for approval and
// custom events raised outside the engine stream.
func (t *Translator) Emit(ev Event) {
	t.emit(ev)
}

func (t *Translator) content(delta string) {
	if t.terminated || delta == "" {
		return
	}
	if t.openMessageID == "" {
		t.openMessageID = uuid.New().String()
		start := newEvent(EventTextMessageStart, t.threadID, t.runID)
		start.MessageID = t.openMessageID
		start.Role = "assistant"
		t.emit(start)
	}

	ev := newEvent(EventTextMessageContent, t.threadID, t.runID)
	ev.MessageID = t.openMessageID
	ev.Delta = delta
	t.emit(ev)
}

func (t *Translator) closeMessage() {
	if t.openMessageID == "" {
		return
	}
	ev := newEvent(EventTextMessageEnd, t.threadID, t.runID)
	ev.MessageID = t.openMessageID
	t.emit(ev)
	t.openMessageID = ""
}

func (t *Translator) toolCall(call *engine.ToolCall) {
	if t.terminated || call == nil {
		return
	}
	t.closeMessage()

	start := newEvent(EventToolCallStart, t.threadID, t.runID)
	start.ToolCallID = call.ID
	start.ToolCallName = call.Name
	t.emit(start)

	if len(call.Arguments) > 0 {
		args := newEvent(EventToolCallArgs, t.threadID, t.runID)
		args.ToolCallID = call.ID
		args.ToolArgs = string(call.Arguments)
		t.emit(args)
	}

	end := newEvent(EventToolCallEnd, t.threadID, t.runID)
	end.ToolCallID = call.ID
	t.emit(end)
}

func (t *Translator) toolResult(result *engine.ToolResult) {
	if t.terminated || result == nil {
		return
	}

	ev := newEvent(EventToolCallResult, t.threadID, t.runID)
	ev.ToolCallID = result.ToolCallID
	ev.ToolCallName = result.ToolName
	ev.IsError = result.IsError
	if output, err := json.Marshal(result.Output); err == nil {
		ev.ToolResult = output
	}
	t.emit(ev)
}

func (t *Translator) finish(done engine.Event) {
	if t.terminated {
		return
	}
	t.closeMessage()

	if done.State != nil && len(done.State.Bytes) > 0 {
		if done.State.Kind == engine.StateKindClaude {
			if messages := chatMessages(done.State.Bytes); len(messages) > 0 {
				msgs := newEvent(EventMessagesSnapshot, t.threadID, t.runID)
				msgs.Messages = messages
				t.emit(msgs)
			}
		}

		snap := newEvent(EventStateSnapshot, t.threadID, t.runID)
		snap.Snapshot = done.State.Bytes
		snap.Version = done.State.Version
		t.emit(snap)
	}

	t.emit(newEvent(EventRunFinished, t.threadID, t.runID))
	t.terminated = true
}

// chatMessages extracts the message history array from a chat-engine state
// blob, so UI clients get the conversation without decoding engine state.
func chatMessages(state []byte) json.RawMessage {
	var envelope struct {
		Turns json.RawMessage `json:"turns"`
	}
	if err := json.Unmarshal(state, &envelope); err != nil {
		return nil
	}
	return envelope.Turns
}

func (t *Translator) fail(err error) {
	if t.terminated {
		return
	}
	t.closeMessage()

	ev := newEvent(EventRunError, t.threadID, t.runID)
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	ev.ErrorCode = "EXECUTION_ERROR"
	t.emit(ev)
	t.terminated = true
}

func (t *Translator) emit(ev Event) {
	t.out <- ev
}

var errStreamTruncated = &truncatedError{}

type truncatedError struct{}

func (*truncatedError) Error() string { return "engine stream ended without terminal event" }

// ApprovalRequestedEvent builds an APPROVAL_REQUESTED protocol event.
func ApprovalRequestedEvent(threadID, runID string, req *approval.Request) Event {
	ev := newEvent(EventApprovalRequested, threadID, runID)
	ev.ApprovalID = req.ID
	if data, err := json.Marshal(req); err == nil {
		ev.Approval = data
	}
	return ev
}

// ApprovalResolvedEvent builds an APPROVAL_RESOLVED protocol event.
func ApprovalResolvedEvent(threadID, runID string, result *approval.Result) Event {
	ev := newEvent(EventApprovalResolved, threadID, runID)
	ev.ApprovalID = result.RequestID
	if data, err := json.Marshal(result); err == nil {
		ev.Approval = data
	}
	return ev
}

// CustomEvent builds a CUSTOM protocol event.
func CustomEvent(threadID, runID, name string, value any) Event {
	ev := newEvent(EventCustom, threadID, runID)
	ev.Name = name
	if value != nil {
		if data, err := json.Marshal(value); err == nil {
			ev.Value = data
		}
	}
	return ev
}

// FirehoseID subscribes to events from every thread.
const FirehoseID = "*"

// Broker fans AG-UI events out to per-thread subscribers. Slow subscribers
// are dropped rather than allowed to stall the run.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a subscriber for a thread's events.
func (b *Broker) Subscribe(threadID string) chan Event {
	ch := make(chan Event, 128)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[threadID] == nil {
		b.subs[threadID] = make(map[chan Event]struct{})
	}
	b.subs[threadID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(threadID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[threadID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(b.subs, threadID)
		}
	}
}

// Publish delivers an event to every subscriber of its thread.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(set map[chan Event]struct{}) {
		for ch := range set {
			select {
			case ch <- ev:
			default:
				logger.Warn().
					Str("thread_id", ev.ThreadID).
					Str("type", string(ev.Type)).
					Msg("Dropping event for slow subscriber")
			}
		}
	}

	deliver(b.subs[ev.ThreadID])
	if ev.ThreadID != FirehoseID {
		deliver(b.subs[FirehoseID])
	}
}
