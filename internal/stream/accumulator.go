package stream

import (
	"strings"

	"github.com/dify2openai/difybridge/internal/dify"
	log "github.com/dify2openai/difybridge/internal/logging"
)

// State is the per-request phase of the multiplexer.
type State int

const (
	StateAwaitingContent State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

// ActionKind classifies one downstream emission produced by an event.
type ActionKind int

const (
	// ActionDelta emits a content chunk. WithRole marks the opening chunk.
	ActionDelta ActionKind = iota
	// ActionReplace emits the full replacement text after a moderation
	// rewrite.
	ActionReplace
	// ActionFinish emits the terminal stop chunk (with usage if present)
	// followed by the stream terminator.
	ActionFinish
	// ActionFail emits a terminal error chunk followed by the terminator.
	ActionFail
)

// Action is one downstream effect of applying an event.
type Action struct {
	Kind       ActionKind
	Text       string
	WithRole   bool
	Usage      *dify.Usage
	ErrMessage string
	ErrCode    string
}

// Accumulator is the request-scoped state built up while consuming one
// upstream stream: the running answer, the identifiers the upstream reveals,
// and the usage block from message_end.
type Accumulator struct {
	State State

	answer         strings.Builder
	replaced       string
	MessageID      string
	ConversationID string
	TaskID         string
	Usage          *dify.Usage

	ErrCode    string
	ErrMessage string
}

// Answer returns the accumulated text, honoring any moderation replacement.
func (a *Accumulator) Answer() string {
	if a.replaced != "" {
		return a.replaced
	}
	return a.answer.String()
}

// HasContent reports whether any answer text was ever received.
func (a *Accumulator) HasContent() bool {
	return a.answer.Len() > 0 || a.replaced != ""
}

func (a *Accumulator) captureIDs(ev dify.Event) {
	if ev.MessageID != "" {
		a.MessageID = ev.MessageID
	}
	if ev.ConversationID != "" {
		a.ConversationID = ev.ConversationID
	}
	if ev.TaskID != "" {
		a.TaskID = ev.TaskID
	}
}

// Apply advances the state machine with one decoded event and returns the
// downstream actions it produced. Parsing and emission live elsewhere; this
// function only transitions state, which keeps it testable without a socket.
func (a *Accumulator) Apply(ev dify.Event) []Action {
	if a.State == StateCompleted || a.State == StateFailed {
		return nil
	}

	switch ev.Kind {
	case dify.EventMessage, dify.EventAgentMessage:
		a.captureIDs(ev)
		a.answer.WriteString(ev.Answer)
		withRole := a.State == StateAwaitingContent
		a.State = StateStreaming
		return []Action{{Kind: ActionDelta, Text: ev.Answer, WithRole: withRole}}

	case dify.EventMessageReplace:
		// Moderation rewrote the answer wholesale.
		a.captureIDs(ev)
		a.answer.Reset()
		a.replaced = ev.Answer
		withRole := a.State == StateAwaitingContent
		a.State = StateStreaming
		return []Action{{Kind: ActionReplace, Text: ev.Answer, WithRole: withRole}}

	case dify.EventMessageEnd:
		a.captureIDs(ev)
		a.Usage = ev.Usage
		a.State = StateCompleted
		return []Action{{Kind: ActionFinish, Usage: ev.Usage}}

	case dify.EventError:
		a.ErrCode = ev.Code
		a.ErrMessage = ev.Message
		a.State = StateFailed
		return []Action{{Kind: ActionFail, ErrMessage: ev.Message, ErrCode: ev.Code}}

	case dify.EventAgentThought:
		if ev.Thought != "" {
			log.Debugf("agent thought: %s", truncate(ev.Thought, 120))
		}
		if ev.Tool != "" {
			log.Debugf("agent tool: %s", ev.Tool)
		}
		return nil

	case dify.EventNodeFinished:
		// Node output duplicates content already carried by message
		// events; log it, never forward it.
		if text := dify.ExtractNodeOutputText(ev.NodeOutputs); text != "" {
			log.Debugf("node %s (%s) output not forwarded: %s",
				ev.NodeTitle, ev.NodeType, truncate(text, 100))
		}
		return nil

	case dify.EventWorkflowStarted, dify.EventWorkflowFinished:
		log.Debugf("workflow %s: %s", ev.Kind, ev.WorkflowRunID)
		return nil

	case dify.EventNodeStarted:
		log.Debugf("node started: %s (%s)", ev.NodeTitle, ev.NodeType)
		return nil

	case dify.EventPing, dify.EventTTSMessage, dify.EventTTSMessageEnd, dify.EventMessageFile:
		return nil

	default:
		log.Debugf("unhandled stream event: %s", ev.Kind)
		return nil
	}
}

// Finalize handles end-of-upstream without a message_end. Partial content is
// delivered as a normal completion; an empty stream is a failure.
func (a *Accumulator) Finalize() []Action {
	if a.State == StateCompleted || a.State == StateFailed {
		return nil
	}
	if a.HasContent() {
		log.Warnf("upstream stream ended without message_end, delivering %d accumulated chars",
			len(a.Answer()))
		a.State = StateCompleted
		return []Action{{Kind: ActionFinish}}
	}
	a.State = StateFailed
	a.ErrMessage = "No message received from upstream stream"
	return []Action{{Kind: ActionFail, ErrMessage: a.ErrMessage}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
