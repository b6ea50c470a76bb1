package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/json"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/streamutil"
)

// ConversationRecorder receives the conversation binding discovered while
// streaming. The session store implements it.
type ConversationRecorder interface {
	Record(owner, model, conversationID, alias string)
}

// Options configure one streamed request.
type Options struct {
	Model   string
	Created int64

	// Owner and Alias identify the session binding to record once the
	// upstream reveals a conversation id.
	Owner    string
	Alias    string
	Recorder ConversationRecorder

	// OnComplete, when non-nil, fires once after the stream finishes.
	OnComplete func(success bool, elapsed time.Duration)

	// OnResult, when non-nil, fires once at the terminal transition with
	// the assembled outcome (usage accounting).
	OnResult func(*Result)
}

// Result is the outcome of an aggregated (non-emitting) stream consumption.
type Result struct {
	Answer         string
	ConversationID string
	MessageID      string
	TaskID         string
	Usage          *dify.Usage
}

// NewStreamID synthesizes an OpenAI-style completion id. It is used until the
// upstream reveals a task_id, which then becomes the stream id.
func NewStreamID() string {
	return "chatcmpl-" + uuid.NewString()
}

type renderer struct {
	id      string
	model   string
	created int64
	acc     *Accumulator
	opts    Options
	emitted bool
}

func newRenderer(opts Options) *renderer {
	created := opts.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return &renderer{
		id:      NewStreamID(),
		model:   opts.Model,
		created: created,
		acc:     &Accumulator{},
		opts:    opts,
	}
}

// adoptIDs switches the stream id to the upstream task id once known. The id
// is stable after the first chunk goes out so clients see a consistent id.
func (r *renderer) adoptIDs() {
	if !r.emitted && r.acc.TaskID != "" {
		r.id = r.acc.TaskID
	}
}

func (r *renderer) chunk(choices []openai.ChunkChoice) openai.ChatChunk {
	return openai.ChatChunk{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: choices,
	}
}

func (r *renderer) record() {
	if r.opts.Recorder != nil && r.acc.ConversationID != "" {
		r.opts.Recorder.Record(r.opts.Owner, r.opts.Model, r.acc.ConversationID, r.opts.Alias)
	}
}

func (r *renderer) result() *Result {
	return &Result{
		Answer:         r.acc.Answer(),
		ConversationID: r.acc.ConversationID,
		MessageID:      r.acc.MessageID,
		TaskID:         r.acc.TaskID,
		Usage:          r.acc.Usage,
	}
}

// render serializes one action into the SSE frames it produces.
func (r *renderer) render(action Action) ([][]byte, error) {
	var frames [][]byte

	switch action.Kind {
	case ActionDelta, ActionReplace:
		delta := openai.Delta{Content: action.Text}
		if action.WithRole {
			delta.Role = "assistant"
		}
		chunk := r.chunk([]openai.ChunkChoice{{Delta: delta}})
		payload, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame(payload))

	case ActionFinish:
		r.record()
		if r.opts.OnResult != nil {
			r.opts.OnResult(r.result())
		}
		chunk := r.chunk([]openai.ChunkChoice{{FinishReason: &openai.FinishReasonStop}})
		if action.Usage != nil {
			chunk.Usage = &openai.Usage{
				PromptTokens:     action.Usage.PromptTokens,
				CompletionTokens: action.Usage.CompletionTokens,
				TotalTokens:      action.Usage.TotalTokens,
			}
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame(payload), DoneFrame())

	case ActionFail:
		chunk := r.chunk([]openai.ChunkChoice{{FinishReason: &openai.FinishReasonStop}})
		chunk.Error = &openai.ChunkError{
			Message: action.ErrMessage,
			Type:    "upstream_error",
			Code:    action.ErrCode,
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame(payload), DoneFrame())
	}

	r.emitted = true
	return frames, nil
}

// Run consumes the upstream SSE body and produces downstream OpenAI chunk
// frames on the returned pipeline. The caller drains Output() and writes
// frames to the client; closing the client context cancels the producer.
func Run(ctx context.Context, body io.ReadCloser, opts Options) *streamutil.Pipeline {
	p := streamutil.NewPipeline(ctx, 64, opts.OnComplete)
	r := newRenderer(opts)

	p.Go(func(ctx context.Context) error {
		defer body.Close()

		splitter := &LineSplitter{}
		buf := make([]byte, 16*1024)
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				for _, line := range splitter.Feed(buf[:n]) {
					if done, err := r.handleLine(p, line); err != nil || done {
						return err
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					log.Warnf("upstream stream read: %v", readErr)
				}
				if rest := splitter.Rest(); len(rest) > 0 {
					if done, err := r.handleLine(p, rest); err != nil || done {
						return err
					}
				}
				return r.finalize(p)
			}
		}
	})
	p.Start()
	return p
}

// handleLine decodes one SSE line, applies it, and emits the resulting
// frames. Returns done=true once a terminal action has been sent.
func (r *renderer) handleLine(p *streamutil.Pipeline, line []byte) (bool, error) {
	payload := DataPayload(line)
	if payload == nil {
		return false, nil
	}
	ev, err := dify.DecodeEvent(payload)
	if err != nil {
		// Malformed frames are dropped; the stream recovers at the
		// next line boundary.
		log.Warnf("skipping malformed stream event: %v", err)
		return false, nil
	}
	actions := r.acc.Apply(ev)
	r.adoptIDs()
	return r.emit(p, actions)
}

func (r *renderer) finalize(p *streamutil.Pipeline) error {
	if _, err := r.emit(p, r.acc.Finalize()); err != nil {
		return err
	}
	if r.acc.State == StateFailed {
		return fmt.Errorf("stream failed: %s", r.acc.ErrMessage)
	}
	return nil
}

func (r *renderer) emit(p *streamutil.Pipeline, actions []Action) (bool, error) {
	for _, action := range actions {
		frames, err := r.render(action)
		if err != nil {
			return true, err
		}
		for _, frame := range frames {
			if !p.SendData(frame) {
				return true, nil
			}
		}
		switch action.Kind {
		case ActionFinish:
			return true, nil
		case ActionFail:
			return true, fmt.Errorf("upstream stream failed: %s", action.ErrMessage)
		}
	}
	return false, nil
}

// Aggregate consumes the upstream SSE body to completion and returns the
// assembled answer. Used when an app only streams but the client asked for
// a blocking response.
func Aggregate(ctx context.Context, body io.ReadCloser, opts Options) (*Result, error) {
	defer body.Close()

	acc := &Accumulator{}
	splitter := &LineSplitter{}
	buf := make([]byte, 16*1024)

	apply := func(line []byte) {
		payload := DataPayload(line)
		if payload == nil {
			return
		}
		ev, err := dify.DecodeEvent(payload)
		if err != nil {
			log.Warnf("skipping malformed stream event: %v", err)
			return
		}
		acc.Apply(ev)
	}

	for acc.State != StateCompleted && acc.State != StateFailed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				apply(line)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return nil, readErr
			}
			if rest := splitter.Rest(); len(rest) > 0 {
				apply(rest)
			}
			acc.Finalize()
			break
		}
	}

	if acc.State == StateFailed {
		msg := acc.ErrMessage
		if msg == "" {
			msg = "upstream stream failed"
		}
		return nil, fmt.Errorf("%s", msg)
	}

	if opts.Recorder != nil && acc.ConversationID != "" {
		opts.Recorder.Record(opts.Owner, opts.Model, acc.ConversationID, opts.Alias)
	}

	return &Result{
		Answer:         acc.Answer(),
		ConversationID: acc.ConversationID,
		MessageID:      acc.MessageID,
		TaskID:         acc.TaskID,
		Usage:          acc.Usage,
	}, nil
}
