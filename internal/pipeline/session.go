package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"datalens/internal/engine"
	"datalens/internal/guardrail"
	"datalens/internal/store"
)

// SchemaSource renders the schema context handed to the plan generator.
type SchemaSource interface {
	Context(ctx context.Context, exclude map[string]bool) (string, error)
}

// EventLog is the append-only persistence surface the controller writes to.
// Only the controller writes events; everything else reads.
type EventLog interface {
	AppendEvents(ctx context.Context, events []*store.CreateEvent) error
	CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error)
}

// Archiver receives full step results too large for the event stream.
type Archiver interface {
	PutResult(ctx context.Context, conversationUID, requestID string, step int, content []byte) error
}

// Emitter delivers one event to the transport. An error here means the
// client is gone; the session stops emitting.
type Emitter func(ev StreamEvent) error

// Options carries the per-deployment knobs. Zero values get defaults.
type Options struct {
	Policy              guardrail.Policy
	EvidenceRowLimit    int
	ArchiveRowThreshold int
}

// Request is one user turn.
type Request struct {
	RequestID        string
	ConversationID   int32
	ConversationUID  string
	Question         string
	History          []Turn
	ExcludeTables    map[string]bool
	EvidenceSpecHint string
}

// Controller runs one streaming session per request: plan, validate and
// execute each step in order, synthesize, derive evidence. It owns
// cancellation and the terminal-event invariant.
type Controller struct {
	planner  *PlanGenerator
	executor *engine.Executor
	synth    *AnswerSynthesizer
	schema   SchemaSource
	log      EventLog
	archive  Archiver
	opts     Options
	logger   *slog.Logger
}

func NewController(planner *PlanGenerator, executor *engine.Executor, synth *AnswerSynthesizer, schema SchemaSource, log EventLog, opts Options) *Controller {
	if opts.EvidenceRowLimit <= 0 {
		opts.EvidenceRowLimit = 20
	}
	return &Controller{
		planner:  planner,
		executor: executor,
		synth:    synth,
		schema:   schema,
		log:      log,
		opts:     opts,
		logger:   slog.Default().With("component", "session"),
	}
}

// WithArchiver enables result archiving for oversized steps.
func (c *Controller) WithArchiver(a Archiver) *Controller {
	c.archive = a
	return c
}

// session tracks per-request emission state so the terminal invariant and
// the persistence sequence live in one place.
type session struct {
	c        *Controller
	req      Request
	emit     Emitter
	seq      int
	terminal bool
	emitErr  error
	started  time.Time
}

// Run drives the request to exactly one terminal event. The returned error
// reports transport failure only; domain failures are error events.
func (c *Controller) Run(ctx context.Context, req Request, emit Emitter) error {
	s := &session{c: c, req: req, emit: emit, started: time.Now()}

	s.send(EventMeta, MetaPayload{
		RequestID:        req.RequestID,
		ConversationID:   req.ConversationUID,
		EvidenceSpecHint: req.EvidenceSpecHint,
	})

	if s.cancelled(ctx) {
		return s.finishCancelled()
	}

	schemaCtx, err := c.schema.Context(ctx, req.ExcludeTables)
	if err != nil {
		return s.fail(CodePlanFailed, "schema context: "+err.Error())
	}

	plan, err := c.planner.Generate(ctx, req.Question, schemaCtx, req.History)
	if err != nil {
		if ctx.Err() != nil {
			return s.finishCancelled()
		}
		return s.fail(CodePlanFailed, err.Error())
	}

	views := make([]PlanStepView, len(plan.Steps))
	for i, st := range plan.Steps {
		views[i] = PlanStepView{Index: st.Index, Purpose: st.Purpose, SQL: st.SQL}
	}
	s.send(EventPlan, PlanPayload{Steps: views})

	results := make([]engine.ExecutionResult, 0, len(plan.Steps))
	validated := 0
	for _, step := range plan.Steps {
		if s.cancelled(ctx) {
			return s.finishCancelled()
		}

		safeSQL, err := guardrail.Validate(step.SQL, c.opts.Policy)
		if err != nil {
			// Emit the sql/rows pair for the rejected step too; the
			// rejection travels as the step's error, and the plan goes on.
			s.send(EventSQL, SQLPayload{Step: step.Index, Purpose: step.Purpose, SQL: step.SQL})
			res := engine.ExecutionResult{
				StepIndex: step.Index,
				Columns:   []string{},
				Rows:      []map[string]any{},
				Err:       err.Error(),
			}
			results = append(results, res)
			s.sendRows(step, res)
			continue
		}
		validated++

		s.send(EventSQL, SQLPayload{Step: step.Index, Purpose: step.Purpose, SQL: safeSQL})
		res := c.executor.Execute(ctx, step.Index, safeSQL)
		if ctx.Err() != nil {
			return s.finishCancelled()
		}
		results = append(results, res)
		s.sendRows(step, res)
		c.maybeArchive(ctx, req, res)
	}

	if validated == 0 {
		return s.fail(CodeAllStepsRejected, "every planned step was rejected by the guardrail")
	}

	if s.cancelled(ctx) {
		return s.finishCancelled()
	}

	deltaSeq := 0
	answer, err := c.synth.Synthesize(ctx, req.Question, plan, results, func(chunk string) {
		deltaSeq++
		s.send(EventDelta, DeltaPayload{Seq: deltaSeq, Content: chunk})
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.finishCancelled()
		}
		return s.fail(CodeSynthesisFailed, err.Error())
	}

	spec := DeriveEvidence(plan, results, req.EvidenceSpecHint, c.opts.EvidenceRowLimit)
	s.send(EventDone, DonePayload{
		ContentFull:  answer,
		EvidenceSpec: spec,
		Elapsed:      time.Since(s.started).Seconds(),
	})
	s.terminal = true

	if c.log != nil {
		if _, err := c.log.CreateMessage(context.WithoutCancel(ctx), &store.CreateMessage{
			ConversationID: req.ConversationID,
			Role:           "assistant",
			Content:        answer,
		}); err != nil {
			c.logger.Error("persist assistant message", "request_id", req.RequestID, "err", err)
		}
	}
	return s.emitErr
}

func (s *session) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// finishCancelled emits the immediate terminal marker and stops. Partial
// work is discarded; no assistant message is written.
func (s *session) finishCancelled() error {
	s.send(EventError, ErrorPayload{Code: CodeCancelled, Message: "session cancelled"})
	s.terminal = true
	return s.emitErr
}

func (s *session) fail(code, message string) error {
	s.c.logger.Warn("session failed", "request_id", s.req.RequestID, "code", code, "message", message)
	s.send(EventError, ErrorPayload{Code: code, Message: message})
	s.terminal = true
	return s.emitErr
}

func (s *session) sendRows(step Step, res engine.ExecutionResult) {
	s.send(EventRows, RowsPayload{
		Step:     res.StepIndex,
		Purpose:  step.Purpose,
		Columns:  res.Columns,
		Rows:     res.Rows,
		RowCount: res.RowCount,
		Error:    res.Err,
	})
}

// send emits one event and appends it to the durable log. Emission stops
// after the first transport failure or a terminal event, but persistence
// keeps going so replay stays complete.
func (s *session) send(typ string, payload any) {
	if s.terminal {
		return
	}
	ev := StreamEvent{Type: typ, Payload: payload}
	if s.emitErr == nil && s.emit != nil {
		if err := s.emit(ev); err != nil {
			s.emitErr = err
			s.c.logger.Warn("emit failed", "request_id", s.req.RequestID, "type", typ, "err", err)
		}
	}
	s.persist(ev)
}

func (s *session) persist(ev StreamEvent) {
	if s.c.log == nil {
		return
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		s.c.logger.Error("encode event", "request_id", s.req.RequestID, "type", ev.Type, "err", err)
		return
	}
	s.seq++
	err = s.c.log.AppendEvents(context.Background(), []*store.CreateEvent{{
		ConversationID: s.req.ConversationID,
		RequestID:      s.req.RequestID,
		Seq:            s.seq,
		Type:           ev.Type,
		Payload:        body,
	}})
	if err != nil {
		s.c.logger.Error("append event", "request_id", s.req.RequestID, "type", ev.Type, "err", err)
	}
}

func (c *Controller) maybeArchive(ctx context.Context, req Request, res engine.ExecutionResult) {
	if c.archive == nil || c.opts.ArchiveRowThreshold <= 0 || res.RowCount <= c.opts.ArchiveRowThreshold {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.archive.PutResult(context.WithoutCancel(ctx), req.ConversationUID, req.RequestID, res.StepIndex, body); err != nil {
		c.logger.Warn("archive result", "request_id", req.RequestID, "step", res.StepIndex, "err", err)
	}
}
