// Package session is the host-facing entry point: it chains the provider
// call, script extraction, execution and organization for one prompt and
// reports progress as Status values.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"scenegen/internal/client"
	"scenegen/internal/events"
	"scenegen/internal/executor"
	"scenegen/internal/history"
	"scenegen/internal/metrics"
	"scenegen/internal/models"
	"scenegen/internal/organizer"
	"scenegen/internal/script"
)

const instrumentationName = "scenegen/internal/session"

// Deps are the pipeline stages a session drives.
type Deps struct {
	Client    *client.Client
	Extractor *script.Extractor
	Executor  *executor.Executor
	Organizer *organizer.Organizer
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithHistory records every finished run in store.
func WithHistory(store *history.Store) Option {
	return func(s *Session) { s.history = store }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracer = tp.Tracer(instrumentationName) }
}

// Session runs one generation at a time against one scene.
type Session struct {
	deps    Deps
	logger  *zap.Logger
	metrics *metrics.Collector
	history *history.Store
	tracer  trace.Tracer

	mu      sync.Mutex
	busy    bool
	phase   Phase
	cancel  context.CancelFunc
	last    Status
	subs    map[int]chan Status
	nextSub int

	wg sync.WaitGroup
}

// New builds a session over deps.
func New(deps Deps, opts ...Option) (*Session, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("session: client must not be nil")
	case deps.Extractor == nil:
		return nil, errors.New("session: extractor must not be nil")
	case deps.Executor == nil:
		return nil, errors.New("session: executor must not be nil")
	case deps.Organizer == nil:
		return nil, errors.New("session: organizer must not be nil")
	}
	s := &Session{
		deps:   deps,
		logger: zap.NewNop(),
		tracer: otel.GetTracerProvider().Tracer(instrumentationName),
		subs:   make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "session"))
	return s, nil
}

// OnGenerateClicked starts a run in the background and returns its ID.
// Progress and the final result are delivered to subscribers. A call while
// a run is in progress fails with an AlreadyInProgress client error and
// does not affect the running generation.
func (s *Session) OnGenerateClicked(ctx context.Context, prompt string, cfg models.ProviderConfig) (string, error) {
	runID, runCtx, err := s.begin(context.WithoutCancel(ctx), prompt, cfg)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.run(runCtx, runID, prompt, cfg)
	}()
	return runID, nil
}

// Run performs a whole generation on the calling goroutine and returns the
// final status. Cancelling ctx behaves like OnCancelClicked.
func (s *Session) Run(ctx context.Context, prompt string, cfg models.ProviderConfig) (Status, error) {
	runID, runCtx, err := s.begin(ctx, prompt, cfg)
	if err != nil {
		return Status{State: StateFailure, ErrorKind: Classify(err), Message: err.Error()}, err
	}
	return s.run(runCtx, runID, prompt, cfg)
}

// OnCancelClicked aborts the provider call of the current run. It returns
// false when nothing is running or the run is already past the network
// phase; execution always finishes once started.
func (s *Session) OnCancelClicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.phase != PhaseRequesting || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Busy reports whether a run is in progress.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Status returns the most recent status published.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Subscribe returns a channel receiving every status published from now
// on. Statuses are dropped for a subscriber whose buffer is full. The
// returned function unsubscribes and closes the channel.
func (s *Session) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Status, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Wait blocks until background runs have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) begin(ctx context.Context, prompt string, cfg models.ProviderConfig) (string, context.Context, error) {
	if err := s.deps.Client.ValidatePrompt(prompt); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return "", nil, &client.Error{Kind: client.AlreadyInProgress, Provider: cfg.DisplayName()}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.phase = PhaseRequesting
	s.cancel = cancel
	return uuid.NewString(), runCtx, nil
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.busy = false
	s.phase = ""
	s.cancel = nil
}

func (s *Session) enter(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) publish(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = st
	for id, ch := range s.subs {
		select {
		case ch <- st:
		default:
			s.logger.Warn("status dropped for slow subscriber", zap.Int("subscriber", id), zap.String("run_id", st.RunID))
		}
	}
}

// run drives one generation. The session is released before the final
// status is published, so a subscriber may start the next run right away.
func (s *Session) run(ctx context.Context, runID, prompt string, cfg models.ProviderConfig) (st Status, err error) {
	st = Status{
		RunID:     runID,
		State:     StateRunning,
		Prompt:    prompt,
		Provider:  cfg.DisplayName(),
		StartedAt: time.Now().UTC(),
	}
	logger := s.logger.With(zap.String("run_id", runID), zap.String("provider", st.Provider))

	ctx, span := s.tracer.Start(ctx, "scenegen.generate", trace.WithAttributes(
		attribute.String("scenegen.run.id", runID),
		attribute.String("scenegen.provider", st.Provider),
		attribute.String("scenegen.provider.kind", string(cfg.Kind)),
		attribute.Int("scenegen.prompt.length", len(prompt)),
	))
	defer span.End()

	capitan.Info(ctx, events.GenerationStarted,
		events.RunIDKey.Field(runID),
		events.PromptKey.Field(prompt),
		events.ProviderKey.Field(st.Provider),
	)
	logger.Info("generation started", zap.Int("prompt_length", len(prompt)))

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrInternal, r)
				logger.Error("generation panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		err = s.pipeline(ctx, &st, prompt, cfg)
	}()

	st.FinishedAt = time.Now().UTC()
	st.Phase = ""
	if err != nil {
		st.State = StateFailure
		st.ErrorKind = Classify(err)
		st.Message = describe(st.ErrorKind, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(st.ErrorKind))
		capitan.Error(ctx, events.GenerationFailed,
			events.RunIDKey.Field(runID),
			events.ErrorKindKey.Field(string(st.ErrorKind)),
			events.ErrorKey.Field(err.Error()),
		)
		logger.Warn("generation failed", zap.String("error_kind", string(st.ErrorKind)), zap.Error(err))
	} else {
		st.State = StateSuccess
		span.SetAttributes(
			attribute.String("scenegen.collection", st.CollectionName),
			attribute.Int("scenegen.objects.count", st.CreatedObjects),
		)
		span.SetStatus(codes.Ok, "")
		capitan.Info(ctx, events.GenerationCompleted,
			events.RunIDKey.Field(runID),
			events.CollectionKey.Field(st.CollectionName),
			events.ObjectCountKey.Field(st.CreatedObjects),
		)
		logger.Info("generation completed",
			zap.String("collection", st.CollectionName),
			zap.Int("objects", st.CreatedObjects),
			zap.Duration("elapsed", st.FinishedAt.Sub(st.StartedAt)),
		)
	}

	s.metrics.RecordGeneration(string(st.State), string(st.ErrorKind))
	s.record(ctx, st, cfg)
	s.finish()
	s.publish(st)
	return st, err
}

func (s *Session) pipeline(ctx context.Context, st *Status, prompt string, cfg models.ProviderConfig) error {
	s.step(st, PhaseRequesting)
	var result *models.GenerationResult
	err := s.stage(ctx, "scenegen.provider.generate", func(ctx context.Context) error {
		var err error
		result, err = s.deps.Client.Generate(ctx, prompt, cfg)
		return err
	})
	if err != nil {
		return err
	}
	// A cancel that lands after the reply arrived still wins.
	if ctx.Err() != nil {
		return &client.Error{Kind: client.Cancelled, Provider: st.Provider, Err: ctx.Err()}
	}
	if len(result.ScriptCandidates) > 0 {
		st.Script = result.ScriptCandidates[0]
	}

	s.step(st, PhaseValidating)
	var validated *script.ValidatedScript
	err = s.stage(ctx, "scenegen.script.extract", func(context.Context) error {
		var err error
		validated, err = s.deps.Extractor.Extract(result)
		return err
	})
	if err != nil {
		var serr *script.Error
		if errors.As(err, &serr) {
			capitan.Error(ctx, events.ScriptRejected,
				events.RunIDKey.Field(st.RunID),
				events.ErrorKindKey.Field(string(serr.Kind)),
				events.ConstructKey.Field(serr.Construct),
				events.CandidateCountKey.Field(len(result.ScriptCandidates)),
			)
		}
		return err
	}
	st.Script = validated.Source()

	// Once the script starts it runs to completion or rollback.
	s.step(st, PhaseExecuting)
	execCtx := context.WithoutCancel(ctx)
	var outcome *executor.Outcome
	err = s.stage(execCtx, "scenegen.scene.execute", func(ctx context.Context) error {
		var err error
		outcome, err = s.deps.Executor.Execute(ctx, validated)
		if outcome != nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.String("scenegen.outcome.id", outcome.ID),
				attribute.Int("scenegen.objects.created", len(outcome.CreatedObjectIDs)),
				attribute.Int64("scenegen.steps", int64(outcome.Steps)),
			)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.step(st, PhaseOrganizing)
	return s.stage(execCtx, "scenegen.scene.organize", func(context.Context) error {
		col, err := s.deps.Organizer.Organize(outcome, prompt)
		if err != nil {
			// Objects the organizer could not group do not stay behind.
			if rerr := s.deps.Executor.Revert(execCtx, outcome); rerr != nil {
				s.logger.Error("revert after organize failure", zap.String("run_id", st.RunID), zap.Error(rerr))
			}
			return err
		}
		st.CollectionName = col.Name
		st.CreatedObjects = len(col.Members)
		return nil
	})
}

// stage runs fn inside a child span.
func (s *Session) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Session) step(st *Status, p Phase) {
	s.enter(p)
	st.Phase = p
	s.publish(*st)
}

func (s *Session) record(ctx context.Context, st Status, cfg models.ProviderConfig) {
	if s.history == nil {
		return
	}
	rec := &history.Record{
		RunID:       st.RunID,
		Prompt:      st.Prompt,
		Provider:    st.Provider,
		Model:       cfg.Model,
		State:       string(st.State),
		ErrorKind:   string(st.ErrorKind),
		Message:     st.Message,
		Collection:  st.CollectionName,
		ObjectCount: st.CreatedObjects,
		Script:      st.Script,
		DurationMs:  st.FinishedAt.Sub(st.StartedAt).Milliseconds(),
		CreatedAt:   st.StartedAt,
	}
	if err := s.history.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to record history", zap.String("run_id", st.RunID), zap.Error(err))
	}
}
