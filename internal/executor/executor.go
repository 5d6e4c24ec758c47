package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"scenegen/internal/events"
	"scenegen/internal/metrics"
	"scenegen/internal/models"
	"scenegen/internal/scene"
	"scenegen/internal/script"
)

const (
	DefaultMaxSteps = 5_000_000
	maxBacktrace    = 2048
)

// ErrBusy is returned when Execute is called while a run is in progress.
var ErrBusy = errors.New("executor is already running a script")

// State is the executor lifecycle.
type State int32

const (
	Idle State = iota
	Running
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outcome is the result of one run. When Committed is false,
// CreatedObjectIDs is empty and the scene is as it was before the run.
type Outcome struct {
	ID               string               `json:"id"`
	Committed        bool                 `json:"committed"`
	CreatedObjectIDs []scene.ObjectRef    `json:"created_object_ids"`
	Errors           []models.ErrorRecord `json:"errors,omitempty"`
	Output           string               `json:"output,omitempty"`
	Steps            uint64               `json:"steps"`
	Duration         time.Duration        `json:"duration"`

	tx *txn
}

// ExecutionError wraps the failure raised while running a script.
type ExecutionError struct {
	Record models.ErrorRecord
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Record.Line > 0 {
		return fmt.Sprintf("script failed at line %d: %s", e.Record.Line, e.Record.Message)
	}
	return "script failed: " + e.Record.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMaxSteps bounds the number of Starlark steps a script may take.
func WithMaxSteps(n uint64) Option {
	return func(e *Executor) { e.maxSteps = n }
}

// Executor runs validated scripts against a scene, all or nothing.
type Executor struct {
	scene    scene.Scene
	maxSteps uint64
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	state State
}

// New returns an executor bound to sc.
func New(sc scene.Scene, opts ...Option) *Executor {
	e := &Executor{
		scene:    sc,
		maxSteps: DefaultMaxSteps,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "scene_executor"))
	return e
}

// State reports where the executor is in its lifecycle.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) transition(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Execute runs s against the scene. On success the outcome is committed and
// lists the objects the run created. On failure everything the run created
// is removed, the selection is restored and an *ExecutionError is returned
// alongside the outcome. ctx is not consulted once the script starts.
func (e *Executor) Execute(ctx context.Context, s *script.ValidatedScript) (*Outcome, error) {
	if s == nil || s.Program() == nil {
		return nil, errors.New("execute: script must be validated first")
	}

	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.state = Running
	e.mu.Unlock()

	outcome := &Outcome{ID: uuid.NewString()}
	logger := e.logger.With(zap.String("outcome_id", outcome.ID))
	started := time.Now()

	tx := begin(e.scene)
	thread := &starlark.Thread{
		Name:  "scenegen-" + outcome.ID,
		Print: func(_ *starlark.Thread, msg string) { tx.print(msg) },
	}
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	runErr := run(thread, s.Program(), starlark.StringDict{
		"bpy":       newBPY(tx),
		"math":      starlarkmath.Module,
		"mathutils": newMathutils(),
		"random":    newRandom(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))),
		"__name__":  starlark.String("__main__"),
	})

	outcome.Steps = thread.ExecutionSteps()
	outcome.Output = tx.output.String()
	outcome.Duration = time.Since(started)
	if outcome.Output != "" {
		logger.Debug("script output", zap.String("output", outcome.Output))
	}

	if runErr != nil {
		record := errorRecord(runErr)
		if err := tx.rollback(); err != nil {
			logger.Error("rollback incomplete", zap.Error(err))
			record.Message += "; rollback incomplete: " + err.Error()
		}
		outcome.Errors = append(outcome.Errors, record)
		e.transition(RolledBack)

		e.metrics.RecordExecution(RolledBack.String(), 0)
		capitan.Error(ctx, events.ExecutionRolledBack,
			events.RunIDKey.Field(outcome.ID),
			events.ErrorKey.Field(record.Message),
			events.DurationMsKey.Field(int(outcome.Duration.Milliseconds())),
		)
		logger.Warn("script rolled back",
			zap.String("error", record.Message),
			zap.Int("line", record.Line),
			zap.Int("created", len(tx.createdObjects)),
		)
		return outcome, &ExecutionError{Record: record, Err: runErr}
	}

	outcome.CreatedObjectIDs = tx.created()
	outcome.Committed = true
	outcome.tx = tx
	e.transition(Committed)

	e.metrics.RecordExecution(Committed.String(), len(outcome.CreatedObjectIDs))
	capitan.Info(ctx, events.ExecutionCommitted,
		events.RunIDKey.Field(outcome.ID),
		events.ObjectCountKey.Field(len(outcome.CreatedObjectIDs)),
		events.DurationMsKey.Field(int(outcome.Duration.Milliseconds())),
	)
	logger.Info("script committed",
		zap.Int("objects", len(outcome.CreatedObjectIDs)),
		zap.Uint64("steps", outcome.Steps),
		zap.Duration("elapsed", outcome.Duration),
	)
	return outcome, nil
}

// ErrNotCommitted is returned when reverting an outcome that holds nothing
// to undo.
var ErrNotCommitted = errors.New("outcome is not committed")

// Revert undoes a committed outcome when a later stage fails: everything the
// run created is removed and the selection from before the run is restored.
// The outcome is left uncommitted.
func (e *Executor) Revert(ctx context.Context, o *Outcome) error {
	if o == nil || !o.Committed || o.tx == nil {
		return ErrNotCommitted
	}

	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = Running
	e.mu.Unlock()

	err := o.tx.rollback()
	o.tx = nil
	o.Committed = false
	o.CreatedObjectIDs = nil
	e.transition(RolledBack)

	e.metrics.RecordExecution(RolledBack.String(), 0)
	capitan.Warn(ctx, events.ExecutionRolledBack,
		events.RunIDKey.Field(o.ID),
		events.ErrorKey.Field("reverted after commit"),
	)
	if err != nil {
		e.logger.Error("revert incomplete", zap.String("outcome_id", o.ID), zap.Error(err))
		return fmt.Errorf("revert outcome %s: %w", o.ID, err)
	}
	e.logger.Info("committed outcome reverted", zap.String("outcome_id", o.ID))
	return nil
}

// run executes the program. A panic inside a builtin becomes an error so
// the caller can still roll back.
func run(thread *starlark.Thread, prog *starlark.Program, predeclared starlark.StringDict) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error while running script: %v", r)
		}
	}()
	_, err = prog.Init(thread, predeclared)
	return err
}

func errorRecord(err error) models.ErrorRecord {
	record := models.ErrorRecord{Message: err.Error()}
	var evalErr *starlark.EvalError
	if !errors.As(err, &evalErr) {
		return record
	}
	record.Message = evalErr.Msg
	record.Backtrace = truncate(evalErr.Backtrace(), maxBacktrace)
	for i := 0; i < len(evalErr.CallStack); i++ {
		pos := evalErr.CallStack.At(i).Pos
		if pos.Line > 0 && pos.Filename() == script.Filename {
			record.Line = int(pos.Line)
			record.Column = int(pos.Col)
			break
		}
	}
	return record
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n..."
}
