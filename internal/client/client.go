package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"scenegen/internal/events"
	"scenegen/internal/metrics"
	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
	CustomProbeTimeout     = 5 * time.Second
	DefaultPromptMaxLength = 500
	MaxAPIKeyLength        = 200
	maxResponseBytes       = 8 << 20
)

// Processor identities for the provider call pipeline.
var (
	callID    = pipz.NewIdentity("provider-call", "Sends one request to the provider and parses the reply")
	timeoutID = pipz.NewIdentity("provider-timeout", "Bounds a single provider attempt")
	backoffID = pipz.NewIdentity("provider-backoff", "Retries transient provider failures with exponential delay")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport used for provider calls.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout sets the per-attempt deadline used when the provider config
// does not carry one.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) { c.probeTimeout = d }
}

func WithPromptMaxLength(n int) Option {
	return func(c *Client) { c.promptMaxLength = n }
}

// Client performs generation calls against the configured providers. At
// most one Generate call runs at a time.
type Client struct {
	registry        *provider.Registry
	http            Doer
	logger          *zap.Logger
	metrics         *metrics.Collector
	timeout         time.Duration
	probeTimeout    time.Duration
	promptMaxLength int

	inflight *semaphore.Weighted
}

// New constructs a client over the adapter registry.
func New(registry *provider.Registry, opts ...Option) (*Client, error) {
	if registry == nil {
		return nil, errors.New("provider registry must not be nil")
	}
	c := &Client{
		registry:        registry,
		http:            http.DefaultClient,
		logger:          zap.NewNop(),
		timeout:         DefaultTimeout,
		probeTimeout:    DefaultProbeTimeout,
		promptMaxLength: DefaultPromptMaxLength,
		inflight:        semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "generation_client"))
	return c, nil
}

// ValidatePrompt checks the prompt against the length limits.
func (c *Client) ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return invalid("prompt must not be empty")
	}
	if n := utf8.RuneCountInString(prompt); n > c.promptMaxLength {
		return invalid("prompt is %d characters, limit is %d", n, c.promptMaxLength)
	}
	return nil
}

// Resolve applies adapter defaults to cfg and validates the result.
func (c *Client) Resolve(cfg models.ProviderConfig) (provider.Adapter, models.ProviderConfig, error) {
	adapter, resolved, err := c.registry.Resolve(cfg)
	if err != nil {
		return nil, cfg, &Error{Kind: InvalidRequest, Provider: cfg.DisplayName(), Err: err}
	}
	if strings.TrimSpace(resolved.EndpointURL) == "" {
		return nil, resolved, &Error{Kind: InvalidRequest, Provider: resolved.DisplayName(), Err: errors.New("endpoint url must be configured")}
	}
	key := strings.TrimSpace(resolved.APIKey)
	if key == "" && !resolved.Keyless {
		return nil, resolved, &Error{Kind: InvalidRequest, Provider: resolved.DisplayName(), Err: errors.New("api key must be configured")}
	}
	if len(key) > MaxAPIKeyLength {
		return nil, resolved, &Error{Kind: InvalidRequest, Provider: resolved.DisplayName(), Err: fmt.Errorf("api key exceeds %d characters", MaxAPIKeyLength)}
	}
	return adapter, resolved, nil
}

type call struct {
	mu       sync.Mutex
	attempts int
	status   int
	result   *models.GenerationResult
	terminal error
}

func (c *call) finish(result *models.GenerationResult, status int, terminal error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result, c.status, c.terminal = result, status, terminal
}

func (c *call) outcome() (*models.GenerationResult, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.status, c.terminal
}

func (c *call) nextAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// Generate sends prompt to the provider described by cfg and returns the
// parsed result. Cancelling ctx aborts the in-flight request. A second
// call while one is running fails immediately with AlreadyInProgress.
func (c *Client) Generate(ctx context.Context, prompt string, cfg models.ProviderConfig) (*models.GenerationResult, error) {
	if !c.inflight.TryAcquire(1) {
		return nil, &Error{Kind: AlreadyInProgress, Provider: cfg.DisplayName()}
	}
	defer c.inflight.Release(1)

	if err := c.ValidatePrompt(prompt); err != nil {
		return nil, err
	}
	adapter, cfg, err := c.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	wire, err := adapter.BuildRequest(prompt, cfg)
	if err != nil {
		return nil, &Error{Kind: InvalidRequest, Provider: cfg.DisplayName(), Err: err}
	}

	name := cfg.DisplayName()
	logger := c.logger.With(zap.String("provider", name), zap.String("model", cfg.Model))
	state := &call{}

	attempt := pipz.Apply(callID, func(ctx context.Context, st *call) (*call, error) {
		n := st.nextAttempt()
		capitan.Info(ctx, events.ProviderCallStarted,
			events.ProviderKey.Field(name),
			events.ModelKey.Field(cfg.Model),
			events.AttemptKey.Field(n),
		)

		started := time.Now()
		resp, err := c.send(ctx, adapter.Kind(), wire)
		if err != nil {
			c.metrics.RecordProviderCall(name, errorClass(ctx, err), time.Since(started))
			return st, err
		}
		c.metrics.RecordProviderCall(name, strconv.Itoa(resp.StatusCode), time.Since(started))

		result, err := adapter.ParseResponse(resp, cfg)
		if err != nil {
			var perr *provider.Error
			if errors.As(err, &perr) && perr.Retryable() && cfg.Retry.Enabled() {
				logger.Warn("transient provider failure", zap.Int("attempt", n), zap.Int("status", resp.StatusCode))
				return st, err
			}
			st.finish(nil, resp.StatusCode, err)
			return st, nil
		}
		st.finish(result, resp.StatusCode, nil)
		return st, nil
	})

	timeout := c.timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	var chain pipz.Chainable[*call] = pipz.NewTimeout(timeoutID, attempt, timeout)
	if cfg.Retry.Enabled() {
		chain = pipz.NewBackoff(backoffID, chain, cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)
	}

	started := time.Now()
	_, err = chain.Process(ctx, state)
	if err != nil {
		failure := c.classify(ctx, name, err)
		c.emitFailure(ctx, name, 0, failure, started)
		logger.Warn("provider call failed", zap.Error(failure))
		return nil, failure
	}

	result, status, terminal := state.outcome()
	if terminal != nil {
		c.emitFailure(ctx, name, status, terminal, started)
		logger.Warn("provider response rejected", zap.Int("status", status), zap.Error(terminal))
		return nil, terminal
	}

	capitan.Info(ctx, events.ProviderCallCompleted,
		events.ProviderKey.Field(name),
		events.ModelKey.Field(cfg.Model),
		events.StatusCodeKey.Field(status),
		events.CandidateCountKey.Field(len(result.ScriptCandidates)),
		events.DurationMsKey.Field(int(time.Since(started).Milliseconds())),
	)
	logger.Debug("provider call completed",
		zap.Int("status", status),
		zap.Int("candidates", len(result.ScriptCandidates)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

// classify maps a pipeline error onto the call error kinds. Cancellation of
// the caller's context wins over a deadline.
func (c *Client) classify(ctx context.Context, name string, err error) error {
	var perr *provider.Error
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return &Error{Kind: Cancelled, Provider: name, Err: ctx.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Timeout, Provider: name, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: Cancelled, Provider: name, Err: err}
	case errors.As(err, &perr):
		return perr
	default:
		return &Error{Kind: Transport, Provider: name, Err: err}
	}
}

func (c *Client) emitFailure(ctx context.Context, name string, status int, err error, started time.Time) {
	capitan.Error(ctx, events.ProviderCallFailed,
		events.ProviderKey.Field(name),
		events.StatusCodeKey.Field(status),
		events.ErrorKey.Field(err.Error()),
		events.ErrorKindKey.Field(Kind(err)),
		events.DurationMsKey.Field(int(time.Since(started).Milliseconds())),
	)
}

func (c *Client) send(ctx context.Context, kind models.ProviderKind, wire *provider.WireRequest) (*provider.WireResponse, error) {
	var body io.Reader = http.NoBody
	if len(wire.Body) > 0 {
		body = bytes.NewReader(wire.Body)
	}
	req, err := http.NewRequestWithContext(ctx, wire.Method, wire.URL, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header = wire.Header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", kind, err)
	}
	return &provider.WireResponse{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Kind returns a stable label for err, used in metrics, events and status
// messages.
func Kind(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return string(cerr.Kind)
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return string(perr.Kind)
	}
	return "unknown"
}

func errorClass(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return string(Timeout)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return string(Cancelled)
	default:
		return string(Transport)
	}
}
