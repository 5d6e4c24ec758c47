package cmd

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"scenegen/internal/client"
	"scenegen/internal/config"
	"scenegen/internal/executor"
	"scenegen/internal/history"
	"scenegen/internal/metrics"
	"scenegen/internal/organizer"
	"scenegen/internal/provider/factory"
	"scenegen/internal/scene"
	"scenegen/internal/script"
	"scenegen/internal/session"
)

// app holds the components built from one configuration file.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	client  *client.Client
	scene   *scene.Memory
	history *history.Store
	session *session.Session
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config <path> is required")
	}
	return config.Load(path)
}

func newApp(cfg config.Config) (*app, error) {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}

	registry, err := factory.NewRegistry()
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	clientOpts := []client.Option{
		client.WithHTTPClient(factory.NewHTTPClient()),
		client.WithLogger(logger),
		client.WithMetrics(collector),
		client.WithPromptMaxLength(cfg.Pipeline.PromptMaxLength),
	}
	if cfg.Pipeline.Timeout > 0 {
		clientOpts = append(clientOpts, client.WithTimeout(cfg.Pipeline.Timeout))
	}
	cl, err := client.New(registry, clientOpts...)
	if err != nil {
		return nil, err
	}

	policy := script.DefaultConfig()
	if len(cfg.Pipeline.AllowedModules) > 0 {
		policy.AllowedModules = cfg.Pipeline.AllowedModules
	}
	extractor := script.NewExtractor(policy, script.WithLogger(logger), script.WithMetrics(collector))

	sc := scene.NewMemory()
	execOpts := []executor.Option{executor.WithLogger(logger), executor.WithMetrics(collector)}
	if cfg.Pipeline.MaxExecutionSteps > 0 {
		execOpts = append(execOpts, executor.WithMaxSteps(cfg.Pipeline.MaxExecutionSteps))
	}

	store, err := history.Open(cfg.History.Path, logger)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Deps{
		Client:    cl,
		Extractor: extractor,
		Executor:  executor.New(sc, execOpts...),
		Organizer: organizer.New(sc, organizer.WithLogger(logger)),
	}, session.WithLogger(logger), session.WithMetrics(collector), session.WithHistory(store))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		client:  cl,
		scene:   sc,
		history: store,
		session: sess,
	}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()
	if err := a.history.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}
