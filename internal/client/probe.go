package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

// ProbeResult describes a connection test.
type ProbeResult struct {
	Provider   string        `json:"provider"`
	Kind       string        `json:"kind"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	OK         bool          `json:"ok"`
}

// Probe sends a minimal request to check endpoint and credentials. It does
// not take the generation slot. A response with a non-2xx status returns
// the result together with a RequestRejected error.
func (c *Client) Probe(ctx context.Context, cfg models.ProviderConfig) (*ProbeResult, error) {
	adapter, cfg, err := c.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	wire, err := adapter.ProbeRequest(cfg)
	if err != nil {
		return nil, &Error{Kind: InvalidRequest, Provider: cfg.DisplayName(), Err: err}
	}

	timeout := c.probeTimeout
	if adapter.Kind() == models.KindCustom && timeout > CustomProbeTimeout {
		timeout = CustomProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := cfg.DisplayName()
	started := time.Now()
	resp, err := c.send(probeCtx, adapter.Kind(), wire)
	if err != nil {
		failure := c.classify(ctx, name, err)
		c.logger.Warn("connection test failed", zap.String("provider", name), zap.Error(failure))
		return nil, failure
	}

	result := &ProbeResult{
		Provider:   name,
		Kind:       string(adapter.Kind()),
		StatusCode: resp.StatusCode,
		Latency:    time.Since(started),
	}
	if err := provider.CheckStatus(resp); err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			c.logger.Warn("connection test rejected", zap.String("provider", name), zap.Int("status", perr.Status))
		}
		return result, err
	}
	result.OK = true
	c.logger.Info("connection test succeeded", zap.String("provider", name), zap.Duration("latency", result.Latency))
	return result, nil
}
