package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"scenegen/internal/client"
	"scenegen/internal/config"
	"scenegen/internal/history"
	"scenegen/internal/session"
)

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
}

type generateAccepted struct {
	RunID string `json:"run_id"`
}

type providerInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Keyless bool   `json:"keyless"`
	Default bool   `json:"default"`
}

type probeReply struct {
	*client.ProbeResult
	Message string `json:"message,omitempty"`
}

type statusReply struct {
	Busy   bool           `json:"busy"`
	Status session.Status `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProviders(c echo.Context) error {
	out := make([]providerInfo, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		resolved := p.Settings()
		out = append(out, providerInfo{
			Name:    p.Name,
			Kind:    string(resolved.Kind),
			Model:   p.Model,
			BaseURL: p.BaseURL,
			Keyless: p.Keyless,
			Default: p.Name == s.cfg.Pipeline.DefaultProvider,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) provider(name string) (config.ProviderConfig, error) {
	p, err := s.cfg.Provider(name)
	if err != nil {
		return config.ProviderConfig{}, requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "not_found_error",
		}
	}
	return p, nil
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	p, err := s.provider(req.Provider)
	if err != nil {
		return err
	}

	runID, err := s.deps.Session.OnGenerateClicked(c.Request().Context(), req.Prompt, p.Settings())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, generateAccepted{RunID: runID})
}

// handleGenerateSync answers with the final status of the run. Failures
// inside the run are a normal 200 reply with state "failure".
func (s *Server) handleGenerateSync(c echo.Context) error {
	var req generateRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	p, err := s.provider(req.Provider)
	if err != nil {
		return err
	}

	st, err := s.deps.Session.Run(c.Request().Context(), req.Prompt, p.Settings())
	if err != nil && st.RunID == "" {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancel(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": s.deps.Session.OnCancelClicked()})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusReply{
		Busy:   s.deps.Session.Busy(),
		Status: s.deps.Session.Status(),
	})
}

func (s *Server) handleScene(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scene.Snapshot())
}

func (s *Server) handleProbe(c echo.Context) error {
	p, err := s.provider(c.Param("name"))
	if err != nil {
		return err
	}

	res, err := s.deps.Client.Probe(c.Request().Context(), p.Settings())
	if err != nil {
		if res == nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, probeReply{ProbeResult: res, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, probeReply{ProbeResult: res})
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusOK, []history.Record{})
	}

	limit := history.DefaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "limit must be a positive integer",
				Type:    "invalid_request_error",
			}
		}
		limit = n
	}

	records, err := s.deps.History.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("list history", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// handleLastScript returns the most recent generated script as plain text,
// ready to be saved and run by hand.
func (s *Server) handleLastScript(c echo.Context) error {
	if s.deps.History == nil {
		return toHTTPError(history.ErrNoScript)
	}
	rec, err := s.deps.History.LastScript(c.Request().Context())
	if err != nil {
		if !errors.Is(err, history.ErrNoScript) {
			s.logger.Error("load last script", zap.Error(err))
		}
		return toHTTPError(err)
	}
	c.Response().Header().Set("X-Scenegen-Run-Id", rec.RunID)
	return c.Blob(http.StatusOK, "text/x-python; charset=utf-8", []byte(rec.Script))
}
