package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stage"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateRequest is the request body for POST /api/v1/pipelines.
type CreateRequest struct {
	Request     string         `json:"request"`
	Template    string         `json:"template"`
	Config      map[string]any `json:"config,omitempty"`
	ProjectPath string         `json:"project_path,omitempty"`
	// Execute runs the pipeline right after creating it.
	Execute       bool `json:"execute,omitempty"`
	MaxIterations int  `json:"max_iterations,omitempty"`
}

// CreateResponse is the response body for POST /api/v1/pipelines.
type CreateResponse struct {
	Pipeline *pipeline.PipelineState       `json:"pipeline"`
	Result   *orchestrator.ExecutionResult `json:"result,omitempty"`
}

// ExecuteRequest is the request body for POST /api/v1/pipelines/:id/execute.
type ExecuteRequest struct {
	MaxIterations int `json:"max_iterations,omitempty"`
}

// ApproveRequest is the request body for POST /api/v1/pipelines/:id/approve.
type ApproveRequest struct {
	EscalationID  string         `json:"escalation_id,omitempty"`
	Choice        string         `json:"choice,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

// ReasonRequest is the request body for reject and abort.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ListResponse is the response body for GET /api/v1/pipelines.
type ListResponse struct {
	Pipelines []*pipeline.PipelineState `json:"pipelines"`
	Count     int                       `json:"count"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"templates": s.ctrl.Templates()})
}

func (s *Server) handleList(c echo.Context) error {
	status := pipeline.Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	var list []*pipeline.PipelineState
	if c.QueryParam("completed") == "true" {
		list, err = s.ctrl.ListCompleted(c.Request().Context(), limit)
	} else {
		list, err = s.ctrl.List(c.Request().Context(), status)
		if err == nil && limit > 0 && len(list) > limit {
			list = list[:limit]
		}
	}
	if err != nil {
		return httpError(err)
	}
	if list == nil {
		list = []*pipeline.PipelineState{}
	}
	return c.JSON(http.StatusOK, ListResponse{Pipelines: list, Count: len(list)})
}

func (s *Server) handleCreate(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Request == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request field is required")
	}
	if req.Template == "" {
		req.Template = "implement"
	}

	ctx := c.Request().Context()
	ps, err := s.ctrl.Create(ctx, orchestrator.CreateOpts{
		Request:     req.Request,
		Template:    req.Template,
		Config:      req.Config,
		ProjectPath: req.ProjectPath,
	})
	if err != nil {
		if orchestrator.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return httpError(err)
	}

	resp := CreateResponse{Pipeline: ps}
	if req.Execute {
		result, err := s.ctrl.Execute(ctx, ps.ID, s.executeOpts(req.MaxIterations))
		if err != nil {
			return httpError(err)
		}
		resp.Result = result
		if resp.Pipeline, err = s.ctrl.Status(ctx, ps.ID); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGet(c echo.Context) error {
	ps, err := s.ctrl.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ps)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.ctrl.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	result, err := s.ctrl.Execute(c.Request().Context(), c.Param("id"), s.executeOpts(req.MaxIterations))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	result, err := s.ctrl.Approve(c.Request().Context(), c.Param("id"), stage.Approval{
		EscalationID: req.EscalationID,
		Choice:       req.Choice,
		Payload:      req.Payload,
		ApprovedBy:   req.ApprovedBy,
	}, s.executeOpts(req.MaxIterations))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleReject(c echo.Context) error {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := s.ctrl.Reject(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return s.handleGet(c)
}

func (s *Server) handleAbort(c echo.Context) error {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := s.ctrl.Abort(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return s.handleGet(c)
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event log not configured")
	}
	events, err := s.events.GetPipelineHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleRecentEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event log not configured")
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	events, err := s.events.RecentEvents(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
