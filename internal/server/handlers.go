package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tutor/internal/degradation"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/llm"
	"tutor/internal/orchestrator"
	"tutor/internal/scheduler"
)

const defaultPerformanceWindow = 50

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: status < http.StatusBadRequest, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}

func (s *Server) bindQuery(c *gin.Context) (orchestrator.Request, bool) {
	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return orchestrator.Request{}, false
	}
	req, err := body.toRequest()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return orchestrator.Request{}, false
	}
	return req, true
}

// handleSubmit queues a question and returns immediately.
func (s *Server) handleSubmit(c *gin.Context) {
	req, ok := s.bindQuery(c)
	if !ok {
		return
	}
	resp, err := s.deps.Pipeline.SubmitQuery(c.Request.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrNoScheduler):
		fail(c, http.StatusNotImplemented, err)
	case tutorerrors.IsAdmissionRejected(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: resp, Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Data: resp, Error: err.Error()})
	case resp.Final():
		respond(c, http.StatusOK, resp)
	default:
		c.Header("Location", "/v1/queries/"+resp.QueryID)
		respond(c, http.StatusAccepted, resp)
	}
}

// handleGetResult returns a query's response, optionally long-polling with
// ?wait=<duration>.
func (s *Server) handleGetResult(c *gin.Context) {
	wait, err := s.waitParam(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	resp, err := s.deps.Pipeline.GetResult(c.Request.Context(), c.Param("id"), wait)
	switch {
	case err == nil:
		respond(c, http.StatusOK, resp)
	case errors.Is(err, orchestrator.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrPending):
		respond(c, http.StatusAccepted, resp)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, APIResponse{Success: false, Data: resp, Error: err.Error()})
	case errors.Is(err, orchestrator.ErrNoScheduler):
		fail(c, http.StatusNotImplemented, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) waitParam(c *gin.Context) (time.Duration, error) {
	raw := c.Query("wait")
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.New("wait must be a duration such as 5s")
		}
		wait = time.Duration(secs) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}
	return min(wait, s.config.MaxWait), nil
}

// handleCancel stops a queued or running query.
func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Pipeline.CancelQuery(id) {
		fail(c, http.StatusNotFound, errors.New("query not found or already finished"))
		return
	}
	respond(c, http.StatusOK, gin.H{"query_id": id, "cancelled": true})
}

// handleAsk answers synchronously.
func (s *Server) handleAsk(c *gin.Context) {
	req, ok := s.bindQuery(c)
	if !ok {
		return
	}
	respond(c, http.StatusOK, s.deps.Pipeline.ProcessQuery(c.Request.Context(), req))
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	status, err := s.deps.Pipeline.QueueStatus()
	if err != nil {
		fail(c, http.StatusNotImplemented, err)
		return
	}
	respond(c, http.StatusOK, status)
}

func (s *Server) handleDegradationStatus(c *gin.Context) {
	respond(c, http.StatusOK, s.deps.Pipeline.DegradationStatus())
}

func (s *Server) handlePerformance(c *gin.Context) {
	if s.deps.Performance == nil {
		fail(c, http.StatusNotImplemented, errors.New("performance tracking not configured"))
		return
	}
	window := defaultPerformanceWindow
	if raw := c.Query("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, errors.New("window must be a non-negative integer"))
			return
		}
		window = n
	}
	respond(c, http.StatusOK, PerformanceReport{
		Window:  window,
		Summary: s.deps.Performance.Summary(window),
		Targets: s.deps.Performance.Targets(),
	})
}

func (s *Server) handleForceLevel(c *gin.Context) {
	if s.deps.Levels == nil {
		fail(c, http.StatusNotImplemented, errors.New("degradation control not configured"))
		return
	}
	var body ForceLevelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	level, err := degradation.ParseLevel(body.Level)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	state, err := s.deps.Levels.ForceLevel(level, body.Reason)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Degradation level forced to %s via API (%s)", state.Level, state.Reason)
	respond(c, http.StatusOK, state)
}

// providerHealth is implemented by generators that track their own
// circuit state.
type providerHealth interface {
	Health() llm.HealthState
}

// handleHealth reports liveness and whether the model host answers.
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		ModelHost: "unchecked",
	}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.ModelHost = "unreachable"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.ModelHost = "ok"
		if r, ok := s.deps.Health.(providerHealth); ok {
			resp.ModelHost = string(r.Health())
		}
	}
	c.JSON(http.StatusOK, resp)
}
