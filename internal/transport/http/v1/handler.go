// Package v1 exposes the engine over HTTP.
package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/specpilot/internal/engine"
	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

// Engine is the part of the engine the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, text string) (engine.ExecutionState, error)
	GetState() engine.ExecutionState
	CancelCurrentExecution(ctx context.Context) engine.ExecutionState
	AwaitHalt(ctx context.Context) supervision.Halt
	SwitchProject(ctx context.Context, name string, archive bool) (*session.Session, error)
}

// Handler handles HTTP requests.
type Handler struct {
	engine  Engine
	version string
	logger  *logging.Logger

	// background runs asynchronous submissions; tests replace it to wait.
	background func(fn func())
}

// NewHandler creates a new handler.
func NewHandler(eng Engine, version string) *Handler {
	return &Handler{
		engine:     eng,
		version:    version,
		logger:     logging.New().WithComponent("http"),
		background: func(fn func()) { go fn() },
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/messages", h.PostMessage)
	e.GET("/v1/state", h.GetState)
	e.POST("/v1/cancel", h.Cancel)
	e.POST("/v1/projects", h.CreateProject)

	e.GET("/healthz", h.Health)
}

// NewServer returns an echo server with the routes and middleware set up.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(h.requestLogger)
	h.RegisterRoutes(e)
	return e
}

func (h *Handler) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		h.logger.Debug("request", map[string]interface{}{
			"method":      c.Request().Method,
			"path":        c.Path(),
			"status":      c.Response().Status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil
	}
}

// MessageRequest is a user message.
type MessageRequest struct {
	Text string `json:"text"`
	// Async returns 202 immediately and runs the task in the background.
	Async bool `json:"async,omitempty"`
}

// StateResponse is the public view of the execution state.
type StateResponse struct {
	Stage      string    `json:"stage"`
	Task       string    `json:"task,omitempty"`
	Question   string    `json:"question,omitempty"`
	Options    []string  `json:"options,omitempty"`
	Step       string    `json:"step,omitempty"`
	Specialist string    `json:"specialist,omitempty"`
	Cycles     int       `json:"cycles,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toResponse(st engine.ExecutionState) StateResponse {
	r := StateResponse{
		Stage:     string(st.Stage),
		Task:      st.CurrentTask,
		Cancelled: st.Cancelled,
		Output:    st.LastOutput,
		Error:     st.LastError,
		SessionID: st.SessionID,
		UpdatedAt: st.UpdatedAt,
	}
	if p := st.PendingInteraction; p != nil {
		r.Question = p.Question
		r.Options = p.Options
		r.Step = p.Step
		r.Specialist = p.Specialist
	}
	if st.ResumeContext != nil {
		r.Cycles = st.ResumeContext.Cycles
	}
	return r
}

// PostMessage submits a task or answers the pending question.
// POST /v1/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	if req.Async {
		if stage := h.engine.GetState().Stage; stage == engine.StagePlanning || stage == engine.StageExecuting {
			return c.JSON(http.StatusConflict, map[string]string{"error": faults.ErrTaskInFlight.Error()})
		}
		h.background(func() {
			if _, err := h.engine.Submit(context.Background(), req.Text); err != nil {
				h.logger.Warn("async message failed", map[string]interface{}{"error": err.Error()})
			}
		})
		return c.JSON(http.StatusAccepted, toResponse(h.engine.GetState()))
	}

	// A client that disconnects must not abort the task it started.
	st, err := h.engine.Submit(context.WithoutCancel(c.Request().Context()), req.Text)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toResponse(st))
}

// GetState returns the current state.
// GET /v1/state
func (h *Handler) GetState(c echo.Context) error {
	return c.JSON(http.StatusOK, toResponse(h.engine.GetState()))
}

// CancelRequest controls whether the call waits for the task to halt.
type CancelRequest struct {
	Wait bool `json:"wait,omitempty"`
}

// Cancel requests cancellation of the current task.
// POST /v1/cancel
func (h *Handler) Cancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	ctx := c.Request().Context()
	st := h.engine.CancelCurrentExecution(ctx)
	resp := map[string]interface{}{}
	if req.Wait {
		halt := h.engine.AwaitHalt(ctx)
		resp["halt"] = string(halt.Verdict)
		resp["waited_ms"] = halt.Waited.Milliseconds()
		st = h.engine.GetState()
	}
	resp["state"] = toResponse(st)
	return c.JSON(http.StatusOK, resp)
}

// ProjectRequest starts a new project session.
type ProjectRequest struct {
	Name    string `json:"name"`
	Archive *bool  `json:"archive,omitempty"`
}

// CreateProject switches to a new project session.
// POST /v1/projects
func (h *Handler) CreateProject(c echo.Context) error {
	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	archive := true
	if req.Archive != nil {
		archive = *req.Archive
	}

	sess, err := h.engine.SwitchProject(c.Request().Context(), req.Name, archive)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":       sess.ID,
		"name":     sess.Name,
		"base_dir": sess.BaseDir,
	})
}

// Health returns health status.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
		"stage":   string(h.engine.GetState().Stage),
	})
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, faults.ErrTaskInFlight):
		status = http.StatusConflict
	case errors.Is(err, faults.ErrNotAwaiting):
		status = http.StatusConflict
	case errors.Is(err, faults.ErrDisposed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", map[string]interface{}{
			"path":  c.Path(),
			"error": err.Error(),
		})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
