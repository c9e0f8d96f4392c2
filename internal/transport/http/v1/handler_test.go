package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/specpilot/internal/engine"
	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/resume"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

type fakeEngine struct {
	mu        sync.Mutex
	state     engine.ExecutionState
	submitted []string
	submitCtx context.Context
	submitErr error
	cancelled int
	switched  []string
	archived  []bool
}

func (f *fakeEngine) Submit(ctx context.Context, text string) (engine.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	f.submitCtx = ctx
	if f.submitErr != nil {
		return f.state, f.submitErr
	}
	f.state = engine.ExecutionState{
		Stage:       engine.StageAwaitingUser,
		CurrentTask: text,
		PendingInteraction: &engine.PendingInteraction{
			Question:   "confirm tone: formal or casual?",
			Step:       "intro",
			Specialist: "author",
		},
		ResumeContext: &resume.Context{Cycles: 1},
	}
	return f.state, nil
}

func (f *fakeEngine) GetState() engine.ExecutionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeEngine) CancelCurrentExecution(context.Context) engine.ExecutionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	f.state = engine.ExecutionState{Stage: engine.StageIdle, Cancelled: true}
	return f.state
}

func (f *fakeEngine) AwaitHalt(context.Context) supervision.Halt {
	return supervision.Halt{Verdict: supervision.VerdictConfirmed, Polls: 1}
}

func (f *fakeEngine) SwitchProject(_ context.Context, name string, archive bool) (*session.Session, error) {
	f.switched = append(f.switched, name)
	f.archived = append(f.archived, archive)
	return &session.Session{ID: "s-2", Name: name, BaseDir: "/work/" + name}, nil
}

func newTestHandler() (*Handler, *fakeEngine) {
	eng := &fakeEngine{state: engine.ExecutionState{Stage: engine.StageIdle}}
	h := NewHandler(eng, "test")
	h.background = func(fn func()) { fn() }
	return h, eng
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestPostMessage(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":"draft intro section"}`), rec)

	require.NoError(t, h.PostMessage(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "awaiting_user", resp.Stage)
	assert.Equal(t, "confirm tone: formal or casual?", resp.Question)
	assert.Equal(t, "author", resp.Specialist)
	assert.Equal(t, 1, resp.Cycles)
	assert.Equal(t, []string{"draft intro section"}, eng.submitted)
	assert.NotContains(t, rec.Body.String(), "planExecutorState")
}

func TestPostMessageValidation(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()

	t.Run("empty text", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":""}`), rec)
		require.NoError(t, h.PostMessage(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":`), rec)
		require.NoError(t, h.PostMessage(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Empty(t, eng.submitted)
}

func TestPostMessageInFlight(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()
	eng.submitErr = faults.ErrTaskInFlight

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":"another"}`), rec)
	require.NoError(t, h.PostMessage(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostMessageAsync(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()

	t.Run("accepted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":"draft","async":true}`), rec)
		require.NoError(t, h.PostMessage(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"draft"}, eng.submitted)
	})

	t.Run("rejected while executing", func(t *testing.T) {
		eng.state = engine.ExecutionState{Stage: engine.StageExecuting}
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/messages", `{"text":"more","async":true}`), rec)
		require.NoError(t, h.PostMessage(c))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Len(t, eng.submitted, 1)
	})
}

func TestCancel(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()

	t.Run("no body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/v1/cancel", nil), rec)
		require.NoError(t, h.Cancel(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "halt")
	})

	t.Run("wait", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, "/v1/cancel", `{"wait":true}`), rec)
		require.NoError(t, h.Cancel(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Halt  string        `json:"halt"`
			State StateResponse `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "CONFIRMED", resp.Halt)
		assert.Equal(t, "idle", resp.State.Stage)
		assert.True(t, resp.State.Cancelled)
	})

	assert.Equal(t, 2, eng.cancelled)
}

func TestCreateProject(t *testing.T) {
	e := echo.New()
	h, eng := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/v1/projects", `{"name":"handbook","archive":false}`), rec)
	require.NoError(t, h.CreateProject(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"base_dir":"/work/handbook"`)
	assert.Equal(t, []string{"handbook"}, eng.switched)
	assert.Equal(t, []bool{false}, eng.archived)
}

func TestRoutes(t *testing.T) {
	h, _ := newTestHandler()
	srv := NewServer(h)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"idle"`)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPostMessage_ClientDisconnectDoesNotCancelTask(t *testing.T) {
	h, eng := newTestHandler()
	e := echo.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := jsonRequest(http.MethodPost, "/v1/messages", `{"text":"draft intro section"}`).WithContext(ctx)
	rec := httptest.NewRecorder()

	require.NoError(t, h.PostMessage(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, eng.submitCtx)
	assert.NoError(t, eng.submitCtx.Err(), "task context must outlive the request")
}
