package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/autopilot/pkg/budget"
	"github.com/codeready-toolchain/autopilot/pkg/fsm"
	"github.com/codeready-toolchain/autopilot/pkg/orchestrator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePool records calls and answers with canned data.
type fakePool struct {
	status    orchestrator.Status
	knownIDs  map[int]bool
	pausedAll bool
	resumed   bool
	scaledTo  []int
	paused    []int
	resumedID []int
}

func (f *fakePool) GetStatus() orchestrator.Status { return f.status }
func (f *fakePool) PauseAll()                      { f.pausedAll = true }
func (f *fakePool) ResumeAll()                     { f.resumed = true }
func (f *fakePool) PauseAgent(id int) bool {
	f.paused = append(f.paused, id)
	return f.knownIDs[id]
}
func (f *fakePool) ResumeAgent(id int) bool {
	f.resumedID = append(f.resumedID, id)
	return f.knownIDs[id]
}
func (f *fakePool) SetDesiredInstances(n int) { f.scaledTo = append(f.scaledTo, n) }

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(&fakePool{})
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestGetStatus(t *testing.T) {
	pool := &fakePool{status: orchestrator.Status{
		Agents: []orchestrator.AgentStatus{
			{ID: 1, State: fsm.StateWorking},
			{ID: 2, State: fsm.StateIdle},
		},
		BudgetStatus:     budget.Status{DailySpend: 1.25, DailyLimit: 10},
		ActiveWorktrees:  1,
		DesiredInstances: 2,
	}}
	s := NewServer(pool)

	rec := do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Agents, 2)
	assert.Equal(t, fsm.StateWorking, got.Agents[0].State)
	assert.Equal(t, 1.25, got.BudgetStatus.DailySpend)
	assert.Equal(t, 1, got.ActiveWorktrees)
	assert.Equal(t, 2, got.DesiredInstances)
}

func TestPauseAndResumeAll(t *testing.T) {
	pool := &fakePool{}
	s := NewServer(pool)

	rec := do(t, s, http.MethodPost, "/api/v1/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pool.pausedAll)

	rec = do(t, s, http.MethodPost, "/api/v1/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pool.resumed)
}

func TestScale(t *testing.T) {
	pool := &fakePool{}
	s := NewServer(pool)

	rec := do(t, s, http.MethodPost, "/api/v1/scale", `{"instances":5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{5}, pool.scaledTo)

	t.Run("zero is a valid target", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/scale", `{"instances":0}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []int{5, 0}, pool.scaledTo)
	})

	t.Run("negative rejected", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/scale", `{"instances":-1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing field rejected", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/scale", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPauseAgent(t *testing.T) {
	pool := &fakePool{knownIDs: map[int]bool{3: true}}
	s := NewServer(pool)

	rec := do(t, s, http.MethodPost, "/api/v1/agents/3/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{3}, pool.paused)

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/agents/42/pause", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("non-numeric id is 400", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/agents/abc/pause", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestResumeAgent(t *testing.T) {
	pool := &fakePool{knownIDs: map[int]bool{1: true}}
	s := NewServer(pool)

	rec := do(t, s, http.MethodPost, "/api/v1/agents/1/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{1}, pool.resumedID)

	rec = do(t, s, http.MethodPost, "/api/v1/agents/9/resume", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
