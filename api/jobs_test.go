package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen_backend/db"
	"imagegen_backend/jobs"
)

type projectResponse struct {
	Success bool       `json:"success"`
	Project db.Project `json:"project"`
}

type projectListResponse struct {
	Projects []db.Project `json:"projects"`
	Count    int          `json:"count"`
}

type statsResponse struct {
	Success bool       `json:"success"`
	Stats   jobs.Stats `json:"stats"`
}

type assetListResponse struct {
	Success bool            `json:"success"`
	Assets  []db.MediaAsset `json:"assets"`
	Count   int             `json:"count"`
}

func (e *testEnv) waitForJob(t *testing.T, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	var job *jobs.Job
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/jobs/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		job = decode[JobResponse](t, rec).Job
		return job.Status == want
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestJobs_SubmitAndComplete(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true})

	rec := env.do(t, http.MethodPost, "/jobs", `{"prompt":"a red cube","size":"512x384","steps":10,"priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[JobResponse](t, rec).Job
	require.NotNil(t, submitted)
	assert.Equal(t, "/jobs/"+submitted.ID, rec.Header().Get("Location"))
	assert.Equal(t, jobs.PriorityHigh, submitted.Priority)
	assert.Equal(t, 512, submitted.Request.Width)
	assert.Equal(t, 384, submitted.Request.Height)

	job := env.waitForJob(t, submitted.ID, jobs.StatusCompleted)
	require.NotNil(t, job.Result)
	assert.Equal(t, "512x384", job.Result.Size)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.CompletedAt)
	assert.True(t, strings.HasPrefix(job.Result.URL, "http://localhost:5001/images/"))

	list := decode[JobListResponse](t, env.do(t, http.MethodGet, "/jobs?status=completed", nil))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, submitted.ID, list.Jobs[0].ID)

	list = decode[JobListResponse](t, env.do(t, http.MethodGet, "/jobs?status=pending", nil))
	assert.Zero(t, list.Count)

	stats := decode[statsResponse](t, env.do(t, http.MethodGet, "/jobs/stats", nil))
	assert.True(t, stats.Success)
	assert.Equal(t, 1, stats.Stats.Total)
	assert.Equal(t, 1, stats.Stats.Completed)
}

func TestJobs_InvalidTransitions(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true})

	rec := env.do(t, http.MethodPost, "/jobs", `{"prompt":"a green cone"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[JobResponse](t, rec).Job.ID
	env.waitForJob(t, id, jobs.StatusCompleted)

	rec = env.do(t, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, decode[ErrorResponse](t, rec).Error.Code)

	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobs_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true})

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown job", http.MethodGet, "/jobs/does-not-exist", "", http.StatusNotFound},
		{"cancel unknown job", http.MethodDelete, "/jobs/does-not-exist", "", http.StatusNotFound},
		{"retry unknown job", http.MethodPost, "/jobs/does-not-exist/retry", "", http.StatusNotFound},
		{"bad priority", http.MethodPost, "/jobs", `{"prompt":"cube","priority":"urgent"}`, http.StatusBadRequest},
		{"negative retries", http.MethodPost, "/jobs", `{"prompt":"cube","max_retries":-1}`, http.StatusBadRequest},
		{"bad webhook", http.MethodPost, "/jobs", `{"prompt":"cube","webhook_url":"ftp://example.com"}`, http.StatusBadRequest},
		{"empty prompt", http.MethodPost, "/jobs", `{"prompt":""}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/jobs", `{`, http.StatusBadRequest},
		{"unknown project", http.MethodPost, "/jobs", `{"prompt":"cube","project_id":"nope"}`, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/jobs?status=sleeping", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/jobs?limit=zero", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body any
			if tt.body != "" {
				body = tt.body
			}
			rec := env.do(t, tt.method, tt.target, body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.False(t, decode[ErrorResponse](t, rec).Success)
		})
	}
}

func TestJobs_DisabledWithoutManager(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects", nil).Code)
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true})

	rec := env.do(t, http.MethodPost, "/projects", ProjectRequest{Name: "cubes", Description: "primitive shapes"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decode[projectResponse](t, rec).Project
	require.NotEmpty(t, project.ID)
	assert.Equal(t, "cubes", project.Name)

	rec = env.do(t, http.MethodPost, "/projects", `{"description":"no name"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got := decode[projectResponse](t, env.do(t, http.MethodGet, "/projects/"+project.ID, nil))
	assert.Equal(t, project.ID, got.Project.ID)

	list := decode[projectListResponse](t, env.do(t, http.MethodGet, "/projects", nil))
	assert.Equal(t, 1, list.Count)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects/nope/assets", nil).Code)

	rec = env.do(t, http.MethodPost, "/jobs", map[string]any{"prompt": "a red cube", "project_id": project.ID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := env.waitForJob(t, decode[JobResponse](t, rec).Job.ID, jobs.StatusCompleted)
	assert.Equal(t, project.ID, job.ProjectID)

	assets := decode[assetListResponse](t, env.do(t, http.MethodGet, "/projects/"+project.ID+"/assets", nil))
	require.Equal(t, 1, assets.Count)
	assert.Equal(t, job.Result.Filename, assets.Assets[0].Filename)
	assert.Equal(t, "a red cube", assets.Assets[0].Prompt)

	jobList := decode[JobListResponse](t, env.do(t, http.MethodGet, "/jobs?project_id="+project.ID, nil))
	assert.Equal(t, 1, jobList.Count)
}

func TestJobEvents_WebSocket(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true, apiKeys: []string{"secret"}})
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/jobs/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey=secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageTypeConnected, hello.Type)
	require.Eventually(t, func() bool { return env.srv.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/jobs", `{"prompt":"a red cube"}`, APIKeyHeader, "secret")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[JobResponse](t, rec).Job.ID

	seen := map[jobs.Status]bool{}
	for !seen[jobs.StatusCompleted] {
		var msg struct {
			Type string   `json:"type"`
			Data jobs.Job `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != MessageTypeJobUpdate || msg.Data.ID != id {
			continue
		}
		seen[msg.Data.Status] = true
	}
	assert.True(t, seen[jobs.StatusPending])
	assert.True(t, seen[jobs.StatusRunning])
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := NewHub(nil, HubConfig{BroadcastBuffer: 1})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(Message{Type: MessageTypeJobUpdate})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
	assert.Zero(t, hub.ClientCount())
	hub.Close()
	hub.Close()
}
