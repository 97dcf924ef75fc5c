package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantlab/internal/analysis"
	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/di"
	"github.com/aristath/quantlab/internal/jobs"
)

type noParams struct{}

type testEnv struct {
	srv       *httptest.Server
	container *di.Container
	gate      chan struct{}
}

// newTestEnv wires a real container and registers two extra kinds:
// "gate" completes once the gate is closed and "block" runs until cancelled.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Port:    8001,
		Jobs: config.JobsConfig{
			MaxConcurrent:  4,
			Workers:        4,
			MailboxSize:    16,
			ReaperSchedule: "@every 1h",
			MaxAge:         time.Hour,
		},
	}
	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, container.Start())

	env := &testEnv{container: container, gate: make(chan struct{})}
	analysis.Register(container.Analyses, "gate", "waits for the test", func(ctx context.Context, p noParams, report jobs.ProgressFunc) (any, error) {
		report("waiting", 0.5)
		select {
		case <-env.gate:
			return "released", nil
		case <-ctx.Done():
			return nil, jobs.Checkpoint(ctx)
		}
	})
	analysis.Register(container.Analyses, "block", "runs until cancelled", func(ctx context.Context, p noParams, report jobs.ProgressFunc) (any, error) {
		<-ctx.Done()
		return nil, jobs.Checkpoint(ctx)
	})

	s := New(Config{Log: zerolog.Nop(), Port: cfg.Port, DevMode: true, Container: container, HeartbeatInterval: 20 * time.Millisecond})
	env.srv = httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		select {
		case <-env.gate:
		default:
			close(env.gate)
		}
		env.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = container.Close(ctx)
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) submit(t *testing.T, kind, body string) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/api/jobs/"+kind, body)
	require.Equal(t, http.StatusAccepted, status, out)
	assert.Equal(t, "pending", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) waitStatus(t *testing.T, id string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := e.container.JobManager.Get(id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, out := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
}

func TestListKinds(t *testing.T) {
	env := newTestEnv(t)
	status, out := env.do(t, http.MethodGet, "/api/kinds", "")
	require.Equal(t, http.StatusOK, status)
	kinds := out["kinds"].([]interface{})
	assert.Len(t, kinds, 8)
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown kind", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/jobs/astrology", `{}`)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("bad params", func(t *testing.T) {
		status, out := env.do(t, http.MethodPost, "/api/jobs/backtest", `{"prices": [1, 2]}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out["error"], "invalid analysis parameters")
	})

	t.Run("malformed body", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/jobs/backtest", `{"prices":`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("runs to completion", func(t *testing.T) {
		id := env.submit(t, "rsi_signal", `{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20]}`)
		env.waitStatus(t, id, jobs.StatusCompleted)

		status, out := env.do(t, http.MethodGet, "/api/jobs/"+id, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "completed", out["status"])
		assert.Equal(t, "rsi_signal", out["kind"])
		assert.NotNil(t, out["result"])
		assert.NotNil(t, out["completed_at"])
	})
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodGet, "/api/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, "block", "")
	env.waitStatus(t, id, jobs.StatusRunning)

	status, out := env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, "cancelled", out["status"])

	// Cancelling again is accepted without change.
	status, out = env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["accepted"])

	done := env.submit(t, "rsi_signal", `{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`)
	env.waitStatus(t, done, jobs.StatusCompleted)
	status, out = env.do(t, http.MethodPost, "/api/jobs/"+done+"/cancel", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, out["accepted"])
	assert.Equal(t, "completed", out["status"])

	status, _ = env.do(t, http.MethodPost, "/api/jobs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCleanupArchivesAndFallsBack(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/jobs/cleanup", "")
	assert.Equal(t, http.StatusBadRequest, status)

	id := env.submit(t, "rsi_signal", `{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`)
	env.waitStatus(t, id, jobs.StatusCompleted)

	status, out := env.do(t, http.MethodPost, "/api/jobs/cleanup?max_age_seconds=0", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["removed"])

	_, err := env.container.JobManager.Get(id)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	status, out = env.do(t, http.MethodGet, "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", out["status"])

	status, out = env.do(t, http.MethodGet, "/api/jobs?archived=true", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["count"])
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "block", "")
	env.submit(t, "block", "")
	env.submit(t, "rsi_signal", `{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`)

	status, out := env.do(t, http.MethodGet, "/api/jobs?kind=block", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, out["count"])

	status, out = env.do(t, http.MethodGet, "/api/jobs?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["count"])

	status, _ = env.do(t, http.MethodGet, "/api/jobs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func readSSE(t *testing.T, body io.Reader) []jobs.Event {
	t.Helper()
	var events []jobs.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev jobs.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}
	return events
}

func TestStreamSSE(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "gate", "")
	env.waitStatus(t, id, jobs.StatusRunning)

	resp, err := http.Get(env.srv.URL + "/api/jobs/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(env.gate)
	events := readSSE(t, resp.Body)

	require.NotEmpty(t, events)
	assert.Equal(t, jobs.StatusRunning, events[0].Status, "snapshot first")
	last := events[len(events)-1]
	assert.Equal(t, jobs.StatusCompleted, last.Status)
	assert.Equal(t, "released", last.Result)
	for _, ev := range events {
		assert.Equal(t, id, ev.JobID)
	}
}

func TestStreamSSE_FinishedJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "rsi_signal", `{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`)
	env.waitStatus(t, id, jobs.StatusCompleted)

	resp, err := http.Get(env.srv.URL + "/api/jobs/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.Len(t, events, 1)
	assert.Equal(t, jobs.StatusCompleted, events[0].Status)
}

func TestStreamSSE_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/jobs/missing/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "block", "")
	env.waitStatus(t, id, jobs.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/jobs/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first jobs.Event
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, jobs.StatusRunning, first.Status)

	_, err = env.container.JobManager.Cancel(id)
	require.NoError(t, err)

	var ev jobs.Event
	for !ev.Terminal() {
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
	}
	assert.Equal(t, jobs.StatusCancelled, ev.Status)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSystemStats(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "block", "")

	status, out := env.do(t, http.MethodGet, "/api/system/stats", "")
	require.Equal(t, http.StatusOK, status)

	jobsStats := out["jobs"].(map[string]interface{})
	assert.EqualValues(t, 1, jobsStats["total"])
	host := out["host"].(map[string]interface{})
	assert.Greater(t, host["cpu_count"], 0.0)
	assert.NotNil(t, out["archive"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "block", "")

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "quantlab_jobs_submitted_total")
	assert.Contains(t, string(body), "http_requests_total")
}
