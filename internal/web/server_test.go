package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qraft-dev/qraft/internal/archive"
	"github.com/qraft-dev/qraft/internal/config"
	"github.com/qraft-dev/qraft/internal/consts"
	"github.com/qraft-dev/qraft/internal/events"
	"github.com/qraft-dev/qraft/internal/queue"
	"github.com/qraft-dev/qraft/internal/runner"
	"github.com/qraft-dev/qraft/internal/session"
)

type stubHandle struct {
	notifications chan runner.Notification
	done          chan runner.Result

	mu       sync.Mutex
	finished bool
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		notifications: make(chan runner.Notification, 16),
		done:          make(chan runner.Result, 1),
	}
}

func (h *stubHandle) Notifications() <-chan runner.Notification { return h.notifications }
func (h *stubHandle) Done() <-chan runner.Result                { return h.done }

func (h *stubHandle) Stop() { h.finish(runner.Result{Stopped: true}) }

func (h *stubHandle) finish(res runner.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	close(h.notifications)
	h.done <- res
	close(h.done)
}

type stubRunner struct {
	mu      sync.Mutex
	handles map[string]*stubHandle
}

func newStubRunner() *stubRunner {
	return &stubRunner{handles: make(map[string]*stubHandle)}
}

func (r *stubRunner) Start(_ context.Context, spec runner.Spec) (runner.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := newStubHandle()
	r.handles[spec.SessionID] = h
	return h, nil
}

func (r *stubRunner) handle(sessionID string) *stubHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[sessionID]
}

type stubProvisioner struct {
	mu      sync.Mutex
	counter int
}

func (p *stubProvisioner) Ensure(_ context.Context, id string) (string, error) {
	return filepath.Join("/tmp/worktrees", id), nil
}

func (p *stubProvisioner) Remove(_ context.Context, _ string) error { return nil }

func (p *stubProvisioner) NewID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("wt-%d", p.counter)
}

func newTestServer(t *testing.T) (*Server, *stubRunner) {
	t.Helper()

	store, err := archive.NewStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{ProjectPath: t.TempDir(), MaxConcurrentSessions: 4}
	r := newStubRunner()
	m := queue.NewManager(cfg, session.NewRegistry(), events.NewBroadcaster(), r, &stubProvisioner{}, store, nil)
	t.Cleanup(m.Close)

	return NewServer(m, store, "127.0.0.1", 0), r
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/sessions/missing-id", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Session not found: missing-id", body["error"])
	assert.Equal(t, float64(404), body["code"])
}

func TestSubmitEmptyMessage(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "message is required and must be non-empty")
}

func TestSubmitCreatesSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{
		"message":     "do the thing",
		"worktree_id": "wt1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["sessionId"])
	assert.NotEmpty(t, body["promptId"])
	assert.Equal(t, "wt1", body["worktreeId"])

	rec = doRequest(s, http.MethodGet, "/sessions/"+body["sessionId"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decodeBody(t, rec)
	assert.Equal(t, "running", sess["state"])
}

func TestQueueStatus(t *testing.T) {
	s, _ := newTestServer(t)

	doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "b", "worktree_id": "wt1"})

	rec := doRequest(s, http.MethodGet, "/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["runningCount"])
	assert.Equal(t, float64(1), body["queuedCount"])
	assert.Equal(t, float64(2), body["totalCount"])
}

func TestListSessions(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Empty(t, body["sessions"])

	doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})

	rec = doRequest(s, http.MethodGet, "/sessions", nil)
	body = decodeBody(t, rec)
	assert.Len(t, body["sessions"], 1)
}

func TestCancelSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	id := decodeBody(t, rec)["sessionId"].(string)

	rec = doRequest(s, http.MethodPost, "/sessions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, id, body["sessionId"])

	rec = doRequest(s, http.MethodPost, "/sessions/qs_missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "Session not found: qs_missing")
}

func TestPromptQueueListAndCancel(t *testing.T) {
	s, _ := newTestServer(t)

	doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "b", "worktree_id": "wt1"})
	promptID := decodeBody(t, rec)["promptId"].(string)

	rec = doRequest(s, http.MethodGet, "/prompt-queue?worktree_id=wt1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["prompts"], 1)
	item := body["prompts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "queued", item["status"])

	rec = doRequest(s, http.MethodPost, "/prompt-queue/"+promptID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, promptID, decodeBody(t, rec)["promptId"])

	rec = doRequest(s, http.MethodPost, "/prompt-queue/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Prompt not found: nope", decodeBody(t, rec)["error"])
}

func TestHiddenRequiresBoolean(t *testing.T) {
	s, _ := newTestServer(t)

	for _, body := range []string{
		`{"hidden":"true"}`,
		`{"hidden":1}`,
		`{}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPut, "/sessions/qs_123/hidden", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
		assert.Contains(t, decodeBody(t, rec)["error"], "hidden is required and must be a boolean")
	}
}

func TestHiddenRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPut, "/sessions/qs_123/hidden", map[string]interface{}{"hidden": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "qs_123", body["sessionId"])
	assert.Equal(t, true, body["hidden"])

	rec = doRequest(s, http.MethodGet, "/sessions/hidden", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["sessionIds"], "qs_123")

	// idempotent toggle off
	doRequest(s, http.MethodPut, "/sessions/qs_123/hidden", map[string]interface{}{"hidden": false})
	doRequest(s, http.MethodPut, "/sessions/qs_123/hidden", map[string]interface{}{"hidden": false})

	rec = doRequest(s, http.MethodGet, "/sessions/hidden", nil)
	assert.NotContains(t, decodeBody(t, rec)["sessionIds"], "qs_123")
}

func TestStreamUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/sessions/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "Session not found: missing")
}

func TestStreamTerminalSession(t *testing.T) {
	s, r := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	id := decodeBody(t, rec)["sessionId"].(string)

	r.handle(id).finish(runner.Result{})
	require.Eventually(t, func() bool {
		sess, ok := s.manager.Registry().Get(id)
		return ok && sess.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	rec = doRequest(s, http.MethodGet, "/sessions/"+id+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	eventTypes := parseSSEEventTypes(rec.Body.String())
	assert.Equal(t, []string{"connected", "completed"}, eventTypes)
}

func TestStreamLiveSession(t *testing.T) {
	s, r := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	id := decodeBody(t, rec)["sessionId"].(string)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	// emit progress then finish while the stream is attached
	go func() {
		h := r.handle(id)
		h.notifications <- runner.Notification{SessionID: id, Line: "step 1", Stream: "stdout"}
		time.Sleep(50 * time.Millisecond)
		h.finish(runner.Result{})
	}()

	deadline := time.After(5 * time.Second)
	done := make(chan []string, 1)
	go func() {
		var types []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
			}
		}
		done <- types
	}()

	select {
	case types := <-done:
		require.NotEmpty(t, types)
		assert.Equal(t, "connected", types[0])
		assert.Contains(t, types, "progress")
		assert.Equal(t, "completed", types[len(types)-1])
	case <-deadline:
		t.Fatal("stream did not terminate")
	}
}

// blockedWriter is a flushable ResponseWriter whose writes stall until
// release is closed, simulating a client that stops reading mid-stream.
type blockedWriter struct {
	release chan struct{}

	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func newBlockedWriter() *blockedWriter {
	return &blockedWriter{release: make(chan struct{}), header: make(http.Header)}
}

func (w *blockedWriter) Header() http.Header { return w.header }
func (w *blockedWriter) WriteHeader(int)     {}
func (w *blockedWriter) Flush()              {}

func (w *blockedWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *blockedWriter) body() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestStreamDroppedSubscriberStillEndsOnTerminalEvent(t *testing.T) {
	s, r := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	id := decodeBody(t, rec)["sessionId"].(string)

	w := newBlockedWriter()
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/stream", nil)
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		s.handleStream(w, req, httprouter.Params{{Key: "id", Value: id}})
	}()

	broadcaster := s.manager.Broadcaster()
	require.Eventually(t, func() bool {
		return broadcaster.SubscriberCount(id) == 1
	}, 2*time.Second, 10*time.Millisecond, "stream never subscribed")

	// The handler is stalled on its first write, so its subscription
	// buffer fills up and the broadcaster drops it.
	for i := 0; i < consts.EventBufferSize+10; i++ {
		broadcaster.Publish(events.Event{Type: events.TypeProgress, SessionID: id, Message: "tick", Timestamp: time.Now()})
	}
	require.Eventually(t, func() bool {
		return broadcaster.SubscriberCount(id) == 0
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber was never dropped")

	r.handle(id).finish(runner.Result{})
	require.Eventually(t, func() bool {
		sess, ok := s.manager.Registry().Get(id)
		return ok && sess.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	close(w.release)

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate")
	}

	types := parseSSEEventTypes(w.body())
	require.NotEmpty(t, types)
	assert.Equal(t, "connected", types[0])
	assert.Equal(t, "completed", types[len(types)-1], "dropped subscriber must still receive the terminal event")
}

func TestStreamNoPingWhileEventsFlow(t *testing.T) {
	s, r := newTestServer(t)
	s.heartbeat = 500 * time.Millisecond

	rec := doRequest(s, http.MethodPost, "/submit", map[string]interface{}{"message": "a", "worktree_id": "wt1"})
	id := decodeBody(t, rec)["sessionId"].(string)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	// steady activity for longer than the heartbeat interval
	go func() {
		h := r.handle(id)
		for i := 0; i < 12; i++ {
			h.notifications <- runner.Notification{SessionID: id, Line: fmt.Sprintf("step %d", i), Stream: "stdout"}
			time.Sleep(50 * time.Millisecond)
		}
		h.finish(runner.Result{})
	}()

	deadline := time.After(10 * time.Second)
	done := make(chan []string, 1)
	go func() {
		var types []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
			}
		}
		done <- types
	}()

	select {
	case types := <-done:
		require.NotEmpty(t, types)
		assert.Equal(t, "completed", types[len(types)-1])
		assert.NotContains(t, types, "ping", "heartbeat must not fire while events are flowing")
	case <-deadline:
		t.Fatal("stream did not terminate")
	}
}

func parseSSEEventTypes(body string) []string {
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	return types
}
