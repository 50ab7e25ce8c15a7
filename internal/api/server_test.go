package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-rover/internal/actuator"
	"github.com/loqalabs/loqa-rover/internal/agent"
	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/eventstore"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/loqalabs/loqa-rover/internal/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDriver struct {
	mu     sync.Mutex
	moves  []command.Movement
	servos map[string]int
	err    error
}

func (d *fakeDriver) Move(_ context.Context, m command.Movement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.moves = append(d.moves, m)
	return nil
}

func (d *fakeDriver) SetServo(id string, angle int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id != "0" && id != "1" {
		return fmt.Errorf("%w: %q", actuator.ErrUnknownServo, id)
	}
	if d.servos == nil {
		d.servos = map[string]int{}
	}
	d.servos[id] = angle
	return nil
}

type fakeRunner struct {
	steps    []agent.Step
	result   agent.Result
	err      error
	block    bool
	gotID    chan string
	canceled chan string
	ended    chan struct{}
}

func (f *fakeRunner) Execute(ctx context.Context, req agent.RunRequest, emit func(agent.Step)) (agent.Result, error) {
	if f.err != nil {
		return agent.Result{}, f.err
	}
	if f.gotID != nil {
		f.gotID <- req.ID
	}
	for _, step := range f.steps {
		step.RunID = req.ID
		emit(step)
	}
	if f.block {
		<-ctx.Done()
		if f.ended != nil {
			close(f.ended)
		}
		return agent.Result{RunID: req.ID, Goal: req.Goal, Status: agent.StatusFailed, Reason: "cancelled", Err: ctx.Err()}, nil
	}
	res := f.result
	res.RunID = req.ID
	res.Goal = req.Goal
	return res, nil
}

func (f *fakeRunner) Cancel(runID string) error {
	if runID == "missing" {
		return fmt.Errorf("%w: %s", agent.ErrUnknownRun, runID)
	}
	if f.canceled != nil {
		f.canceled <- runID
	}
	return nil
}

type fakeStore struct {
	run   eventstore.Run
	steps []eventstore.Step
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (eventstore.Run, error) {
	if runID != f.run.ID {
		return eventstore.Run{}, eventstore.ErrNotFound
	}
	return f.run, nil
}

func (f *fakeStore) ListRunSteps(_ context.Context, runID string, limit int) ([]eventstore.Step, error) {
	if len(f.steps) > limit {
		return f.steps[:limit], nil
	}
	return f.steps, nil
}

type fakeCamera struct {
	frame frames.Frame
	err   error
}

func (c *fakeCamera) Snapshot(context.Context) (frames.Frame, error) { return c.frame, c.err }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(opts, newLogger()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestDriveEndpoints(t *testing.T) {
	driver := &fakeDriver{}
	srv := newTestServer(t, Options{Driver: driver})

	resp, err := http.Post(srv.URL+"/api/drive/move?command=forward", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []command.Movement{command.Forward}, driver.moves)

	resp, err = http.Post(srv.URL+"/api/drive/move?command=jump", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalid, decodeError(t, resp).Code)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/drive/servo?channel=1&angle=45", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45, driver.servos["1"])

	for _, query := range []string{"channel=1&angle=left", "channel=9&angle=10"} {
		resp, err = http.Post(srv.URL+"/api/drive/servo?"+query, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}

	driver.err = fmt.Errorf("%w: bus gone", pwm.ErrHardware)
	resp, err = http.Post(srv.URL+"/api/drive/move?command=left", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMissingComponentsAreUnavailable(t *testing.T) {
	srv := newTestServer(t, Options{})
	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/drive/move?command=forward"},
		{http.MethodPost, "/api/agent/runs"},
		{http.MethodGet, "/api/camera/frame"},
		{http.MethodGet, "/api/camera/stream"},
		{http.MethodGet, "/api/agent/runs/x/steps"},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(`{"goal":"x"}`))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, tc.path)
	}
}

func TestHealthAndReady(t *testing.T) {
	ready := false
	srv := newTestServer(t, Options{Healthy: func() bool { return true }, Ready: func() bool { return ready }})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready = true
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCameraFrame(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}
	srv := newTestServer(t, Options{Camera: &fakeCamera{frame: frames.Frame{Seq: 7, Data: jpeg}}})

	resp, err := http.Get(srv.URL + "/api/camera/frame")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "7", resp.Header.Get("X-Frame-Seq"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, jpeg, body)
}

func TestCameraFrameUnavailable(t *testing.T) {
	srv := newTestServer(t, Options{Camera: &fakeCamera{err: errors.New("no camera")}})
	resp, err := http.Get(srv.URL + "/api/camera/frame")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func TestStartRunStreamsSteps(t *testing.T) {
	runner := &fakeRunner{
		steps: []agent.Step{
			{Iteration: 0, Thought: "turning", Actions: []command.Movement{command.Left}},
			{Iteration: 1, Thought: "there", Completed: true},
		},
		result: agent.Result{Status: agent.StatusCompleted, Reason: "goal reached", Iterations: 2},
	}
	srv := newTestServer(t, Options{Runner: runner})

	resp, err := http.Post(srv.URL+"/api/agent/runs", "application/json", strings.NewReader(`{"goal":"find the door"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	runID := resp.Header.Get("X-Run-ID")
	assert.NotEmpty(t, runID)

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "step", events[0].name)
	var first protocol.AgentStep
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &first))
	assert.Equal(t, []string{"LEFT"}, first.Actions)
	assert.Equal(t, runID, first.RunID)

	assert.Equal(t, "result", events[2].name)
	var result protocol.RunResult
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "find the door", result.Goal)
	assert.Equal(t, 2, result.Iterations)
}

func TestStartRunRejections(t *testing.T) {
	cases := map[string]struct {
		err    error
		body   string
		status int
	}{
		"busy":      {err: agent.ErrBusy, body: `{"goal":"x"}`, status: http.StatusConflict},
		"no goal":   {err: agent.ErrInvalidGoal, body: `{"goal":""}`, status: http.StatusBadRequest},
		"bad json":  {body: `{"goal":`, status: http.StatusBadRequest},
		"shut down": {err: agent.ErrClosed, body: `{"goal":"x"}`, status: http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, Options{Runner: &fakeRunner{err: tc.err}})
			resp, err := http.Post(srv.URL+"/api/agent/runs", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestClientDisconnectCancelsRun(t *testing.T) {
	runner := &fakeRunner{block: true, steps: []agent.Step{{Iteration: 0}}, gotID: make(chan string, 1), ended: make(chan struct{})}
	srv := newTestServer(t, Options{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/agent/runs", strings.NewReader(`{"goal":"wander"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	<-runner.gotID
	cancel()
	resp.Body.Close()

	select {
	case <-runner.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled by the disconnect")
	}
}

func TestCancelRun(t *testing.T) {
	runner := &fakeRunner{canceled: make(chan string, 1)}
	srv := newTestServer(t, Options{Runner: runner})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/agent/runs/run-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", <-runner.canceled)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/agent/runs/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunSteps(t *testing.T) {
	store := &fakeStore{
		run: eventstore.Run{ID: "run-1", Goal: "spin", Status: "completed", Iterations: 2},
		steps: []eventstore.Step{
			{ID: 1, RunID: "run-1", Iteration: 0, Payload: []byte(`{"iteration":0}`)},
			{ID: 2, RunID: "run-1", Iteration: 1, Payload: []byte(`{"iteration":1}`)},
		},
	}
	srv := newTestServer(t, Options{Store: store})

	resp, err := http.Get(srv.URL + "/api/agent/runs/run-1/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Run   eventstore.Run   `json:"run"`
		Steps []map[string]int `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "spin", body.Run.Goal)
	require.Len(t, body.Steps, 2)
	assert.Equal(t, 1, body.Steps[1]["iteration"])

	resp2, err := http.Get(srv.URL + "/api/agent/runs/run-1/steps?limit=1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Len(t, body.Steps, 1)

	resp3, err := http.Get(srv.URL + "/api/agent/runs/other/steps")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(srv.URL + "/api/agent/runs/run-1/steps?limit=zero")
	require.NoError(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestCameraStreamMultipart(t *testing.T) {
	live := frames.NewBroadcaster("live", 4, newLogger())
	defer live.Close()
	srv := newTestServer(t, Options{Live: live})

	resp, err := http.Get(srv.URL + "/api/camera/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	// headers are flushed after subscribing, so frames published now are delivered
	require.Eventually(t, func() bool { return len(live.Stats().Subscribers) == 1 }, time.Second, 5*time.Millisecond)
	jpeg := []byte{0xFF, 0xD8, 9, 0xFF, 0xD9}

	// each part is readable on its own, before the next frame is published
	mr := multipart.NewReader(resp.Body, FrameBoundary)
	for want := 1; want <= 2; want++ {
		live.Publish(jpeg)
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		assert.Equal(t, fmt.Sprint(len(jpeg)), part.Header.Get("Content-Length"))
		assert.Equal(t, fmt.Sprint(want), part.Header.Get("X-Frame-Seq"))

		read := make(chan []byte, 1)
		go func() {
			data, _ := io.ReadAll(part)
			read <- data
		}()
		select {
		case data := <-read:
			assert.Equal(t, jpeg, data)
		case <-time.After(2 * time.Second):
			t.Fatalf("part %d was not terminated before the next frame", want)
		}
	}
}

func TestStreamEndsWhenBroadcasterCloses(t *testing.T) {
	decisions := frames.NewBroadcaster("decisions", 1, newLogger())
	srv := newTestServer(t, Options{Decisions: decisions})

	resp, err := http.Get(srv.URL + "/api/agent/frames")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return len(decisions.Stats().Subscribers) == 1 }, time.Second, 5*time.Millisecond)

	decisions.Close()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after close")
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(protocol.CodeInvalid))
	assert.Equal(t, http.StatusConflict, StatusFor(protocol.CodeBusy))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(protocol.CodeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(protocol.CodeHardware))
}
