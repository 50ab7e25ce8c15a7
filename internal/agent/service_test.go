package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/eventstore"
	"github.com/loqalabs/loqa-rover/internal/natsserver"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestServiceRecordsRun(t *testing.T) {
	store := openStore(t)
	engine := engineOf(say(`{"thought":"a","actions":["left"]}`), say(`{"thought":"b","actions":[]}`))
	loop := NewLoop(&fakeObserver{}, engine, &fakeMover{}, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, nil, store, 1, newLogger())
	require.NoError(t, svc.Start())
	defer svc.Close()

	var seen []Step
	res, err := svc.Execute(context.Background(), RunRequest{ID: "run-42", Goal: "  turn left  "}, func(s Step) { seen = append(seen, s) })
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "turn left", res.Goal)
	assert.Len(t, seen, 2)
	assert.Equal(t, 0, svc.Active())

	run, err := store.GetRun(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 2, run.Iterations)

	steps, err := store.ListRunSteps(context.Background(), "run-42", 10)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	var wire protocol.AgentStep
	require.NoError(t, json.Unmarshal(steps[0].Payload, &wire))
	assert.Equal(t, []string{"LEFT"}, wire.Actions)
}

func TestServiceRejectsWhenBusy(t *testing.T) {
	mover := &fakeMover{block: true, started: make(chan struct{}, 1)}
	loop := NewLoop(&fakeObserver{}, engineOf(say(`{"thought":"go","actions":["forward"]}`)), mover, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, nil, nil, 1, newLogger())
	defer svc.Close()

	done := make(chan Result, 1)
	go func() {
		res, _ := svc.Execute(context.Background(), RunRequest{ID: "first", Goal: "drive"}, nil)
		done <- res
	}()
	<-mover.started

	_, err := svc.Execute(context.Background(), RunRequest{Goal: "another"}, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, protocol.CodeBusy, ErrorCode(err))
	assert.Equal(t, 1, svc.Active())

	require.NoError(t, svc.Cancel("first"))
	select {
	case res := <-done:
		assert.Equal(t, "cancelled", res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not finish")
	}
	assert.ErrorIs(t, svc.Cancel("first"), ErrUnknownRun)
}

func TestServiceRejectsEmptyGoal(t *testing.T) {
	loop := NewLoop(&fakeObserver{}, engineOf(say(`{}`)), &fakeMover{}, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, nil, nil, 1, newLogger())
	defer svc.Close()

	_, err := svc.Execute(context.Background(), RunRequest{Goal: "   "}, nil)
	assert.True(t, errors.Is(err, ErrInvalidGoal))
	assert.Equal(t, protocol.CodeInvalid, ErrorCode(err))
}

func TestServiceCloseCancelsRuns(t *testing.T) {
	mover := &fakeMover{block: true, started: make(chan struct{}, 1)}
	loop := NewLoop(&fakeObserver{}, engineOf(say(`{"thought":"go","actions":["forward"]}`)), mover, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, nil, nil, 2, newLogger())

	done := make(chan Result, 1)
	go func() {
		res, _ := svc.Execute(context.Background(), RunRequest{Goal: "drive"}, nil)
		done <- res
	}()
	<-mover.started
	svc.Close()

	res := <-done
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, mover.Stops())
	_, err := svc.Execute(context.Background(), RunRequest{Goal: "again"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServiceCloseRacesNewRuns(t *testing.T) {
	loop := NewLoop(&fakeObserver{}, engineOf(say(`{"thought":"done","actions":[]}`)), &fakeMover{}, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, nil, nil, 4, newLogger())

	start := make(chan struct{})
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func() {
			<-start
			_, err := svc.Execute(context.Background(), RunRequest{Goal: "idle"}, nil)
			errs <- err
		}()
	}
	close(start)
	svc.Close()

	for i := 0; i < 32; i++ {
		err := <-errs
		if err != nil {
			assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrBusy), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 0, svc.Active())
	_, err := svc.Execute(context.Background(), RunRequest{Goal: "late"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, svc.track())
}

func TestServiceOverBus(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "agent-test", cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	steps := make(chan *nats.Msg, 8)
	stepSub, err := client.Conn().ChanSubscribe(protocol.SubjectAgentStep, steps)
	require.NoError(t, err)
	defer stepSub.Unsubscribe()

	engine := engineOf(say(`{"thought":"b","actions":[]}`))
	loop := NewLoop(&fakeObserver{}, engine, &fakeMover{}, testOptions(), newLogger())
	svc := NewService(context.Background(), loop, client, nil, 1, newLogger())
	require.NoError(t, svc.Start())
	defer svc.Close()
	assert.True(t, svc.Healthy())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var result protocol.RunResult
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectAgentRun, protocol.RunRequest{Goal: "sit still"}, &result))
	assert.Equal(t, "completed", result.Status)
	assert.NotEmpty(t, result.RunID)

	select {
	case msg := <-steps:
		var step protocol.AgentStep
		require.NoError(t, json.Unmarshal(msg.Data, &step))
		assert.Equal(t, result.RunID, step.RunID)
		assert.True(t, step.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a published step")
	}

	var rejected protocol.RunResult
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectAgentRun, protocol.RunRequest{Goal: ""}, &rejected))
	assert.Equal(t, protocol.CodeInvalid, rejected.Code)
}
