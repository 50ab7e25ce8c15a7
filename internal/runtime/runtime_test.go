package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Camera.Enabled = false
	cfg.Actuator.SettleMS = 50
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 500
	cfg.Agent.FrameTimeoutMS = 2000
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()
	require.Eventually(t, rt.Ready, 5*time.Second, 10*time.Millisecond)
	return rt, cancel, errCh
}

func stopRuntime(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeStartStop(t *testing.T) {
	rt, cancel, errCh := startRuntime(t, testConfig(t))
	assert.True(t, rt.presence.Healthy())
	stopRuntime(t, cancel, errCh)
	assert.False(t, rt.Ready())
}

func TestRuntimeRejectsUnknownEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Mode = "oracle"
	err := New(cfg, newLogger()).Start(context.Background())
	assert.Error(t, err)
}

func TestRuntimeServesBus(t *testing.T) {
	rt, cancel, errCh := startRuntime(t, testConfig(t))
	defer stopRuntime(t, cancel, errCh)

	busCfg := testConfig(t).Bus
	busCfg.Servers = []string{rt.server.ClientURL()}
	client, err := bus.Connect(context.Background(), "runtime-test", busCfg, newLogger())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancelReq := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelReq()

	var reply protocol.CommandReply
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectDriveMove, protocol.MoveRequest{Command: "forward"}, &reply))
	assert.True(t, reply.OK)

	// stand in for the camera so the mock engine has something to look at
	stopFrames := make(chan struct{})
	defer close(stopFrames)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFrames:
				return
			case <-ticker.C:
				rt.live.Publish([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
			}
		}
	}()

	var result protocol.RunResult
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectAgentRun, protocol.RunRequest{Goal: "drive around"}, &result))
	assert.Equal(t, "completed", result.Status, result.Reason)
	assert.Equal(t, 3, result.Iterations)
	assert.NotZero(t, rt.decisions.Stats().Published)
}
