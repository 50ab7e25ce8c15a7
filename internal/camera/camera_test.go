package camera

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/frames"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.CameraConfig {
	cfg := config.Default().Camera
	cfg.StillTimeoutMS = 100
	return cfg
}

func writeFixture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.mjpeg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStreamArgs(t *testing.T) {
	cfg := testConfig()
	cfg.StreamCommand = "rpicam-vid --camera 0"
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--camera", "0", "--output", "-", "--width", "600", "--height", "600",
		"--timeout", "0", "--framerate", "30", "--codec", "mjpeg", "--nopreview"}
	got := cam.StreamArgs()
	if len(got) != len(want) {
		t.Fatalf("unexpected args %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestNewRejectsBadCommand(t *testing.T) {
	cfg := testConfig()
	cfg.StreamCommand = `rpicam-vid "unterminated`
	if _, err := New(cfg, newLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestProbeUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.StreamCommand = filepath.Join(t.TempDir(), "no-such-camera")
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Probe(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	s := NewStreamer(cam, frames.NewBroadcaster("live", 1, newLogger()), 0, 0, time.Millisecond, newLogger())
	if err := s.Run(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected streamer to stop on unavailable camera, got %v", err)
	}
}

func TestStreamerPublishesFrames(t *testing.T) {
	data := []byte("\x00\xFF\xD8one\xFF\xD9junk\xFF\xD8two\xFF\xD9")
	fixture := writeFixture(t, data)

	cfg := testConfig()
	cfg.StreamCommand = "sh -c 'cat \"$0\"' " + fixture
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	out := frames.NewBroadcaster("live", 4, newLogger())
	sub, err := out.Subscribe("test")
	if err != nil {
		t.Fatal(err)
	}

	s := NewStreamer(cam, out, 0, 3, 0, newLogger())
	err = s.Run(context.Background())
	if !errors.Is(err, frames.ErrStreamFault) {
		t.Fatalf("expected stream fault at end of capture, got %v", err)
	}

	first := <-sub.Frames()
	second := <-sub.Frames()
	if string(first.Data) != "\xFF\xD8one\xFF\xD9" || string(second.Data) != "\xFF\xD8two\xFF\xD9" {
		t.Fatalf("unexpected frames %q %q", first.Data, second.Data)
	}
	if s.Streaming() {
		t.Fatal("expected streamer to be detached")
	}
}

func TestStreamerRestartsAfterFault(t *testing.T) {
	fixture := writeFixture(t, []byte("\xFF\xD8x\xFF\xD9"))
	cfg := testConfig()
	cfg.StreamCommand = "sh -c 'cat \"$0\"' " + fixture
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	out := frames.NewBroadcaster("live", 1, newLogger())
	s := NewStreamer(cam, out, 0, 0, 5*time.Millisecond, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for out.Stats().Published < 3 {
		if time.Now().After(deadline) {
			t.Fatal("expected repeated captures")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop on cancel, got %v", err)
	}
}

func TestStill(t *testing.T) {
	image := []byte("\xFF\xD8still\xFF\xD9")
	fixture := writeFixture(t, image)

	cfg := testConfig()
	cfg.StillCommand = "sh -c 'cat \"$0\"' " + fixture
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := cam.Still(context.Background())
	if err != nil {
		t.Fatalf("still: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Fatalf("unexpected still %q", got)
	}

	cfg.StillCommand = "sh -c 'echo broken >&2; exit 3'"
	cam, err = New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cam.Still(context.Background()); err == nil {
		t.Fatal("expected non-zero exit to fail")
	}

	cfg.StillCommand = "true"
	cam, _ = New(cfg, newLogger())
	if _, err := cam.Still(context.Background()); !errors.Is(err, ErrEmptyStill) {
		t.Fatalf("expected empty still error, got %v", err)
	}
}

func TestSourceObserveFallsBackToStill(t *testing.T) {
	image := []byte("\xFF\xD8still\xFF\xD9")
	cfg := testConfig()
	cfg.StillCommand = "sh -c 'cat \"$0\"' " + writeFixture(t, image)
	cam, err := New(cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	live := frames.NewBroadcaster("live", 1, newLogger())
	live.Publish([]byte("\xFF\xD8stale\xFF\xD9"))

	src := NewSource(live, cam, nil)
	f, err := src.Observe(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !bytes.Equal(f.Data, image) {
		t.Fatalf("expected still capture for a stale stream, got %q", f.Data)
	}

	f, err = src.Observe(context.Background(), time.Time{})
	if err != nil || string(f.Data) != "\xFF\xD8stale\xFF\xD9" {
		t.Fatalf("expected latest live frame, got %q (%v)", f.Data, err)
	}
}

func TestSourceObserveWaitsForLiveFrame(t *testing.T) {
	live := frames.NewBroadcaster("live", 1, newLogger())
	src := NewSource(live, nil, nil)

	since := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		live.Publish([]byte("\xFF\xD8new\xFF\xD9"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := src.Observe(ctx, since)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if f.Seq != 1 {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestSnapshotWithoutCamera(t *testing.T) {
	src := NewSource(frames.NewBroadcaster("live", 1, newLogger()), nil, nil)
	if _, err := src.Snapshot(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
