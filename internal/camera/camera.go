package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/mattn/go-shellwords"
)

const probeTimeout = 5 * time.Second

var (
	// ErrUnavailable means the capture program is missing or does not run.
	ErrUnavailable = errors.New("camera unavailable")
	ErrEmptyStill  = errors.New("still capture produced no image")
)

// Camera launches the external capture programs.
type Camera struct {
	cfg    config.CameraConfig
	stream []string
	still  []string
	log    *slog.Logger
}

func New(cfg config.CameraConfig, log *slog.Logger) (*Camera, error) {
	stream, err := parseCommand(cfg.StreamCommand)
	if err != nil {
		return nil, fmt.Errorf("parse stream command: %w", err)
	}
	var still []string
	if strings.TrimSpace(cfg.StillCommand) != "" {
		if still, err = parseCommand(cfg.StillCommand); err != nil {
			return nil, fmt.Errorf("parse still command: %w", err)
		}
	}
	return &Camera{
		cfg:    cfg,
		stream: stream,
		still:  still,
		log:    log.With(slog.String("component", "camera")),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return args, nil
}

// Probe checks that the stream program exists and answers a version query.
func (c *Camera) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := append(append([]string{}, c.stream[1:]...), "--version")
	cmd := exec.CommandContext(ctx, c.stream[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrUnavailable, c.stream[0], err, strings.TrimSpace(string(out)))
	}
	c.log.Debug("camera probe ok", slog.String("version", firstLine(out)))
	return nil
}

// StreamArgs is the argument list for a continuous MJPEG capture to stdout.
func (c *Camera) StreamArgs() []string {
	args := append([]string{}, c.stream[1:]...)
	return append(args,
		"--output", "-",
		"--width", strconv.Itoa(c.cfg.Width),
		"--height", strconv.Itoa(c.cfg.Height),
		"--timeout", strconv.Itoa(c.cfg.StreamTimeoutMS),
		"--framerate", strconv.Itoa(c.cfg.Framerate),
		"--codec", c.cfg.Codec,
		"--nopreview",
	)
}

// StillArgs is the argument list for a single JPEG capture to stdout.
func (c *Camera) StillArgs() []string {
	args := append([]string{}, c.still[1:]...)
	return append(args,
		"--output", "-",
		"--encoding", "jpg",
		"--quality", strconv.Itoa(c.cfg.Quality),
		"--width", strconv.Itoa(c.cfg.Width),
		"--height", strconv.Itoa(c.cfg.Height),
		"--timeout", strconv.Itoa(c.cfg.StillTimeoutMS),
		"--nopreview",
	)
}

// Stream starts the capture program and returns its stdout. Closing the
// reader stops the program.
func (c *Camera) Stream(ctx context.Context) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.stream[0], c.StreamArgs()...)
	stderr := &tailBuffer{limit: 4 << 10}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("start stream: %w", err)
	}
	c.log.Info("capture stream started", slog.Int("pid", cmd.Process.Pid), slog.Int("width", c.cfg.Width), slog.Int("height", c.cfg.Height))
	return &process{ReadCloser: stdout, cmd: cmd, cancel: cancel, stderr: stderr, log: c.log}, nil
}

// Still captures one JPEG image on demand.
func (c *Camera) Still(ctx context.Context) ([]byte, error) {
	if len(c.still) == 0 {
		return nil, fmt.Errorf("%w: no still command configured", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.StillTimeoutMS)*time.Millisecond+probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.still[0], c.StillArgs()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("still capture failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, ErrEmptyStill
	}
	return stdout.Bytes(), nil
}

type process struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer
	log    *slog.Logger
	once   sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.cancel()
		err := p.cmd.Wait()
		if err != nil && p.cmd.ProcessState != nil && !p.cmd.ProcessState.Exited() {
			// killed by us
			err = nil
		}
		if err != nil {
			p.log.Warn("capture program exited with error", slog.String("error", err.Error()), slog.String("stderr", p.stderr.String()))
		}
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func firstLine(b []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(b)), "\n")
	return line
}
