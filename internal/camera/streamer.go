package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-rover/internal/frames"
)

// Streamer keeps the capture program feeding a frame broadcaster.
type Streamer struct {
	cam          *Camera
	out          *frames.Broadcaster
	maxFrame     int
	readBuffer   int
	restartDelay time.Duration
	log          *slog.Logger
	streaming    atomic.Bool
}

func NewStreamer(cam *Camera, out *frames.Broadcaster, maxFrame, readBuffer int, restartDelay time.Duration, log *slog.Logger) *Streamer {
	return &Streamer{
		cam:          cam,
		out:          out,
		maxFrame:     maxFrame,
		readBuffer:   readBuffer,
		restartDelay: restartDelay,
		log:          log.With(slog.String("component", "camera-stream")),
	}
}

// Run probes the camera and pumps its stream until ctx ends. An unavailable
// camera is reported once without retry. A stream fault ends Run unless a
// restart delay is configured.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.cam.Probe(ctx); err != nil {
		s.log.Error("camera unavailable, live stream disabled", slog.String("error", err.Error()))
		return err
	}

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			s.log.Error("camera unavailable, live stream disabled", slog.String("error", err.Error()))
			return err
		}
		s.log.Error("capture stream stopped", slog.String("error", err.Error()))
		if s.restartDelay <= 0 {
			return err
		}

		timer := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.log.Info("restarting capture stream")
	}
}

func (s *Streamer) runOnce(ctx context.Context) error {
	rc, err := s.cam.Stream(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	s.streaming.Store(true)
	defer s.streaming.Store(false)

	demux := frames.NewDemuxer(s.maxFrame, func(f []byte) { s.out.Publish(f) })
	err = frames.Pump(ctx, rc, demux, s.readBuffer)
	if n := demux.Oversize(); n > 0 {
		s.log.Warn("discarded oversize frames", slog.Uint64("count", n))
	}
	return err
}

// Streaming reports whether a capture program is currently attached.
func (s *Streamer) Streaming() bool { return s.streaming.Load() }
