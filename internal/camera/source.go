package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-rover/internal/frames"
)

// Source hands out frames from the live stream, falling back to a still
// capture when no stream is attached.
type Source struct {
	live     *frames.Broadcaster
	cam      *Camera
	streamer *Streamer
}

func NewSource(live *frames.Broadcaster, cam *Camera, streamer *Streamer) *Source {
	return &Source{live: live, cam: cam, streamer: streamer}
}

func (s *Source) streaming() bool {
	return s.streamer != nil && s.streamer.Streaming()
}

// Observe returns a frame captured no earlier than since.
func (s *Source) Observe(ctx context.Context, since time.Time) (frames.Frame, error) {
	fresh := func(f frames.Frame) bool { return !f.CapturedAt.Before(since) }
	if f, ok := s.live.Latest(); ok && fresh(f) {
		return f, nil
	}
	if s.streaming() || s.cam == nil {
		return s.live.Wait(ctx, fresh)
	}
	data, err := s.cam.Still(ctx)
	if err != nil {
		return frames.Frame{}, fmt.Errorf("still capture: %w", err)
	}
	return frames.Frame{Data: data, CapturedAt: time.Now()}, nil
}

// Snapshot returns the newest live frame, or a still capture when the live
// stream is down. A stale live frame is the last resort.
func (s *Source) Snapshot(ctx context.Context) (frames.Frame, error) {
	latest, ok := s.live.Latest()
	if ok && s.streaming() {
		return latest, nil
	}
	if s.cam != nil {
		data, err := s.cam.Still(ctx)
		if err == nil {
			return frames.Frame{Data: data, CapturedAt: time.Now()}, nil
		}
		if !ok {
			return frames.Frame{}, fmt.Errorf("still capture: %w", err)
		}
	}
	if !ok {
		return frames.Frame{}, ErrUnavailable
	}
	return latest, nil
}
