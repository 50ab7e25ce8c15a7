package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/protocol"
)

// FrameBoundary separates parts of the multipart JPEG streams.
const FrameBoundary = "frame"

// eventStream writes server-sent events. Headers go out with the first
// event so that an early rejection can still answer with a plain status.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	runID   string
	sent    bool
}

func newEventStream(w http.ResponseWriter, runID string) *eventStream {
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher, runID: runID}
}

func (e *eventStream) started() bool { return e.sent }

func (e *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !e.sent {
		h := e.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		h.Set("X-Run-ID", e.runID)
		e.w.WriteHeader(http.StatusOK)
		e.sent = true
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// streamHandler serves a broadcaster as multipart/x-mixed-replace JPEG parts
// until the client disconnects or the broadcaster closes. Each part is
// followed by its boundary so a viewer can show it without waiting for the
// next frame.
func (s *Server) streamHandler(source func() *frames.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := source()
		if b == nil {
			writeError(w, protocol.CodeUnavailable, "stream unavailable")
			return
		}
		sub, err := b.Subscribe(uuid.NewString())
		if err != nil {
			writeError(w, protocol.CodeUnavailable, err.Error())
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+FrameBoundary)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		log := s.logger.With(slog.String("subscriber", sub.ID()))
		if _, err := io.WriteString(w, "--"+FrameBoundary+"\r\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		log.Debug("stream client connected")
		for {
			select {
			case <-r.Context().Done():
				log.Debug("stream client disconnected", slog.Uint64("dropped", sub.Dropped()))
				return
			case frame, ok := <-sub.Frames():
				if !ok {
					return
				}
				if err := writePart(w, frame); err != nil {
					log.Debug("stream write failed", slogError(err))
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}
}

// writePart writes one JPEG part and the boundary that closes it.
func writePart(w io.Writer, frame frames.Frame) error {
	header := "Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(frame.Data)) + "\r\n" +
		"X-Frame-Seq: " + strconv.FormatUint(frame.Seq, 10) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n--"+FrameBoundary+"\r\n")
	return err
}
