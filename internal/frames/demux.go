package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	markerPrefix byte = 0xFF
	markerSOI    byte = 0xD8
	markerEOI    byte = 0xD9

	DefaultMaxFrameBytes = 4 << 20
	DefaultReadBuffer    = 64 << 10
)

// ErrStreamFault reports that the capture byte stream ended or failed.
var ErrStreamFault = errors.New("capture stream fault")

// Demuxer splits a stream of concatenated JPEG images into frames. It is an
// io.Writer: scanner state, including a half-seen marker, carries over between
// writes so markers may straddle chunk boundaries.
type Demuxer struct {
	emit     func([]byte)
	max      int
	buf      []byte
	inFrame  bool
	sawFF    bool
	oversize uint64
}

// NewDemuxer calls emit with each completed frame. The slice passed to emit is
// owned by the callee. Frames growing past maxFrameBytes are discarded.
func NewDemuxer(maxFrameBytes int, emit func([]byte)) *Demuxer {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Demuxer{emit: emit, max: maxFrameBytes}
}

func (d *Demuxer) Write(p []byte) (int, error) {
	for _, b := range p {
		if !d.inFrame {
			if d.sawFF && b == markerSOI {
				d.inFrame = true
				d.sawFF = false
				d.buf = append(d.buf[:0], markerPrefix, markerSOI)
				continue
			}
			d.sawFF = b == markerPrefix
			continue
		}

		d.buf = append(d.buf, b)
		if d.sawFF && b == markerEOI {
			frame := make([]byte, len(d.buf))
			copy(frame, d.buf)
			d.reset()
			d.emit(frame)
			continue
		}
		d.sawFF = b == markerPrefix

		if len(d.buf) > d.max {
			d.oversize++
			sawFF := d.sawFF
			d.reset()
			d.sawFF = sawFF
		}
	}
	return len(p), nil
}

// Oversize reports how many partial frames were dropped for exceeding the size cap.
func (d *Demuxer) Oversize() uint64 { return d.oversize }

func (d *Demuxer) reset() {
	d.inFrame = false
	d.sawFF = false
	d.buf = d.buf[:0]
	if cap(d.buf) > d.max {
		d.buf = nil
	}
}

// Pump copies r into w in bufSize chunks until r fails. It always returns a
// non-nil error: ctx.Err() when cancelled, otherwise ErrStreamFault wrapping
// the read error (io.EOF included).
func Pump(ctx context.Context, r io.Reader, w io.Writer, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	chunk := make([]byte, bufSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("%w: %w", ErrStreamFault, werr)
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %w", ErrStreamFault, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}
