package proxy

import (
	"context"
	"errors"
	"io"

	"github.com/yuanshang000/ds2api/pkg/sse"
)

const readBufferSize = 32 * 1024

// readEvents frames body into SSE lines and feeds them through sess. emit is
// called for every outcome that carries pieces or ends the answer; returning
// false stops reading. A clean end of the body returns nil.
func readEvents(ctx context.Context, body io.Reader, sess *sse.Session, emit func(sse.Outcome) bool) error {
	framer := sse.NewFramer()
	handle := func(line []byte) bool {
		ev, ok := sse.ParseLine(line)
		if !ok {
			return true
		}
		out := sess.Handle(ev)
		if len(out.Pieces) == 0 && !out.Finished {
			return true
		}
		if !emit(out) {
			return false
		}
		return !out.Finished
	}
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				if !handle(line) {
					return nil
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			if tail := framer.Flush(); tail != nil {
				handle(tail)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
