// Package sse decodes the DeepSeek completion event stream into typed
// content pieces.
package sse

import "bytes"

// Framer splits a byte stream into lines, keeping partial lines between
// calls to Push.
type Framer struct {
	pending []byte
}

func NewFramer() *Framer {
	return &Framer{pending: make([]byte, 0, 1024)}
}

// Push appends chunk and returns every complete line without its terminator.
func (f *Framer) Push(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	f.pending = append(f.pending, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(f.pending[:idx], []byte{'\r'})
		lines = append(lines, append([]byte(nil), line...))
		f.pending = f.pending[idx+1:]
	}
	return lines
}

// Flush returns a trailing line that had no terminator, if any.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	line := bytes.TrimSuffix(f.pending, []byte{'\r'})
	out := append([]byte(nil), line...)
	f.pending = f.pending[:0]
	return out
}
