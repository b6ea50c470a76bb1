// Package stream converts a Dify server-sent-event stream into an
// OpenAI-compatible chunk stream. Frame reassembly, event interpretation,
// and downstream emission are kept in separate layers: a carry-over line
// splitter, a pure accumulator state machine, and a renderer writing through
// a pipeline.
package stream

import "bytes"

var (
	dataPrefix = []byte("data:")
	doneFrame  = []byte("data: [DONE]\n\n")
)

// DataPayload extracts the JSON payload of one SSE line. Returns nil for
// blank lines, comment/event fields, and anything that is not a JSON object
// (keep-alive noise is not worth a decode attempt).
func DataPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, dataPrefix) {
		return nil
	}
	trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

// Frame wraps serialized JSON into an SSE data frame.
func Frame(payload []byte) []byte {
	frame := make([]byte, 0, len(dataPrefix)+len(payload)+3)
	frame = append(frame, dataPrefix...)
	frame = append(frame, ' ')
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// DoneFrame is the literal stream terminator.
func DoneFrame() []byte { return doneFrame }

// LineSplitter reassembles complete lines from arbitrary byte chunks. The
// trailing partial line is carried over until its terminator arrives, which
// makes parsing invariant under upstream chunk boundaries.
type LineSplitter struct {
	carry []byte
}

// Feed appends chunk and returns every complete line (terminator stripped).
func (s *LineSplitter) Feed(chunk []byte) [][]byte {
	s.carry = append(s.carry, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.carry, '\n')
		if idx < 0 {
			return lines
		}
		line := s.carry[:idx]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
		s.carry = s.carry[idx+1:]
	}
}

// Rest returns the unterminated remainder, if any.
func (s *LineSplitter) Rest() []byte {
	return bytes.TrimSpace(s.carry)
}
