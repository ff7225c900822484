// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxFrameSize is the largest single SSE event accepted (64KB). Frames over
// this size are treated as malformed rather than buffered unbounded.
const maxFrameSize = 64 * 1024

// MalformedFrameError reports a stream line that is not a legal SSE field.
// The raw fragment is preserved for diagnostics.
type MalformedFrameError struct {
	Raw string
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed stream frame: %q", e.Raw)
}

// readLine reads one line, newline included when present, accumulating at
// most maxFrameSize bytes. ReadSlice keeps a newline-free body from growing
// the bufio buffer past its fixed size; the accumulated copy is bounded
// here. Oversized lines surface as a MalformedFrameError.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, &MalformedFrameError{Raw: fmt.Sprintf("frame exceeds %d bytes", maxFrameSize)}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a response body. Partial reads
// split mid-frame are buffered by the underlying bufio.Reader until a full
// line is available; comment and heartbeat lines are skipped.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next complete SSE event, returning its event type
// (often empty) and joined data payload. Lines that are not a legal SSE
// field yield a *MalformedFrameError carrying the raw line. Returns io.EOF
// when the stream ends.
func (s *sseReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	var size int

	for {
		line, err := readLine(s.reader)
		if err != nil {
			if err == io.EOF {
				// Flush a final event that was not newline-terminated.
				if len(line) > 0 {
					if fieldErr := checkField(line, &eventType, &dataLines); fieldErr != nil {
						return "", nil, fieldErr
					}
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line ends the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		size += len(line)
		if size > maxFrameSize {
			return "", nil, &MalformedFrameError{Raw: fmt.Sprintf("frame exceeds %d bytes", maxFrameSize)}
		}

		if fieldErr := checkField(line, &eventType, &dataLines); fieldErr != nil {
			return "", nil, fieldErr
		}
	}
}

// checkField parses one SSE field line into the accumulating event state.
func checkField(line []byte, eventType *string, dataLines *[][]byte) error {
	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		*dataLines = append(*dataLines, bytes.TrimSpace(line[5:]))
	case bytes.HasPrefix(line, []byte("event:")):
		*eventType = string(bytes.TrimSpace(line[6:]))
	case bytes.HasPrefix(line, []byte("id:")),
		bytes.HasPrefix(line, []byte("retry:")),
		bytes.HasPrefix(line, []byte(":")):
		// Ignored fields and comment heartbeats.
	default:
		return &MalformedFrameError{Raw: string(line)}
	}
	return nil
}
