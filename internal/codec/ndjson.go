// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"bufio"
	"bytes"
	"io"
)

// ndjsonReader reads newline-delimited JSON frames, the framing used by the
// ollama API. Partial reads are buffered until a full line is available.
type ndjsonReader struct {
	reader *bufio.Reader
}

func newNDJSONReader(r io.Reader) *ndjsonReader {
	return &ndjsonReader{reader: bufio.NewReader(r)}
}

// ReadFrame returns the next non-empty line, without its trailing newline.
// Returns io.EOF when the stream ends.
func (n *ndjsonReader) ReadFrame() ([]byte, error) {
	for {
		line, err := readLine(n.reader)
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				// Process the last line even without a trailing newline.
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}
