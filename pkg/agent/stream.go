package agent

import (
	"bufio"
	"io"
	"strings"
)

// streamReader reads the data payloads of an SSE response body.
type streamReader struct {
	scanner *bufio.Scanner
}

func newStreamReader(r io.Reader) *streamReader {
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 512 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	return &streamReader{scanner: scanner}
}

// Next returns the next data payload. It returns io.EOF at the end of the
// body or at the [DONE] marker.
func (s *streamReader) Next() ([]byte, error) {
	var data strings.Builder
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		if line == "" {
			if data.Len() == 0 {
				continue
			}
			break
		}
		if strings.HasPrefix(line, ":") {
			// keep-alive comment
			continue
		}
		if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	payload := data.String()
	if payload == "" || payload == "[DONE]" {
		return nil, io.EOF
	}
	return []byte(payload), nil
}
