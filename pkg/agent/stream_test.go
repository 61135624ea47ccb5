package agent

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestStreamReader(t *testing.T) {
	body := ": keep-alive\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: ignored\ndata: line1\ndata: line2\n\n" +
		"data: [DONE]\n\n" +
		"data: after-done\n\n"

	r := newStreamReader(strings.NewReader(body))

	first, err := r.Next()
	if err != nil || string(first) != `{"a":1}` {
		t.Fatalf("unexpected first payload %q %v", first, err)
	}
	second, err := r.Next()
	if err != nil || string(second) != "line1\nline2" {
		t.Fatalf("unexpected multi-line payload %q %v", second, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at [DONE], got %v", err)
	}
}

func TestStreamReaderTrailingFrameWithoutBlankLine(t *testing.T) {
	r := newStreamReader(strings.NewReader("data: tail"))
	got, err := r.Next()
	if err != nil || string(got) != "tail" {
		t.Fatalf("unexpected payload %q %v", got, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
