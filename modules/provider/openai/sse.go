package openai

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/ripcore/rip/internal/provider"
)

// scannerBufferSize is the max token size for the SSE line scanner. A
// Responses-API function_call_arguments.delta or a long output_text.delta
// can exceed bufio.Scanner's default ~64 KiB limit.
const scannerBufferSize = 1 * 1024 * 1024

// readEvents parses a Responses-API SSE stream into provider.RawEvent
// values on ch, preserving every event the upstream sends — the adapter,
// not this transport, decides what to do with each one. The channel is
// closed when the stream ends or ctx is cancelled; body is always closed.
func readEvents(ctx context.Context, body io.ReadCloser, ch chan<- provider.RawEvent) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerBufferSize), scannerBufferSize)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		switch {
		case line == "":
			if eventName == "" && len(dataLines) == 0 {
				continue
			}
			data := strings.Join(dataLines, "\n")
			name := eventName
			eventName, dataLines = "", nil
			if data == "[DONE]" {
				continue
			}
			select {
			case ch <- provider.RawEvent{Name: name, Data: []byte(data)}:
			case <-ctx.Done():
				return
			}
		case strings.HasPrefix(line, ":"):
			// Comment line, ignored.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		// Surface as a single error-shaped event; the adapter already
		// frames every RawEvent verbatim and treats "error" as terminal.
		select {
		case ch <- provider.RawEvent{Name: provider.EventResponseError, Data: []byte(`{"error":{"message":"` + escapeJSON(err.Error()) + `"}}`)}:
		case <-ctx.Done():
		}
	}
}

func escapeJSON(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString("\\n")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
