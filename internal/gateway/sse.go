package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/ripcore/rip/internal/eventstore"
)

// streamSSE tails st from fromSeq and writes each frame as an SSE event
// until the client disconnects or the stream reaches a terminal frame.
func streamSSE(w http.ResponseWriter, r *http.Request, events *eventstore.Store, st eventstore.Stream, fromSeq uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := events.Tail(st, fromSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case err, ok := <-sub.Err:
			if !ok {
				return
			}
			if err != nil {
				_, _ = w.Write([]byte("event: error\ndata: " + err.Error() + "\n\n"))
				flusher.Flush()
			}
			return
		}
	}
}
