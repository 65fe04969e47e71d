package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// attachEnvelope is the control message a client sends over the attach
// socket for anything that isn't raw terminal input: currently just resize.
// Anything that doesn't parse as one of these is treated as raw bytes bound
// for the task's stdin, mirroring how a real terminal multiplexes input and
// control sequences over one stream.
type attachEnvelope struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleTaskAttach upgrades to a websocket and bridges it to a running
// task's stdin/stdout, the way the node manager bridges a device's websocket
// to tool requests: one goroutine pumps task output to the client, the
// read loop pumps client frames to the task.
func (g *Gateway) handleTaskAttach() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := g.engine.cfg.Tasks.Get(id); !ok {
			writeError(w, http.StatusNotFound, errTaskNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "attach closed")

		ctx := r.Context()
		done := make(chan struct{})
		go g.pumpTaskOutput(ctx, conn, id, done)
		g.pumpAttachInput(ctx, conn, id)
		close(done)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// pumpTaskOutput polls the task's stdout log and forwards new bytes to the
// client. Output is a flat byte log rather than a subscribable stream, so
// polling is the simplest bridge; 100ms keeps an attached terminal feeling
// live without hammering the store.
func (g *Gateway) pumpTaskOutput(ctx context.Context, conn *websocket.Conn, taskID string, done <-chan struct{}) {
	var offset int64
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			chunk, err := g.engine.cfg.Tasks.Output(taskID, "stdout", offset, 65536)
			if err != nil {
				return
			}
			if len(chunk) == 0 {
				if _, ok := g.engine.cfg.Tasks.Get(taskID); !ok {
					return
				}
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			offset += int64(len(chunk))
		}
	}
}

// pumpAttachInput reads client frames until the socket closes, forwarding
// resize envelopes as Resize calls and everything else as raw stdin.
func (g *Gateway) pumpAttachInput(ctx context.Context, conn *websocket.Conn, taskID string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = g.engine.cfg.Tasks.Stdin(taskID, data)
			continue
		}
		var env attachEnvelope
		if json.Unmarshal(data, &env) == nil && env.Type == "resize" {
			_ = g.engine.cfg.Tasks.Resize(taskID, env.Cols, env.Rows)
			continue
		}
		_ = g.engine.cfg.Tasks.Stdin(taskID, data)
	}
}
