package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/taskmanager"
)

// buildRouter constructs the chi mux for every control-plane endpoint the
// runtime exposes.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", g.handleHealth())
	r.Get("/openapi.json", g.handleOpenAPI())
	if g.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.metrics.registry, promhttp.HandlerOpts{}))
	}

	r.Post("/sessions", g.handleCreateSession())
	r.Post("/sessions/{id}/input", g.handleSessionInput())
	r.Get("/sessions/{id}/events", g.handleSessionEvents())
	r.Post("/sessions/{id}/cancel", g.handleSessionCancel())

	r.Post("/threads/ensure", g.handleThreadsEnsure())
	r.Get("/threads", g.handleThreadsList())
	r.Get("/threads/{id}", g.handleThreadGet())
	r.Post("/threads/{id}/messages", g.handleThreadMessages())
	r.Post("/threads/{id}/branch", g.handleThreadBranch())
	r.Post("/threads/{id}/handoff", g.handleThreadHandoff())
	r.Get("/threads/{id}/events", g.handleThreadEvents())
	r.Post("/threads/{id}/compaction-checkpoint", g.handleCompactionCheckpoint())
	r.Post("/threads/{id}/compaction-status", g.handleCompactionStatus())
	r.Post("/threads/{id}/compaction-auto", g.handleCompactionAuto())
	r.Post("/threads/{id}/compaction-auto-schedule", g.handleCompactionAutoSchedule())
	r.Post("/threads/{id}/provider-cursor-status", g.handleProviderCursorStatus())
	r.Post("/threads/{id}/provider-cursor-rotate", g.handleProviderCursorRotate())
	r.Post("/threads/{id}/context-selection-status", g.handleContextSelectionStatus())

	r.Post("/tasks", g.handleTaskSpawn())
	r.Get("/tasks", g.handleTaskList())
	r.Get("/tasks/{id}", g.handleTaskGet())
	r.Post("/tasks/{id}/cancel", g.handleTaskCancel())
	r.Get("/tasks/{id}/events", g.handleTaskEvents())
	r.Get("/tasks/{id}/output", g.handleTaskOutput())
	r.Post("/tasks/{id}/stdin", g.handleTaskStdin())
	r.Post("/tasks/{id}/resize", g.handleTaskResize())
	r.Post("/tasks/{id}/signal", g.handleTaskSignal())
	r.Get("/tasks/{id}/attach", g.handleTaskAttach())

	return r
}

func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// --- sessions ---

func (g *Gateway) handleCreateSession() http.HandlerFunc {
	type reqBody struct {
		ThreadID string `json:"thread_id"`
		Input    string `json:"input"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ThreadID == "" {
			writeError(w, http.StatusBadRequest, errMissingField("thread_id"))
			return
		}
		sessionID, _, err := g.engine.PostMessage(req.ThreadID, req.Input)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
	}
}

func (g *Gateway) handleSessionInput() http.HandlerFunc {
	type checkpointEnvelope struct {
		Action       string `json:"action"`
		CheckpointID string `json:"checkpoint_id"`
	}
	type reqBody struct {
		Input      string              `json:"input"`
		Checkpoint *checkpointEnvelope `json:"checkpoint"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Checkpoint != nil && req.Checkpoint.Action == "rewind" {
			sessionID, err := g.engine.RewindCheckpoint(id, req.Checkpoint.CheckpointID)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
			return
		}
		writeError(w, http.StatusNotImplemented, errUnsupportedInput)
	}
}

func (g *Gateway) handleSessionEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fromSeq := queryUint(r, "from_seq", 0)
		streamSSE(w, r, g.authorityEvents(), eventstore.Stream{Kind: eventstore.StreamSession, ID: id}, fromSeq)
	}
}

func (g *Gateway) handleSessionCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := g.engine.CancelSession(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

// --- threads ---

func (g *Gateway) handleThreadsEnsure() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		id, err := g.engine.EnsureThread()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
	}
}

func (g *Gateway) handleThreadsList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := g.engine.ThreadIDs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": ids})
	}
}

func (g *Gateway) handleThreadGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		exists, err := g.engine.ThreadExists(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, ErrThreadNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
	}
}

func (g *Gateway) handleThreadMessages() http.HandlerFunc {
	type reqBody struct {
		Content string `json:"content"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		sessionID, messageID, err := g.engine.PostMessage(id, req.Content)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID, "message_id": messageID})
	}
}

func (g *Gateway) handleThreadBranch() http.HandlerFunc {
	type reqBody struct {
		FromMessageID string `json:"from_message_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		childID, err := g.engine.Branch(id, req.FromMessageID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"thread_id": childID})
	}
}

func (g *Gateway) handleThreadHandoff() http.HandlerFunc {
	type reqBody struct {
		SummaryMarkdown   string `json:"summary_markdown"`
		SummaryArtifactID string `json:"summary_artifact_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		childID, err := g.engine.Handoff(id, req.SummaryMarkdown, req.SummaryArtifactID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"thread_id": childID})
	}
}

func (g *Gateway) handleThreadEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fromSeq := queryUint(r, "from_seq", 0)
		streamSSE(w, r, g.authorityEvents(), eventstore.Stream{Kind: eventstore.StreamContinuity, ID: id}, fromSeq)
	}
}

func (g *Gateway) handleCompactionCheckpoint() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cp, err := g.engine.CompactionCheckpoint(id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, cp)
	}
}

func (g *Gateway) handleCompactionStatus() http.HandlerFunc {
	type reqBody struct {
		StrideMessages int `json:"stride_messages"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		status, err := g.engine.CompactionStatusOf(id, req.StrideMessages)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (g *Gateway) handleCompactionAuto() http.HandlerFunc {
	type reqBody struct {
		StrideMessages    int `json:"stride_messages"`
		MaxNewCheckpoints int `json:"max_new_checkpoints"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		checkpoints, err := g.engine.CompactionAutoRun(id, req.StrideMessages, req.MaxNewCheckpoints)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
	}
}

func (g *Gateway) handleCompactionAutoSchedule() http.HandlerFunc {
	type reqBody struct {
		StrideMessages    int  `json:"stride_messages"`
		MaxNewCheckpoints int  `json:"max_new_checkpoints"`
		BlockOnInflight   bool `json:"block_on_inflight"`
		Execute           bool `json:"execute"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		decision, checkpoints, err := g.engine.CompactionAutoSchedule(id, req.StrideMessages, req.MaxNewCheckpoints, req.BlockOnInflight, req.Execute)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": decision, "checkpoints": checkpoints})
	}
}

func (g *Gateway) handleProviderCursorStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cur, found, err := g.engine.ProviderCursorStatus(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cursor": cur, "found": found})
	}
}

func (g *Gateway) handleProviderCursorRotate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var cur ProviderCursor
		if !decodeJSON(w, r, &cur) {
			return
		}
		if err := g.engine.ProviderCursorRotate(id, cur); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "rotated"})
	}
}

func (g *Gateway) handleContextSelectionStatus() http.HandlerFunc {
	type reqBody struct {
		Limit int `json:"limit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		entries, err := g.engine.ContextSelectionStatus(id, req.Limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"selections": entries})
	}
}

// --- tasks ---

func (g *Gateway) handleTaskSpawn() http.HandlerFunc {
	type reqBody struct {
		Tool          string   `json:"tool"`
		Args          []string `json:"args"`
		Title         string   `json:"title"`
		ExecutionMode string   `json:"execution_mode"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		mode := taskmanager.ModePipes
		if req.ExecutionMode == string(taskmanager.ModePTY) {
			mode = taskmanager.ModePTY
		}
		taskID, err := g.engine.cfg.Tasks.Spawn(r.Context(), taskmanager.SpawnConfig{
			Tool: req.Tool, Title: req.Title, Command: req.Tool, Args: req.Args, Mode: mode, AllowPTY: true,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if g.metrics != nil {
			g.metrics.taskSpawns.Inc()
		}
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
	}
}

func (g *Gateway) handleTaskList() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": g.engine.cfg.Tasks.List()})
	}
}

func (g *Gateway) handleTaskGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		summary, ok := g.engine.cfg.Tasks.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, errTaskNotFound)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (g *Gateway) handleTaskCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := g.engine.cfg.Tasks.Cancel(id, "requested"); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (g *Gateway) handleTaskEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fromSeq := queryUint(r, "from_seq", 0)
		streamSSE(w, r, g.authorityEvents(), eventstore.Stream{Kind: eventstore.StreamTask, ID: id}, fromSeq)
	}
}

func (g *Gateway) handleTaskOutput() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		streamName := r.URL.Query().Get("stream")
		if streamName == "" {
			streamName = "stdout"
		}
		offset := queryInt64(r, "offset_bytes", 0)
		maxBytes := queryInt64(r, "max_bytes", 65536)
		b, err := g.engine.cfg.Tasks.Output(id, streamName, offset, maxBytes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b)
	}
}

func (g *Gateway) handleTaskStdin() http.HandlerFunc {
	type reqBody struct {
		Data string `json:"data"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := g.engine.cfg.Tasks.Stdin(id, []byte(req.Data)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "written"})
	}
}

func (g *Gateway) handleTaskResize() http.HandlerFunc {
	type reqBody struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := g.engine.cfg.Tasks.Resize(id, req.Cols, req.Rows); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "resized"})
	}
}

func (g *Gateway) handleTaskSignal() http.HandlerFunc {
	type reqBody struct {
		Name string `json:"name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req reqBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := g.engine.cfg.Tasks.Signal(id, req.Name); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "signalled"})
	}
}

func (g *Gateway) handleOpenAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(openAPIDocument)
	}
}

func (g *Gateway) authorityEvents() *eventstore.Store {
	return g.engine.cfg.Authority.Events
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
