package gateway

// openAPIDocument is the static machine-readable schema served at
// /openapi.json. It documents the endpoint surface buildRouter wires;
// request/response bodies are intentionally loose (additionalProperties)
// since the wire contract is the event frame, not this document.
var openAPIDocument = []byte(`{
  "openapi": "3.0.3",
  "info": { "title": "rip continuity runtime", "version": "1.0.0" },
  "paths": {
    "/health": { "get": { "summary": "Liveness probe" } },
    "/sessions": { "post": { "summary": "Create a session" } },
    "/sessions/{id}/input": { "post": { "summary": "Send input or a checkpoint/tool envelope" } },
    "/sessions/{id}/events": { "get": { "summary": "Stream session frames (SSE)" } },
    "/sessions/{id}/cancel": { "post": { "summary": "Request cancellation" } },
    "/threads/ensure": { "post": { "summary": "Return the default thread id" } },
    "/threads": { "get": { "summary": "List threads" } },
    "/threads/{id}": { "get": { "summary": "Thread metadata" } },
    "/threads/{id}/messages": { "post": { "summary": "Append message and spawn a run" } },
    "/threads/{id}/branch": { "post": { "summary": "Link-only branch" } },
    "/threads/{id}/handoff": { "post": { "summary": "Link-only handoff" } },
    "/threads/{id}/events": { "get": { "summary": "Stream continuity frames (SSE)" } },
    "/threads/{id}/compaction-checkpoint": { "post": { "summary": "Manual checkpoint" } },
    "/threads/{id}/compaction-status": { "post": { "summary": "Compaction projection" } },
    "/threads/{id}/compaction-auto": { "post": { "summary": "Run pending summarizers" } },
    "/threads/{id}/compaction-auto-schedule": { "post": { "summary": "Log/execute a scheduling decision" } },
    "/threads/{id}/provider-cursor-status": { "post": { "summary": "Cursor projection" } },
    "/threads/{id}/provider-cursor-rotate": { "post": { "summary": "Append cursor rotation" } },
    "/threads/{id}/context-selection-status": { "post": { "summary": "Recent selection decisions" } },
    "/tasks": { "post": { "summary": "Spawn task" }, "get": { "summary": "List tasks" } },
    "/tasks/{id}": { "get": { "summary": "Task status" } },
    "/tasks/{id}/cancel": { "post": { "summary": "Cancel task" } },
    "/tasks/{id}/events": { "get": { "summary": "Stream task frames (SSE)" } },
    "/tasks/{id}/output": { "get": { "summary": "Range-read task logs" } },
    "/tasks/{id}/stdin": { "post": { "summary": "Write task stdin (PTY)" } },
    "/tasks/{id}/resize": { "post": { "summary": "Resize task PTY" } },
    "/tasks/{id}/signal": { "post": { "summary": "Signal task process" } },
    "/openapi.json": { "get": { "summary": "This document" } }
  }
}`)
