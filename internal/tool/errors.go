package tool

import "errors"

var (
	// ErrToolNotFound is returned when a tool is not found in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDenied is returned when a tool execution is denied by policy.
	ErrDenied = errors.New("tool execution denied by policy")

	// ErrToolNotAllowed is returned when a function call names a tool outside
	// the run's tool_choice/allowed_tools set. Callers surface this as a
	// synthetic {ok:false, error:"tool_not_allowed"} output to the model
	// rather than failing the run.
	ErrToolNotAllowed = errors.New("tool not allowed for this run")

	// ErrInvalidArgs is returned when a tool call's arguments fail schema
	// validation.
	ErrInvalidArgs = errors.New("tool arguments failed schema validation")

	// ErrNoScopes is returned when a tool declares no scopes.
	ErrNoScopes = errors.New("tool must declare at least one scope")

	// ErrEmptyToolName is returned when a tool name is empty.
	ErrEmptyToolName = errors.New("tool name must not be empty")

	// ErrDuplicateTool is returned when registering a tool with a name that
	// already exists in the registry.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrToolInMultipleLists is returned when a tool appears in conflicting
	// policy lists (e.g., both allow and deny).
	ErrToolInMultipleLists = errors.New("tool appears in conflicting policy lists")
)
