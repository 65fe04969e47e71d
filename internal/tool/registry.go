package tool

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a tool's name paired with its JSON Schema, returned by Registry.Schemas.
type Schema struct {
	Name   string
	Schema json.RawMessage
}

// Registry holds registered tools and orchestrates their execution through
// the policy and schema-validation pipeline.
// It is instance-based (not global) for better testability.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry and compiles its declared JSON
// Schema so Execute can validate arguments ahead of every call.
// It returns ErrNoScopes if the tool declares no scopes,
// and ErrDuplicateTool if a tool with the same name is already registered.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return ErrEmptyToolName
	}
	if len(t.Scopes()) == 0 {
		return fmt.Errorf("%w: %s", ErrNoScopes, name)
	}

	compiled, err := compileSchema(name, t.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	r.tools[name] = t
	r.schemas[name] = compiled
	return nil
}

// Get returns the tool with the given name, or ErrToolNotFound.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Schemas returns all registered tool schemas sorted by name.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.tools))
	for name, t := range r.tools {
		schemas = append(schemas, Schema{
			Name:   name,
			Schema: t.Schema(),
		})
	}
	slices.SortFunc(schemas, func(a, b Schema) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return schemas
}

// Names returns all registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// allowed reports whether name may run under the given allowlist. A nil or
// empty allowedTools means every registered tool is eligible — the run
// placed no tool_choice/allowed_tools restriction.
func allowed(allowedTools []string, name string) bool {
	if len(allowedTools) == 0 {
		return true
	}
	return slices.Contains(allowedTools, name)
}

// Execute orchestrates one tool dispatch: allowlist check → policy
// resolution → argument schema validation → invocation. allowedTools comes
// from the run's tool_choice/allowed_tools enforcement (spec-level, not
// registry-level policy); policy is the store-wide static allow/deny
// configuration.
func (r *Registry) Execute(
	ctx context.Context,
	name string,
	args json.RawMessage,
	policy Policy,
	allowedTools []string,
	env ExecutionEnv,
) (Output, error) {
	if !allowed(allowedTools, name) {
		return Output{}, fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}

	t, err := r.Get(name)
	if err != nil {
		return Output{}, err
	}

	if ResolvePolicy(policy, t) == ApprovalDeny {
		return Output{}, fmt.Errorf("%w: %s", ErrDenied, name)
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return Output{}, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
		}
	}

	return t.Execute(ctx, args, env)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := "tool:" + name
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	raw := args
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return schema.Validate(doc)
}
