package tool

import (
	"fmt"
	"strings"
)

// ApprovalLevel defines how a tool invocation is handled. There is no
// interactive "ask" level: this runtime is headless, so every decision is
// resolved from config plus the per-run tool_choice/allowed_tools frame,
// never from a human in the loop.
type ApprovalLevel string

const (
	// ApprovalAllow permits tool execution.
	ApprovalAllow ApprovalLevel = "allow"

	// ApprovalDeny blocks tool execution entirely.
	ApprovalDeny ApprovalLevel = "deny"
)

// Policy defines the approval settings for a store's tool registry.
type Policy struct {
	// Default is the fallback approval level for tools not explicitly listed.
	Default ApprovalLevel

	// Tools maps tool names to explicit approval levels.
	Tools map[string]ApprovalLevel

	// Allow lists tools that can execute.
	Allow []string

	// Deny lists tools that must never execute.
	Deny []string
}

// ResolvePolicy determines the effective approval level for a tool.
// Resolution order: explicit tool mapping > policy default > tool's DefaultPolicy.
func ResolvePolicy(policy Policy, t Tool) ApprovalLevel {
	toolName := strings.TrimSpace(t.Name())
	if level, ok := resolveExplicitLevel(policy, toolName); ok {
		return level
	}
	if policy.Default != "" {
		return policy.Default
	}
	return t.DefaultPolicy()
}

// ValidatePolicyConfig checks that no tool appears with conflicting
// assignments (e.g., listed in both allow and deny).
func ValidatePolicyConfig(policy Policy) error {
	if policy.Default != "" && !isValidApprovalLevel(policy.Default) {
		return fmt.Errorf("policy: invalid default level %q", policy.Default)
	}

	explicit := make(map[string]ApprovalLevel)
	for name, level := range policy.Tools {
		toolName := strings.TrimSpace(name)
		if toolName == "" {
			return fmt.Errorf("policy: tool mapping has empty name")
		}
		if !isValidApprovalLevel(level) {
			return fmt.Errorf("policy: tool %q has invalid level %q", toolName, level)
		}
		explicit[toolName] = level
	}

	if err := validatePolicyList(policy.Allow, ApprovalAllow, "allow", explicit); err != nil {
		return err
	}
	if err := validatePolicyList(policy.Deny, ApprovalDeny, "deny", explicit); err != nil {
		return err
	}
	return nil
}

func resolveExplicitLevel(policy Policy, toolName string) (ApprovalLevel, bool) {
	for name, level := range policy.Tools {
		if strings.TrimSpace(name) == toolName {
			return level, true
		}
	}
	if toolInList(policy.Allow, toolName) {
		return ApprovalAllow, true
	}
	if toolInList(policy.Deny, toolName) {
		return ApprovalDeny, true
	}
	return "", false
}

func validatePolicyList(names []string, level ApprovalLevel, listName string, explicit map[string]ApprovalLevel) error {
	for _, rawName := range names {
		name := strings.TrimSpace(rawName)
		if name == "" {
			return fmt.Errorf("policy: %s list contains empty tool name", listName)
		}
		if existing, ok := explicit[name]; ok && existing != level {
			return fmt.Errorf("%w: tool %q appears in both %q and %q", ErrToolInMultipleLists, name, existing, level)
		}
		explicit[name] = level
	}
	return nil
}

func toolInList(list []string, name string) bool {
	for _, candidate := range list {
		if strings.TrimSpace(candidate) == name {
			return true
		}
	}
	return false
}

func isValidApprovalLevel(level ApprovalLevel) bool {
	switch level {
	case ApprovalAllow, ApprovalDeny:
		return true
	default:
		return false
	}
}
