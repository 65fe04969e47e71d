package workspace

import (
	"fmt"
	"strings"
)

// Patch replaces the first occurrence of oldText with newText in the
// workspace-relative file rel. An empty oldText means create-or-overwrite
// the file with newText. Patch returns an error if oldText is non-empty and
// not found, so callers can distinguish a no-op patch from a real edit.
func (m *Mutator) Patch(rel, oldText, newText string) error {
	if oldText == "" {
		return m.Write(rel, []byte(newText))
	}

	content, err := m.Read(rel)
	if err != nil {
		return err
	}

	original := string(content)
	if !strings.Contains(original, oldText) {
		return fmt.Errorf("workspace: patch %s: old text not found", rel)
	}
	updated := strings.Replace(original, oldText, newText, 1)
	return m.Write(rel, []byte(updated))
}
