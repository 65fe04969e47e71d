package taskmanager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func newTaskID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("taskmanager: crypto/rand unavailable: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
