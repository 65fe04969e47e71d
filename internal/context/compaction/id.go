package compaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func newJobID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("compaction: crypto/rand unavailable: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
