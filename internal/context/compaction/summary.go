package compaction

import (
	"strings"

	rcontext "github.com/ripcore/rip/internal/context"
)

// maxSummaryBytes bounds a compaction summary artifact's markdown. The
// bound is implementation-defined but fixed, so the same base + delta
// always produces the same size class across runs (stability, not
// optimality, is the goal).
const maxSummaryBytes = 8192

// maxHighlightLines bounds the Recent Delta Highlights section to the most
// recent N delta messages, oldest first.
const maxHighlightLines = 5

// maxBulletRunes truncates a single message preview so one long message
// can't crowd out the rest of the cumulative section.
const maxBulletRunes = 240

const cumulativeHeading = "## Cumulative Summary"
const highlightsHeading = "## Recent Delta Highlights"

// buildSummary produces the markdown body for a cumulative compaction
// summary: a refreshed Cumulative Summary (prior cumulative text plus a
// bullet per new delta message) and a Recent Delta Highlights section
// listing the newest messages in the delta range.
func buildSummary(baseMarkdown string, delta []rcontext.Message) string {
	bullets := cumulativeBullets(baseMarkdown)
	for _, m := range delta {
		bullets = append(bullets, bulletFor(m))
	}
	bullets = boundBullets(bullets, maxSummaryBytes/2)

	var b strings.Builder
	b.WriteString(cumulativeHeading)
	b.WriteString("\n\n")
	if len(bullets) == 0 {
		b.WriteString("(no messages yet)\n")
	} else {
		for _, line := range bullets {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(highlightsHeading)
	b.WriteString("\n\n")
	highlights := delta
	if len(highlights) > maxHighlightLines {
		highlights = highlights[len(highlights)-maxHighlightLines:]
	}
	if len(highlights) == 0 {
		b.WriteString("(no new messages in this range)\n")
	} else {
		for _, m := range highlights {
			b.WriteString(bulletFor(m))
			b.WriteString("\n")
		}
	}

	out := b.String()
	if len(out) > maxSummaryBytes {
		out = out[:maxSummaryBytes]
	}
	return out
}

// bulletFor renders one message as a deterministic single-line bullet.
func bulletFor(m rcontext.Message) string {
	content := m.Content
	if r := []rune(content); len(r) > maxBulletRunes {
		content = string(r[:maxBulletRunes]) + "…"
	}
	content = strings.ReplaceAll(content, "\n", " ")
	actor := m.ActorID
	if actor == "" {
		actor = "unknown"
	}
	return "- [" + m.MessageID + "] " + actor + ": " + content
}

// cumulativeBullets extracts the bullet lines already present under the
// Cumulative Summary heading of a prior summary, so a refresh appends to
// them rather than starting over.
func cumulativeBullets(baseMarkdown string) []string {
	if baseMarkdown == "" {
		return nil
	}
	lines := strings.Split(baseMarkdown, "\n")
	var out []string
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == cumulativeHeading {
			inSection = true
			continue
		}
		if strings.HasPrefix(trimmed, "## ") {
			if inSection {
				break
			}
			continue
		}
		if inSection && strings.HasPrefix(trimmed, "- ") {
			out = append(out, trimmed)
		}
	}
	return out
}

// boundBullets drops the oldest bullets until the joined section fits
// within maxBytes, so the cumulative section grows without bound in
// message count but not in storage.
func boundBullets(bullets []string, maxBytes int) []string {
	total := 0
	for _, l := range bullets {
		total += len(l) + 1
	}
	start := 0
	for total > maxBytes && start < len(bullets) {
		total -= len(bullets[start]) + 1
		start++
	}
	return bullets[start:]
}
