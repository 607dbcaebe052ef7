package script

import (
	"regexp"
	"strings"
)

var (
	thinkOpenRe  = regexp.MustCompile(`(?i)<think>`)
	thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)
	outputOpenRe = regexp.MustCompile(`(?i)<output>`)
	outputEndRe  = regexp.MustCompile(`(?is)</output>.*$`)

	// Logic annotation tags carry data for the analysts, not prose. They
	// are stripped from everything the player can see.
	logicTagRe = regexp.MustCompile(`(?i)<\s*/?\s*(Stat|Rel|Injury|ResolvedInjury|Dead|Location|Faction|Rank|EventProgress)\b[^>]*>`)
)

// VisibleBuffer derives the player-safe view of a raw, possibly still
// growing narration buffer. The result is what may be parsed and shown:
// hidden reasoning is removed, echoes of prior turns are discarded, logic
// annotations are scrubbed, and a half-typed trailing tag is withheld so
// it never flashes on screen.
func VisibleBuffer(raw string) string {
	text := raw

	// Closed reasoning blocks disappear entirely; an unclosed one
	// truncates the buffer, since everything after it is still reasoning.
	text = thinkBlockRe.ReplaceAllString(text, "")
	if loc := thinkOpenRe.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	// Some models echo the previous turn before the demarcated answer.
	// Only the region after the last opener is trusted.
	if locs := outputOpenRe.FindAllStringIndex(text, -1); len(locs) > 0 {
		text = text[locs[len(locs)-1][1]:]
	}
	text = outputEndRe.ReplaceAllString(text, "")

	text = logicTagRe.ReplaceAllString(text, "")

	// A trailing "<" with no ">" yet is a partial tag still arriving.
	if open := strings.LastIndex(text, "<"); open != -1 {
		if !strings.Contains(text[open:], ">") {
			text = text[:open]
		}
	}

	return text
}

// ScrubLogicTags removes logic annotation tags from finished canonical
// text before it is stored or replayed.
func ScrubLogicTags(text string) string {
	return logicTagRe.ReplaceAllString(text, "")
}
