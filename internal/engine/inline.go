package engine

import (
	"fmt"
	"strings"

	"Jianghu-Annals/server/internal/models"
)

// InjectInlineTriggers anchors the analyst's logic tags to the exact
// narration quotes that justify them, so a later replay can apply each
// change at the right moment. Quotes are located exactly first, then by
// whitespace-normalized matching, then by head/tail anchors for long
// quotes the model reworded in the middle. An unlocatable tag is appended
// to the end rather than dropped.
func InjectInlineTriggers(text string, triggers []models.InlineTrigger) string {
	for _, trigger := range triggers {
		if trigger.Quote == "" || trigger.Tag == "" {
			continue
		}
		if strings.Contains(text, trigger.Tag) {
			continue
		}
		text = injectOne(text, trigger)
	}
	return text
}

func injectOne(text string, trigger models.InlineTrigger) string {
	if idx := strings.Index(text, trigger.Quote); idx != -1 {
		return insertAfter(text, idx+len(trigger.Quote), trigger.Tag)
	}

	// Whitespace differences are the most common mismatch: anchor on the
	// first words of the normalized quote.
	fields := strings.Fields(trigger.Quote)
	if len(fields) >= 2 {
		seed := strings.Join(fields[:2], " ")
		if idx := strings.Index(text, seed); idx != -1 {
			end := lineEnd(text, idx)
			return insertAfter(text, end, trigger.Tag)
		}
	}

	// Long quotes: the model may have rewritten the middle; try the head
	// and tail separately.
	runes := []rune(trigger.Quote)
	if len(runes) > 30 {
		head := string(runes[:15])
		tail := string(runes[len(runes)-15:])
		if idx := strings.Index(text, tail); idx != -1 {
			return insertAfter(text, idx+len(tail), trigger.Tag)
		}
		if idx := strings.Index(text, head); idx != -1 {
			end := lineEnd(text, idx)
			return insertAfter(text, end, trigger.Tag)
		}
	}

	return text + trigger.Tag
}

// AppendRelationshipTags adds <Rel> tags for relationship updates that
// have no inline anchor yet, so no proposed change is silently invisible.
func AppendRelationshipTags(text string, updates map[string]int) string {
	for char, delta := range updates {
		marker := fmt.Sprintf("char='%s'", char)
		if strings.Contains(text, marker) {
			continue
		}
		text += fmt.Sprintf("<Rel char='%s' val='%d'>", char, delta)
	}
	return text
}

func insertAfter(text string, pos int, tag string) string {
	return text[:pos] + tag + text[pos:]
}

// lineEnd returns the position of the end of the line containing pos.
func lineEnd(text string, pos int) int {
	if nl := strings.IndexByte(text[pos:], '\n'); nl != -1 {
		return pos + nl
	}
	return len(text)
}
