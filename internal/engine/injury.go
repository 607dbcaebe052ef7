package engine

import (
	"regexp"
	"strings"
)

// Injury bookkeeping: names arriving from the analysts are free text, so
// they are normalized into canonical wuxia clusters, filtered against a
// non-physical blacklist, and matched against the active list by
// similarity so a worsened injury replaces its milder precursor instead
// of stacking.

var parentheticalRe = regexp.MustCompile(`\s*\([^)]*\)`)

type injuryCluster struct {
	pattern   *regexp.Regexp
	canonical string
}

var injuryClusters = []injuryCluster{
	{regexp.MustCompile(`기혈.*역류|기혈.*뒤틀림|폭주|심마|마기.*침식|내력.*충돌|내력.*역류`), "주화입마 (Qi Deviation)"},
	{regexp.MustCompile(`심각한.*내상|단전.*손상|장기.*파열|혈관.*파열|치명상`), "심각한 내상 (Severe Internal Injury)"},
	{regexp.MustCompile(`^내상$|각혈|토혈|기혈.*진탕|충격`), "내상 (Internal Injury)"},
	{regexp.MustCompile(`공능.*제약|근육.*과부하|근육.*파열|신체.*붕괴|전신.*마비`), "신체 붕괴 (Body Collapse)"},
	{regexp.MustCompile(`탈진|기력.*고갈|내력.*고갈|정신.*고갈`), "탈진 (Exhaustion)"},
}

// Psychological and trivial descriptors are moods, not injuries.
var injuryBlacklist = []string{
	"심리적", "정신적", "공포", "두려움", "위축", "긴장", "불안", "경직", "뻐근함",
	"psychological", "mental", "fear", "tension", "anxiety",
}

// NormalizeInjury strips parentheticals and maps descriptive variants onto
// one canonical cluster name.
func NormalizeInjury(injury string) string {
	clean := strings.TrimSpace(parentheticalRe.ReplaceAllString(injury, ""))
	for _, c := range injuryClusters {
		if c.pattern.MatchString(clean) {
			return c.canonical
		}
	}
	return clean
}

// IsBlacklistedInjury reports whether the name describes a non-physical
// state that must never enter the injury list.
func IsBlacklistedInjury(injury string) bool {
	lower := strings.ToLower(injury)
	for _, word := range injuryBlacklist {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

const injurySimilarityThreshold = 0.5

// matchInjury finds the active-list entry the given name refers to:
// exact match first, then bidirectional substring on the stripped forms,
// then bigram similarity above the threshold. Returns -1 if nothing
// plausibly matches.
func matchInjury(active []string, name string) int {
	for i, a := range active {
		if a == name {
			return i
		}
	}

	stripped := strings.TrimSpace(parentheticalRe.ReplaceAllString(name, ""))
	for i, a := range active {
		aStripped := strings.TrimSpace(parentheticalRe.ReplaceAllString(a, ""))
		if stripped == "" || aStripped == "" {
			continue
		}
		if strings.Contains(aStripped, stripped) || strings.Contains(stripped, aStripped) {
			return i
		}
	}

	best, bestScore := -1, injurySimilarityThreshold
	for i, a := range active {
		score := diceCoefficient(name, a)
		if score >= bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// diceCoefficient is the Sørensen–Dice bigram similarity of two strings.
func diceCoefficient(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		if a == b {
			return 1
		}
		return 0
	}

	bigrams := make(map[string]int)
	for i := 0; i < len(ra)-1; i++ {
		bigrams[string(ra[i:i+2])]++
	}

	matches := 0
	for i := 0; i < len(rb)-1; i++ {
		key := string(rb[i : i+2])
		if bigrams[key] > 0 {
			bigrams[key]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(ra)-1+len(rb)-1)
}
