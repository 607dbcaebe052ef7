package models

import (
	"regexp"
	"strings"
)

// Realm is one tier of the martial power ladder. MinNeigong is the depth
// of power the tier requires; a state whose label exceeds what its
// neigong supports is a false realm and must be downgraded.
type Realm struct {
	Name       string
	English    string
	MinNeigong float64
	MinLevel   int
	MaxLevel   int
}

// RealmLadder is ordered weakest first.
var RealmLadder = []Realm{
	{Name: "삼류", English: "3rd Rate", MinNeigong: 0, MinLevel: 1, MaxLevel: 10},
	{Name: "이류", English: "2nd Rate", MinNeigong: 5, MinLevel: 11, MaxLevel: 20},
	{Name: "일류", English: "1st Rate", MinNeigong: 10, MinLevel: 21, MaxLevel: 30},
	{Name: "절정", English: "Peak", MinNeigong: 20, MinLevel: 31, MaxLevel: 40},
	{Name: "초절정", English: "Transcendent", MinNeigong: 35, MinLevel: 41, MaxLevel: 50},
	{Name: "현경", English: "Profound", MinNeigong: 60, MinLevel: 51, MaxLevel: 60},
}

var realmSuffixRe = regexp.MustCompile(`\s*\([^)]*\)`)

// NormalizeRealm maps label variants like "이류 (2nd Rate)" or "2nd Rate"
// to the canonical realm name. Unknown labels are returned trimmed.
func NormalizeRealm(label string) string {
	clean := strings.TrimSpace(realmSuffixRe.ReplaceAllString(label, ""))
	for _, r := range RealmLadder {
		if clean == r.Name || strings.EqualFold(clean, r.English) {
			return r.Name
		}
	}
	return clean
}

// RealmByName returns the ladder entry for a canonical name.
func RealmByName(name string) (Realm, bool) {
	name = NormalizeRealm(name)
	for _, r := range RealmLadder {
		if r.Name == name {
			return r, true
		}
	}
	return Realm{}, false
}

// RealmIndex returns the ladder position of a realm name, or -1.
func RealmIndex(name string) int {
	name = NormalizeRealm(name)
	for i, r := range RealmLadder {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// HighestRealmFor returns the strongest realm the given neigong actually
// supports.
func HighestRealmFor(neigong float64) Realm {
	best := RealmLadder[0]
	for _, r := range RealmLadder {
		if neigong >= r.MinNeigong {
			best = r
		}
	}
	return best
}

// RealmLadderSummary renders the ladder for prompt injection.
func RealmLadderSummary() string {
	var b strings.Builder
	for i, r := range RealmLadder {
		if i > 0 {
			b.WriteString(" < ")
		}
		b.WriteString(r.Name)
		b.WriteString("(")
		b.WriteString(r.English)
		b.WriteString(")")
	}
	return b.String()
}
