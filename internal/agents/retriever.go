package agents

import (
	"fmt"
	"regexp"
	"strings"

	"Jianghu-Annals/server/internal/models"
)

// LorePattern maps a keyword regex to a lorebook topic.
type LorePattern struct {
	Pattern *regexp.Regexp
	Topic   string
	Data    string
}

// CastingCandidate is one character considered for the current scene,
// scored by the caller's casting pass.
type CastingCandidate struct {
	Name    string
	Score   int
	Profile string
}

// Retriever assembles the context block handed to the adjudicator and the
// narrator. It is a pure function of its inputs: lore matching, casting
// candidates and stored memories, no model calls.
type Retriever struct {
	patterns []LorePattern
}

// NewRetriever creates a retriever with the built-in lore table.
func NewRetriever() *Retriever {
	return &Retriever{patterns: defaultLorePatterns()}
}

// AddPattern registers an additional lore entry.
func (r *Retriever) AddPattern(expr, topic, data string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid lore pattern %q: %w", expr, err)
	}
	r.patterns = append(r.patterns, LorePattern{Pattern: re, Topic: topic, Data: data})
	return nil
}

const strongCandidateScore = 5

// Retrieve builds the context text for one turn.
func (r *Retriever) Retrieve(decision models.RouterDecision, state *models.PlayerState, candidates []CastingCandidate) string {
	var b strings.Builder

	if len(candidates) > 0 {
		b.WriteString("[Casting Suggestions]\n")
		for _, c := range candidates {
			if c.Score >= strongCandidateScore {
				fmt.Fprintf(&b, "- %s (STRONG CANDIDATE): %s\n", c.Name, c.Profile)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Profile)
			}
		}
	}

	haystack := decision.Intent + " " + strings.Join(decision.Keywords, " ")
	seen := make(map[string]bool)
	for _, p := range r.patterns {
		if seen[p.Topic] || !p.Pattern.MatchString(haystack) {
			continue
		}
		seen[p.Topic] = true
		fmt.Fprintf(&b, "[Lore: %s]\n%s\n", p.Topic, p.Data)
	}

	if decision.Category == models.CategoryCombat {
		fmt.Fprintf(&b, "[Combat Stats]\nRealm: %s / Neigong: %.1f years / HP %d/%d / MP %d/%d\n",
			state.Realm, state.Neigong, state.HP, state.MaxHP, state.MP, state.MaxMP)
		if len(state.ActiveInjuries) > 0 {
			fmt.Fprintf(&b, "Active injuries: %s\n", strings.Join(state.ActiveInjuries, ", "))
		}
	}

	if decision.Category == models.CategoryDialogue && decision.Target != "" {
		// The profile is only worth injecting when the target is off
		// scene; an active character is already in the narrator's view.
		if !containsString(state.ActiveCharacters, decision.Target) {
			if profile := candidateProfile(candidates, decision.Target); profile != "" {
				fmt.Fprintf(&b, "[Profile: %s]\n%s\n", decision.Target, profile)
			}
		}
	}

	if decision.Target != "" {
		if memories := state.CharacterMemories[decision.Target]; len(memories) > 0 {
			fmt.Fprintf(&b, "[Memories with %s]\n", decision.Target)
			for i, m := range memories {
				if i == 3 {
					break
				}
				fmt.Fprintf(&b, "- %s\n", m.Text)
			}
		}
	}

	return b.String()
}

func candidateProfile(candidates []CastingCandidate, name string) string {
	for _, c := range candidates {
		if c.Name == name {
			return c.Profile
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func defaultLorePatterns() []LorePattern {
	entries := []struct{ expr, topic, data string }{
		{`무공|내공|심법|운기조식`, "Cultivation",
			"Neigong is measured in years of cultivation. Skills drain MP; neigong itself is spent only by crippling loss or power transfer."},
		{`문파|화산|소림|무당|마교`, "Sects",
			"The orthodox sects (화산, 소림, 무당) keep an uneasy truce with the demonic cult (마교). Sect membership binds speech and duty."},
		{`객잔|주루|차루`, "Inns",
			"Inns are neutral ground by Jianghu custom; drawing steel inside one stains a warrior's reputation."},
		{`독|독약|중독`, "Poison",
			"Poison ignores realm rank. Antidotes are sect secrets; the Tang clan of 사천 holds the deepest craft."},
		{`비급|절세|전설`, "Manuals",
			"Legendary manuals circulate as rumors; possessing one openly invites every blade in the province."},
	}

	patterns := make([]LorePattern, 0, len(entries))
	for _, e := range entries {
		patterns = append(patterns, LorePattern{
			Pattern: regexp.MustCompile(e.expr),
			Topic:   e.topic,
			Data:    e.data,
		})
	}
	return patterns
}
