package engine

import (
	"fmt"
	"log"
	"math"

	"Jianghu-Annals/server/internal/models"
)

// MergeInput bundles the per-turn delta proposals.
type MergeInput struct {
	Adjudication *models.AdjudicationResult
	Outcome      *models.OutcomeDelta
	Balance      *models.DomainBalanceDelta
}

// MergeEngine combines the outcome analyst's, the domain balancer's and
// the synchronizer's live-accumulated deltas into one consistent, clamped
// state transaction. It is the only writer of committed state.
type MergeEngine struct {
	store  *StateStore
	ending *EndingLifecycle
}

// NewMergeEngine creates a merge engine over the shared store.
func NewMergeEngine(store *StateStore, ending *EndingLifecycle) *MergeEngine {
	return &MergeEngine{store: store, ending: ending}
}

// Merge applies one turn's proposals and commits exactly once. The inline
// accumulator is consumed and reset. Returns the committed state and the
// ending type armed by this merge, if any.
func (m *MergeEngine) Merge(in MergeInput, acc *InlineAccumulator) (*models.PlayerState, models.EndingType) {
	next := m.store.Snapshot()
	next.Turn++

	outcome := in.Outcome
	if outcome == nil {
		outcome = &models.OutcomeDelta{}
	}
	balance := in.Balance
	if balance == nil {
		balance = &models.DomainBalanceDelta{}
	}

	// 1. Combine stat proposals. Both analysts observe the same narration
	// and their contributions sum (kept deliberately; see DESIGN).
	stats := make(map[string]float64)
	for k, v := range outcome.StatUpdates {
		stats[k] += v
	}
	for k, v := range balance.StatUpdates {
		stats[k] += v
	}
	if in.Adjudication != nil {
		for k, v := range in.Adjudication.StateChanges {
			stats[k] += float64(v)
		}
	}

	// 2. Subtract what already landed live during streaming.
	for k, v := range acc.Stats {
		stats[k] -= v
	}
	relationships := make(map[string]int)
	for k, v := range outcome.RelationshipUpdates {
		relationships[k] += v
	}
	for k, v := range acc.Relationships {
		relationships[k] -= v
	}
	traits := make(map[string]int)
	for k, v := range acc.Traits {
		traits[k] -= v
	}
	acc.Reset()

	// 3. Apply stats with clamps.
	growth := m.applyStats(next, stats, traits)

	// 4. Relationship damping.
	m.applyRelationships(next, relationships)
	for char, info := range outcome.RelationshipInfoUpdates {
		current := next.RelationshipInfo[char]
		if info.Status != "" {
			current.Status = info.Status
		}
		if info.SpeechStyle != "" {
			current.SpeechStyle = info.SpeechStyle
		}
		next.RelationshipInfo[char] = current
	}

	// 5. Injury consolidation.
	m.applyInjuries(next, outcome, balance)

	// 6. Skills and realm integrity.
	if m.applySkills(next, balance) {
		growth = true
	}
	m.applyRealm(next, balance, outcome.PlayerRank)

	// 7. Fate net change.
	if in.Adjudication != nil {
		next.Fate += in.Adjudication.FateGain - in.Adjudication.FateUsed
		if next.Fate < 0 {
			next.Fate = 0
		}
		if in.Adjudication.FateGain > 0 {
			growth = true
		}
	}

	// 8. Narrative bookkeeping. The adjudicator's forced mood transition
	// outranks the analyst's reading of the finished text.
	m.applyNarrative(next, outcome)
	if in.Adjudication != nil && in.Adjudication.MoodOverride != "" {
		next.Mood = in.Adjudication.MoodOverride
	}
	m.applyMemories(next, outcome)

	if growth {
		next.Stagnation = 0
	} else {
		next.Stagnation++
	}

	// 9. Ending arming, then the single commit.
	armed := models.EndingNone
	trigger := outcome.EndingTrigger
	if next.HP <= 0 && trigger == models.EndingNone {
		trigger = models.EndingBad
	}
	if trigger != models.EndingNone && m.ending.Arm(trigger) {
		armed = trigger
	}

	m.store.Commit(next)
	return next.Clone(), armed
}

func (m *MergeEngine) applyStats(next *models.PlayerState, stats map[string]float64, traits map[string]int) bool {
	growth := false
	for key, delta := range stats {
		switch key {
		case "hp":
			next.HP = clampInt(next.HP+round(delta), 0, next.MaxHP)
		case "mp":
			next.MP = clampInt(next.MP+round(delta), 0, next.MaxMP)
		case "gold":
			next.Gold = maxInt(next.Gold+round(delta), 0)
		case "fame":
			next.Fame = maxInt(next.Fame+round(delta), 0)
		case "fate":
			next.Fate = maxInt(next.Fate+round(delta), 0)
		case "neigong":
			// Rounded to two decimals; never driven below zero.
			next.Neigong = math.Max(0, math.Round((next.Neigong+delta)*100)/100)
			if delta > 0 {
				growth = true
			}
		default:
			if isTrait(key) {
				traits[key] += round(delta)
			}
		}
	}
	for trait, delta := range traits {
		if !isTrait(trait) {
			continue
		}
		next.Personality[trait] = clampInt(next.Personality[trait]+delta, -100, 100)
	}
	return growth
}

// Positive relationship deltas are damped as the current score rises and
// hard-capped at +10 per turn; negative deltas pass through uncapped.
func (m *MergeEngine) applyRelationships(next *models.PlayerState, deltas map[string]int) {
	for char, delta := range deltas {
		if delta == 0 {
			continue
		}
		current := next.Relationships[char]
		if delta > 0 {
			delta = round(float64(delta) * dampingWeight(current))
			if delta > 10 {
				delta = 10
			}
			if delta < 1 {
				delta = 1
			}
		}
		next.Relationships[char] = current + delta
	}
}

func dampingWeight(score int) float64 {
	switch {
	case score < 40:
		return 1.0
	case score < 70:
		return 0.6
	case score < 90:
		return 0.4
	default:
		return 0.2
	}
}

func (m *MergeEngine) applyInjuries(next *models.PlayerState, outcome *models.OutcomeDelta, balance *models.DomainBalanceDelta) {
	for _, name := range outcome.ResolvedInjuries {
		if idx := matchInjury(next.ActiveInjuries, name); idx >= 0 {
			next.ActiveInjuries = append(next.ActiveInjuries[:idx], next.ActiveInjuries[idx+1:]...)
		}
	}

	incoming := append(append([]string(nil), outcome.NewInjuries...), balance.ActiveInjuries...)
	for _, raw := range incoming {
		// Blacklist runs on the raw text too: normalization must not
		// launder a psychological descriptor into a physical cluster.
		if IsBlacklistedInjury(raw) {
			continue
		}
		name := NormalizeInjury(raw)
		if name == "" || IsBlacklistedInjury(name) {
			continue
		}
		// A worsened or duplicate form replaces whatever it matches
		// instead of stacking with it.
		for {
			idx := matchInjury(next.ActiveInjuries, name)
			if idx < 0 {
				break
			}
			if next.ActiveInjuries[idx] == name {
				name = "" // identical entry already present
				break
			}
			next.ActiveInjuries = append(next.ActiveInjuries[:idx], next.ActiveInjuries[idx+1:]...)
		}
		if name != "" {
			next.ActiveInjuries = append(next.ActiveInjuries, name)
		}
	}
}

func (m *MergeEngine) applySkills(next *models.PlayerState, balance *models.DomainBalanceDelta) bool {
	growth := false
	for _, skill := range balance.NewSkills {
		if next.SkillByName(skill.Name) != nil {
			continue
		}
		next.Skills = append(next.Skills, skill)
		growth = true
	}
	for _, update := range balance.UpdatedSkills {
		if skill := next.SkillByName(update.Name); skill != nil {
			skill.Proficiency = clampInt(update.Proficiency, 0, 100)
			growth = true
		}
	}
	return growth
}

// applyRealm enforces rank/realm integrity: a label the neigong cannot
// support is downgraded (never topped up), and levels respect the realm
// ceiling unless the advancement threshold is met.
func (m *MergeEngine) applyRealm(next *models.PlayerState, balance *models.DomainBalanceDelta, rankLabel string) {
	if balance.RealmUpdate != "" {
		next.Realm = models.NormalizeRealm(balance.RealmUpdate)
	} else if rankLabel != "" {
		if _, ok := models.RealmByName(rankLabel); ok {
			next.Realm = models.NormalizeRealm(rankLabel)
		}
	}

	realm, ok := models.RealmByName(next.Realm)
	if !ok {
		realm = models.RealmLadder[0]
		next.Realm = realm.Name
	}

	// False realm: the label exceeds the actual depth of power. Suspend
	// progression for this turn and downgrade.
	if realm.MinNeigong > next.Neigong {
		actual := models.HighestRealmFor(next.Neigong)
		log.Printf("[Merge] false realm %s at %.1f years, downgrading to %s", next.Realm, next.Neigong, actual.Name)
		next.Realm = actual.Name
		next.Level = clampInt(next.Level, actual.MinLevel, actual.MaxLevel)
		return
	}

	next.Exp += balance.RealmProgressDelta
	for next.Exp >= expPerLevel {
		next.Exp -= expPerLevel
		next.Level++
	}

	if next.Level > realm.MaxLevel {
		idx := models.RealmIndex(realm.Name)
		if idx+1 < len(models.RealmLadder) && next.Neigong >= models.RealmLadder[idx+1].MinNeigong {
			promoted := models.RealmLadder[idx+1]
			next.Realm = promoted.Name
			if next.Level < promoted.MinLevel {
				next.Level = promoted.MinLevel
			}
			log.Printf("[Merge] realm promotion to %s", promoted.Name)
		} else {
			next.Level = realm.MaxLevel
		}
	}
}

const expPerLevel = 100

func (m *MergeEngine) applyNarrative(next *models.PlayerState, outcome *models.OutcomeDelta) {
	if outcome.MoodUpdate != "" {
		next.Mood = outcome.MoodUpdate
	}
	if outcome.LocationUpdate != "" {
		next.Location = outcome.LocationUpdate
	}
	if outcome.FactionChange != "" {
		next.Faction = outcome.FactionChange
	}
	if len(outcome.ActiveCharacters) > 0 {
		next.ActiveCharacters = append([]string(nil), outcome.ActiveCharacters...)
	}
	for _, dead := range outcome.DeadCharacterIDs {
		for i, c := range next.ActiveCharacters {
			if c == dead {
				next.ActiveCharacters = append(next.ActiveCharacters[:i], next.ActiveCharacters[i+1:]...)
				break
			}
		}
	}

	for _, update := range outcome.GoalUpdates {
		for i := range next.Goals {
			if next.Goals[i].ID == update.ID {
				next.Goals[i].Status = update.Status
			}
		}
	}
	for _, g := range outcome.NewGoals {
		next.Goals = append(next.Goals, models.Goal{
			ID:          fmt.Sprintf("goal_%d_%d", next.Turn, len(next.Goals)+1),
			Description: g.Description,
			Type:        g.Type,
			Status:      "ACTIVE",
		})
	}
}

func (m *MergeEngine) applyMemories(next *models.PlayerState, outcome *models.OutcomeDelta) {
	for char, texts := range outcome.CharacterMemories {
		existing := next.CharacterMemories[char]
		for _, text := range texts {
			duplicate := false
			for _, mem := range existing {
				if mem.Text == text {
					duplicate = true
					break
				}
			}
			if !duplicate {
				existing = append(existing, models.CharacterMemory{Text: text, Turn: next.Turn})
			}
		}
		next.CharacterMemories[char] = existing
	}

	// Turn-scoped memories decay once their expiry passes.
	for char, memories := range next.CharacterMemories {
		kept := memories[:0]
		for _, mem := range memories {
			if mem.ExpireAfterTurn > 0 && mem.ExpireAfterTurn < next.Turn {
				continue
			}
			kept = append(kept, mem)
		}
		next.CharacterMemories[char] = kept
	}
}

func isTrait(key string) bool {
	for _, t := range models.PersonalityTraits {
		if t == key {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}

func round(v float64) int {
	return int(math.Round(v))
}
