package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Jianghu-Annals/server/internal/models"
)

func newMergeFixture(t *testing.T) (*MergeEngine, *StateStore, *EndingLifecycle, *InlineAccumulator) {
	t.Helper()
	store := NewStateStore(models.NewPlayerState("무명"))
	ending := NewEndingLifecycle()
	return NewMergeEngine(store, ending), store, ending, NewInlineAccumulator()
}

func TestMergeStatClamps(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)

	outcome := &models.OutcomeDelta{StatUpdates: map[string]float64{
		"hp":   -250,
		"mp":   40,
		"gold": -5,
		"fame": 3,
	}}
	next, armed := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, 0, next.HP)
	assert.Equal(t, 100, next.MP, "mp capped at max")
	assert.Equal(t, 0, next.Gold, "gold floors at zero")
	assert.Equal(t, 3, next.Fame)
	assert.Equal(t, 1, next.Turn)
	assert.Equal(t, models.EndingBad, armed, "hp zero arms a bad ending")
	assert.Equal(t, 0, store.Snapshot().HP)
}

func TestMergeSubtractsInlineApplications(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)

	// -10 hp already landed live while streaming.
	store.Mutate(func(st *models.PlayerState) { st.HP -= 10 })
	acc.AddStat("hp", -10)

	// The analyst proposes the same -10 as the turn total.
	outcome := &models.OutcomeDelta{StatUpdates: map[string]float64{"hp": -10}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, 90, next.HP, "the live delta must not be counted twice")
	assert.Empty(t, acc.Stats, "accumulator consumed by the merge")
}

func TestMergeSubtractsInlineRelationships(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)

	store.Mutate(func(st *models.PlayerState) { st.Relationships["연화"] = 3 })
	acc.AddRelationship("연화", 3)

	outcome := &models.OutcomeDelta{RelationshipUpdates: map[string]int{"연화": 3}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, 3, next.Relationships["연화"])
}

func TestMergeRelationshipDamping(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Relationships["벗"] = 95
		st.Relationships["적"] = 95
	})

	outcome := &models.OutcomeDelta{RelationshipUpdates: map[string]int{
		"벗":  10, // damped to 10*0.2 = 2
		"적":  -30,
		"낯선": 25, // fresh score 0, weight 1.0, capped at +10
	}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, 97, next.Relationships["벗"])
	assert.Equal(t, 65, next.Relationships["적"], "negative deltas pass through uncapped")
	assert.Equal(t, 10, next.Relationships["낯선"])
}

func TestMergeRelationshipMinimumGain(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) { st.Relationships["벗"] = 95 })

	// 1 * 0.2 rounds to 0; a sincere positive beat still registers.
	outcome := &models.OutcomeDelta{RelationshipUpdates: map[string]int{"벗": 1}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)
	assert.Equal(t, 96, next.Relationships["벗"])
}

func TestMergeInjuryConsolidation(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.ActiveInjuries = []string{"내상 (Internal Injury)"}
	})

	outcome := &models.OutcomeDelta{
		NewInjuries: []string{"단전 손상", "심리적 충격", "극심한 긴장"},
	}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	// The severe form replaces the milder cluster; psychological entries
	// never land.
	assert.Equal(t, []string{"심각한 내상 (Severe Internal Injury)"}, next.ActiveInjuries)
}

func TestMergeInjuryResolveAndDuplicate(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.ActiveInjuries = []string{"탈진 (Exhaustion)", "왼팔 골절"}
	})

	outcome := &models.OutcomeDelta{
		ResolvedInjuries: []string{"탈진"},
		NewInjuries:      []string{"왼팔 골절"},
	}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, []string{"왼팔 골절"}, next.ActiveInjuries)
}

func TestMergeFalseRealmDowngrade(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Neigong = 3 // supports only 삼류
		st.Level = 15
	})

	balance := &models.DomainBalanceDelta{
		RealmUpdate:        "일류",
		RealmProgressDelta: 500,
	}
	next, _ := m.Merge(MergeInput{Balance: balance}, acc)

	assert.Equal(t, "삼류", next.Realm, "a label without the depth behind it is stripped")
	assert.Equal(t, 10, next.Level, "level clamped into the actual realm band")
	assert.Equal(t, 0, next.Exp, "progression suspended for the false-realm turn")
}

func TestMergeLevelCeilingWithoutPromotion(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Neigong = 3
		st.Level = 10
	})

	balance := &models.DomainBalanceDelta{RealmProgressDelta: 150}
	next, _ := m.Merge(MergeInput{Balance: balance}, acc)

	assert.Equal(t, "삼류", next.Realm)
	assert.Equal(t, 10, next.Level, "level cannot pass the realm ceiling without neigong")
}

func TestMergeRealmPromotion(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Neigong = 6 // enough for 이류
		st.Level = 10
		st.Exp = 50
	})

	balance := &models.DomainBalanceDelta{RealmProgressDelta: 60}
	next, _ := m.Merge(MergeInput{Balance: balance}, acc)

	assert.Equal(t, "이류", next.Realm)
	assert.Equal(t, 11, next.Level, "level floors at the new realm band")
	assert.Equal(t, 10, next.Exp)
}

func TestMergeNeigongRounding(t *testing.T) {
	m, _, _, acc := newMergeFixture(t)

	balance := &models.DomainBalanceDelta{StatUpdates: map[string]float64{"neigong": 0.333}}
	next, _ := m.Merge(MergeInput{Balance: balance}, acc)
	assert.InDelta(t, 0.33, next.Neigong, 1e-9)
	assert.Equal(t, 0, next.Stagnation, "neigong growth resets stagnation")
}

func TestMergeStagnationCounts(t *testing.T) {
	m, _, _, acc := newMergeFixture(t)

	next, _ := m.Merge(MergeInput{}, acc)
	assert.Equal(t, 1, next.Stagnation)
	next, _ = m.Merge(MergeInput{}, acc)
	assert.Equal(t, 2, next.Stagnation)

	next, _ = m.Merge(MergeInput{Balance: &models.DomainBalanceDelta{
		NewSkills: []models.Skill{{Name: "매화검법", Rank: "이류", Proficiency: 10}},
	}}, acc)
	assert.Equal(t, 0, next.Stagnation, "a new skill is growth")
	assert.NotNil(t, next.SkillByName("매화검법"))
}

func TestMergeFateNet(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) { st.Fate = 2 })

	adj := &models.AdjudicationResult{
		Success:           true,
		PlausibilityScore: 10,
		FateUsed:          2,
		FateGain:          3,
	}
	next, _ := m.Merge(MergeInput{Adjudication: adj}, acc)
	assert.Equal(t, 3, next.Fate)
	assert.Equal(t, 0, next.Stagnation, "fate gain counts as growth")
}

func TestMergeGoalLifecycle(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Goals = []models.Goal{{ID: "goal_1_1", Description: "비급 회수", Type: "MAIN", Status: "ACTIVE"}}
	})

	outcome := &models.OutcomeDelta{
		GoalUpdates: []models.GoalUpdate{{ID: "goal_1_1", Status: "COMPLETED"}},
		NewGoals:    []models.NewGoal{{Description: "장문인 면담", Type: "SUB"}},
	}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	require.Len(t, next.Goals, 2)
	assert.Equal(t, "COMPLETED", next.Goals[0].Status)
	assert.Equal(t, "ACTIVE", next.Goals[1].Status)
	assert.NotEmpty(t, next.Goals[1].ID)
}

func TestMergeMemoryDedupAndDecay(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.Turn = 9
		st.CharacterMemories["연화"] = []models.CharacterMemory{
			{Text: "목숨을 구해주었다", Turn: 1},
			{Text: "사흘 뒤 객잔에서 만나기로 했다", Turn: 5, ExpireAfterTurn: 8},
		}
	})

	outcome := &models.OutcomeDelta{CharacterMemories: map[string][]string{
		"연화": {"목숨을 구해주었다", "검보를 빌려갔다"},
	}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	memories := next.CharacterMemories["연화"]
	require.Len(t, memories, 2)
	assert.Equal(t, "목숨을 구해주었다", memories[0].Text)
	assert.Equal(t, "검보를 빌려갔다", memories[1].Text)
	assert.Equal(t, 10, memories[1].Turn)
}

func TestMergeEndingTriggerArmsOnce(t *testing.T) {
	m, _, ending, acc := newMergeFixture(t)

	outcome := &models.OutcomeDelta{EndingTrigger: models.EndingGood}
	_, armed := m.Merge(MergeInput{Outcome: outcome}, acc)
	assert.Equal(t, models.EndingGood, armed)
	assert.True(t, ending.Armed())

	// A second trigger while the first is pending reports nothing.
	_, armed = m.Merge(MergeInput{Outcome: outcome}, acc)
	assert.Equal(t, models.EndingNone, armed)
}

func TestMergeEpilogueSuppressesDeathTrigger(t *testing.T) {
	m, _, ending, acc := newMergeFixture(t)
	ending.Arm(models.EndingGood)
	ending.OnQueueDrained(false)
	ending.Resolve(ResolveEpilogue)

	outcome := &models.OutcomeDelta{StatUpdates: map[string]float64{"hp": -200}}
	next, armed := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, 0, next.HP)
	assert.Equal(t, models.EndingNone, armed, "the epilogue cannot arm a new ending")
}

func TestMergeNarrativeBookkeeping(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) {
		st.ActiveCharacters = []string{"장삼"}
	})

	outcome := &models.OutcomeDelta{
		MoodUpdate:       "tension",
		LocationUpdate:   "화산_연무장",
		FactionChange:    "화산파",
		ActiveCharacters: []string{"장삼", "연화"},
		DeadCharacterIDs: []string{"장삼"},
	}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)

	assert.Equal(t, "tension", next.Mood)
	assert.Equal(t, "화산_연무장", next.Location)
	assert.Equal(t, "화산파", next.Faction)
	assert.Equal(t, []string{"연화"}, next.ActiveCharacters)
}

func TestMergePersonalityClamp(t *testing.T) {
	m, store, _, acc := newMergeFixture(t)
	store.Mutate(func(st *models.PlayerState) { st.Personality["courage"] = 98 })

	outcome := &models.OutcomeDelta{StatUpdates: map[string]float64{"courage": 10}}
	next, _ := m.Merge(MergeInput{Outcome: outcome}, acc)
	assert.Equal(t, 100, next.Personality["courage"])
}

func TestMergeMoodOverrideOutranksAnalyst(t *testing.T) {
	m, _, _, acc := newMergeFixture(t)

	adj := &models.AdjudicationResult{
		Success:           true,
		PlausibilityScore: 7,
		MoodOverride:      "combat",
	}
	outcome := &models.OutcomeDelta{MoodUpdate: "daily"}
	next, _ := m.Merge(MergeInput{Adjudication: adj, Outcome: outcome}, acc)

	assert.Equal(t, "combat", next.Mood)

	// Without an override the analyst's reading stands.
	outcome = &models.OutcomeDelta{MoodUpdate: "growth"}
	next, _ = m.Merge(MergeInput{Adjudication: &models.AdjudicationResult{Success: true, PlausibilityScore: 6}, Outcome: outcome}, acc)
	assert.Equal(t, "growth", next.Mood)
}
