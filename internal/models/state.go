package models

// PersonalityTraits are the tracked personality axes, each clamped to
// [-100, 100] at merge time.
var PersonalityTraits = []string{
	"morality", "courage", "eloquence", "wisdom", "charisma", "patience",
	"cunning", "loyalty", "temperance", "ambition", "empathy",
}

// Skill is one learned martial art.
type Skill struct {
	Name        string `json:"name"`
	Rank        string `json:"rank"`
	Proficiency int    `json:"proficiency"` // 0-100
	Flawed      bool   `json:"flawed"`      // learned beyond the body's limits
	Description string `json:"description,omitempty"`
}

// Goal is one tracked narrative objective.
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Type        string `json:"type"`   // "MAIN" or "SUB"
	Status      string `json:"status"` // "ACTIVE", "COMPLETED", "FAILED"
}

// CharacterMemory is one long-term fact a character remembers about the
// player. Turn-scoped memories decay once ExpireAfterTurn passes.
type CharacterMemory struct {
	Text            string `json:"text"`
	Turn            int    `json:"turn"`
	ExpireAfterTurn int    `json:"expire_after_turn,omitempty"`
}

// RelationshipInfo tracks the defined social role and speech register a
// character uses toward the player, separate from the numeric score.
type RelationshipInfo struct {
	Status      string `json:"status,omitempty"`
	SpeechStyle string `json:"speech_style,omitempty"`
}

// PlayerState is the single shared mutable game state. Only the merge
// engine commits changes to it; every other component works from a clone.
type PlayerState struct {
	Name string `json:"name"`

	HP    int `json:"hp"`
	MaxHP int `json:"max_hp"`
	MP    int `json:"mp"`
	MaxMP int `json:"max_mp"`
	Gold  int `json:"gold"`
	Fame  int `json:"fame"`
	Fate  int `json:"fate"`

	// Neigong is depth of power in years of cultivation; it backs the
	// realm label and is never silently topped up.
	Neigong float64 `json:"neigong"`
	Level   int     `json:"level"`
	Exp     int     `json:"exp"`
	Realm   string  `json:"realm"`
	Faction string  `json:"faction,omitempty"`

	Personality map[string]int `json:"personality"`

	Skills            []Skill                      `json:"skills"`
	Relationships     map[string]int               `json:"relationships"`
	RelationshipInfo  map[string]RelationshipInfo  `json:"relationship_info,omitempty"`
	ActiveInjuries    []string                     `json:"active_injuries"`
	ActiveCharacters  []string                     `json:"active_characters"`
	Goals             []Goal                       `json:"goals"`
	CharacterMemories map[string][]CharacterMemory `json:"character_memories"`

	Mood     string `json:"mood"`
	Location string `json:"location"`

	Turn       int  `json:"turn"`
	Stagnation int  `json:"stagnation"`
	GodMode    bool `json:"god_mode,omitempty"`
}

// NewPlayerState returns a fresh character with baseline stats.
func NewPlayerState(name string) *PlayerState {
	personality := make(map[string]int, len(PersonalityTraits))
	for _, trait := range PersonalityTraits {
		personality[trait] = 0
	}
	return &PlayerState{
		Name:              name,
		HP:                100,
		MaxHP:             100,
		MP:                100,
		MaxMP:             100,
		Realm:             "삼류",
		Level:             1,
		Mood:              "daily",
		Personality:       personality,
		Relationships:     make(map[string]int),
		RelationshipInfo:  make(map[string]RelationshipInfo),
		CharacterMemories: make(map[string][]CharacterMemory),
	}
}

// Clone returns a deep copy safe to hand to pipeline stages.
func (s *PlayerState) Clone() *PlayerState {
	if s == nil {
		return nil
	}
	c := *s

	c.Personality = make(map[string]int, len(s.Personality))
	for k, v := range s.Personality {
		c.Personality[k] = v
	}
	c.Relationships = make(map[string]int, len(s.Relationships))
	for k, v := range s.Relationships {
		c.Relationships[k] = v
	}
	c.RelationshipInfo = make(map[string]RelationshipInfo, len(s.RelationshipInfo))
	for k, v := range s.RelationshipInfo {
		c.RelationshipInfo[k] = v
	}
	c.Skills = append([]Skill(nil), s.Skills...)
	c.ActiveInjuries = append([]string(nil), s.ActiveInjuries...)
	c.ActiveCharacters = append([]string(nil), s.ActiveCharacters...)
	c.Goals = append([]Goal(nil), s.Goals...)
	c.CharacterMemories = make(map[string][]CharacterMemory, len(s.CharacterMemories))
	for k, v := range s.CharacterMemories {
		c.CharacterMemories[k] = append([]CharacterMemory(nil), v...)
	}
	return &c
}

// HasInjury reports whether the exact injury string is active.
func (s *PlayerState) HasInjury(name string) bool {
	for _, inj := range s.ActiveInjuries {
		if inj == name {
			return true
		}
	}
	return false
}

// SkillByName returns a pointer into Skills, or nil.
func (s *PlayerState) SkillByName(name string) *Skill {
	for i := range s.Skills {
		if s.Skills[i].Name == name {
			return &s.Skills[i]
		}
	}
	return nil
}
