package models

// TurnRequest is one player action submitted to the pipeline.
type TurnRequest struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	DirectInput bool   `json:"direct_input"`
	// Hidden actions are processed normally but excluded from the
	// visible dialogue log.
	Hidden    bool   `json:"hidden"`
	FateSpend int    `json:"fate_spend,omitempty"`
	Language  string `json:"language,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ActionCategory is the router's coarse classification of a player action.
type ActionCategory string

const (
	CategoryCombat   ActionCategory = "combat"
	CategoryDialogue ActionCategory = "dialogue"
	CategoryAction   ActionCategory = "action"
	CategorySystem   ActionCategory = "system"
)

// RouterDecision steers persona selection downstream; it never gates
// execution by itself.
type RouterDecision struct {
	Category ActionCategory `json:"type"`
	Intent   string         `json:"intent"`
	Target   string         `json:"target,omitempty"`
	Keywords []string       `json:"keywords"`
}

// AdjudicationResult is the rule adjudicator's verdict on an action.
type AdjudicationResult struct {
	Success          bool           `json:"success"`
	PlausibilityScore int           `json:"plausibility_score"` // 1-10
	JudgmentAnalysis string         `json:"judgment_analysis"`
	NarrativeGuide   string         `json:"narrative_guide"`
	MoodOverride     string         `json:"mood_override,omitempty"`
	StateChanges     map[string]int `json:"state_changes,omitempty"`

	// Fate bookkeeping: spent points offset the score, and high raw
	// outcomes earn new points.
	FateUsed int `json:"fate_used,omitempty"`
	FateGain int `json:"fate_gain,omitempty"`
}

// InlineTrigger anchors a logic tag to the exact narration quote that
// justifies it.
type InlineTrigger struct {
	Quote string `json:"quote"`
	Tag   string `json:"tag"`
}

// NewGoal is a goal proposed by the outcome analyst.
type NewGoal struct {
	Description string `json:"description"`
	Type        string `json:"type"` // "MAIN" or "SUB"
}

// GoalUpdate changes the status of an existing goal.
type GoalUpdate struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "COMPLETED", "FAILED", "ACTIVE"
}

// EndingType identifies a story conclusion variant.
type EndingType string

const (
	EndingNone EndingType = ""
	EndingBad  EndingType = "BAD"
	EndingGood EndingType = "GOOD"
	EndingTrue EndingType = "TRUE"
)

// OutcomeDelta is the outcome analyst's proposal of implicit state changes
// read out of the finished narration.
type OutcomeDelta struct {
	MoodUpdate     string `json:"mood_update,omitempty"`
	LocationUpdate string `json:"location_update,omitempty"`

	RelationshipUpdates     map[string]int              `json:"relationship_updates,omitempty"`
	RelationshipInfoUpdates map[string]RelationshipInfo `json:"relationship_info_updates,omitempty"`
	StatUpdates             map[string]float64          `json:"stat_updates,omitempty"`

	CharacterMemories map[string][]string `json:"character_memories,omitempty"`
	InlineTriggers    []InlineTrigger     `json:"inline_triggers,omitempty"`

	ResolvedInjuries []string `json:"resolved_injuries,omitempty"`
	NewInjuries      []string `json:"new_injuries,omitempty"`

	NewGoals    []NewGoal    `json:"new_goals,omitempty"`
	GoalUpdates []GoalUpdate `json:"goal_updates,omitempty"`

	EndingTrigger    EndingType `json:"ending_trigger,omitempty"`
	DeadCharacterIDs []string   `json:"dead_character_ids,omitempty"`
	ActiveCharacters []string   `json:"activeCharacters,omitempty"`

	FactionChange  string `json:"factionChange,omitempty"`
	PlayerRank     string `json:"playerRank,omitempty"`
	SummaryTrigger bool   `json:"summary_trigger,omitempty"`
}

// SkillUpdate adjusts an existing skill.
type SkillUpdate struct {
	Name        string `json:"name"`
	Proficiency int    `json:"proficiency"`
}

// DomainBalanceDelta is the domain balancer's proposal covering martial
// growth: skills, realm progress and the physical cost of training.
type DomainBalanceDelta struct {
	NewSkills          []Skill            `json:"new_skills,omitempty"`
	UpdatedSkills      []SkillUpdate      `json:"updated_skills,omitempty"`
	RealmProgressDelta int                `json:"realm_progress_delta,omitempty"`
	RealmUpdate        string             `json:"realm_update,omitempty"`
	StatUpdates        map[string]float64 `json:"stat_updates,omitempty"`
	ActiveInjuries     []string           `json:"active_injuries,omitempty"`
	AuditLog           string             `json:"audit_log,omitempty"`
}

// Usage is normalized token accounting for one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
}

// CompletionPayload is the terminal frame of a turn stream: canonical text
// plus everything the merge produced.
type CompletionPayload struct {
	FinalText    string              `json:"final_text"`
	Adjudication *AdjudicationResult `json:"adjudication,omitempty"`
	Outcome      *OutcomeDelta       `json:"outcome,omitempty"`
	Balance      *DomainBalanceDelta `json:"balance,omitempty"`
	State        *PlayerState        `json:"state,omitempty"`
	Ending       EndingType          `json:"ending,omitempty"`
	Usage        Usage               `json:"usage"`
	Cost         float64             `json:"cost"`
}
