package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with variables
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*Template),
	}
}

// RegisterTemplate registers a new template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render renders a template with the given variables. Unknown
// placeholders are left in place so a missing binding is visible in logs.
func (e *TemplateEngine) Render(templateName string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	result := varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		name := varRegex.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
	return result, nil
}

// ParseTemplateVariables extracts variables from a template
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	uniqueVars := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueVars[match[1]] = true
		}
	}

	vars := make([]string, 0, len(uniqueVars))
	for v := range uniqueVars {
		vars = append(vars, v)
	}

	return vars
}

// ExportTemplate exports a template as JSON
func (e *TemplateEngine) ExportTemplate(name string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal template: %w", err)
	}

	return string(data), nil
}

// ImportTemplate imports a template from JSON
func (e *TemplateEngine) ImportTemplate(jsonData string) error {
	var tmpl Template
	if err := json.Unmarshal([]byte(jsonData), &tmpl); err != nil {
		return fmt.Errorf("failed to unmarshal template: %w", err)
	}

	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	return e.RegisterTemplate(&tmpl)
}

// Template names registered by InitializeDefaultTemplates.
const (
	TemplateRouter        = "intent_router"
	TemplateAdjudicator   = "rule_adjudicator"
	TemplateNarration     = "narration"
	TemplateOutcome       = "outcome_analyst"
	TemplateBalance       = "domain_balancer"
	TemplateMemorySummary = "memory_summary"
)

// InitializeDefaultTemplates initializes the built-in pipeline templates.
func InitializeDefaultTemplates(e *TemplateEngine) error {
	templates := []*Template{
		{
			Name:        TemplateRouter,
			Description: "Classifies a player action into a coarse category",
			Content: `You classify one player action in a wuxia interactive story.

## Recent dialogue
{{history}}

## Player action
{{action}}

Classify the action and answer ONLY with JSON:
{"type": "combat" | "dialogue" | "action" | "system",
 "intent": "one-line summary",
 "target": "character name or empty",
 "keywords": ["salient", "keywords"]}

Rules:
- "combat": violence attempted or imminent.
- "dialogue": the player primarily speaks to someone.
- "system": save/load/status/meta requests.
- otherwise "action".`,
		},
		{
			Name:        TemplateAdjudicator,
			Description: "Scores plausibility and issues the narrative directive",
			Content: `You are the reality arbiter ({{persona}}) of a wuxia world. Judge the
player's attempted action before it is narrated.

## Player
{{player_summary}}

## Retrieved context
{{context}}

## Action ({{category}})
{{action}}

[Core Rules]
1. Intent preservation: never replace the action with a different one.
2. Anti-escalation: the player cannot dictate another character's
   feelings, gain instant mastery, or decree world events.
3. Capability gap: a direct force-vs-force clash respects the realm
   ranking ({{realm_ladder}}). Tactical creativity - terrain, deception,
   poison, psychology - is judged per action and may succeed regardless
   of the rank gap.
4. Fail forward: a failure still moves the story; describe the cost.

[Plausibility Rubric 1-10]
10 miraculous success with narrative advantage; 7-9 clean success;
4-6 standard/partial success; 2-3 failed attempt, soft correction;
1 critical failure with an embarrassing consequence.
Score <= 3 means success=false.

Answer ONLY with JSON:
{"plausibility_score": 1-10, "success": true|false,
 "judgment_analysis": "why",
 "narrative_guide": "directive the narration must follow",
 "mood_override": "daily|growth|tension|combat or empty",
 "state_changes": {"hp": 0}}`,
		},
		{
			Name:        TemplateNarration,
			Description: "Produces the tagged narration stream",
			Content: `You are the narrator of a wuxia interactive story. Continue the scene,
obeying the directive exactly.

## Scene
{{scene}}

## Directive (binding)
{{directive}}

## Retrieved context
{{context}}

## Player action
{{action}}

Write the scene using ONLY this tag script, in Korean:
<배경>Region_Place  <Bgm>track  <EventCG>key
<나레이션>prose line
<대사>Name_Expression: "speech"
<선택지1>option  <선택지2>option
<문자>Sender_Header: message  <시스템팝업>notice
Commands when the directive demands them:
<update_stat hp='-5'> <update_relationship char='Name' val='2'>
<set_time>밤 <add_injury>내상
Keep private reasoning inside <Think>...</Think>. End with 2-3 choices
unless the scene is a conclusion.`,
		},
		{
			Name:        TemplateOutcome,
			Description: "Reads implicit state changes out of the finished narration",
			Content: `You are the outcome analyst. Read the finished turn and extract the
IMPLICIT state changes. The player is {{player_name}}; stat and injury
updates apply to the player only.

## Player action
{{action}}

## Narration
{{story}}

## Current state
{{state_summary}}

[Memory rule] Record only long-term significant facts (promises,
permanent changes, major secrets). Trivial events are covered by the
relationship score.
[Injury rule] Only literal, physically described wounds. Never record
psychological states. A worsened injury replaces its milder form: put
the old name in resolved_injuries. If the narration implies recovery,
resolve the injury - the list is the past, the story is the present.
[Relationship inertia] Normal gain +1..+5, life-saving at most +10.
Negative changes are unlimited.
[Ending] "BAD" only if the player's death or permanent ruin already
happened in narration (not threats, jokes or near misses). "GOOD"/"TRUE"
for a definitive achieved conclusion.

Answer ONLY with JSON:
{"mood_update": "", "location_update": "",
 "relationship_updates": {}, "stat_updates": {},
 "character_memories": {}, "inline_triggers": [{"quote": "", "tag": ""}],
 "resolved_injuries": [], "new_injuries": [],
 "new_goals": [], "goal_updates": [],
 "ending_trigger": null, "dead_character_ids": [],
 "activeCharacters": [], "factionChange": "", "playerRank": ""}`,
		},
		{
			Name:        TemplateBalance,
			Description: "Balances martial growth against the body's limits",
			Content: `You are the martial-arts balancer of a wuxia world. Audit the turn for
skill growth and its physical cost.

## Narration
{{story}}

## Player cultivation
{{cultivation_summary}}

[Rules]
- Neigong (years of cultivation) is capital: routine training and
  victories never raise it. Only elixirs, epiphanies and time skips do.
- A technique above the player's realm may be learned only as a flawed,
  unstable variant, and the attempt costs hp or an injury.
- Proficiency moves in small steps (0-100).

Answer ONLY with JSON:
{"new_skills": [{"name": "", "rank": "", "proficiency": 0, "flawed": false}],
 "updated_skills": [{"name": "", "proficiency": 0}],
 "realm_progress_delta": 0, "realm_update": "",
 "stat_updates": {"hp": 0, "mp": 0, "neigong": 0},
 "active_injuries": [], "audit_log": "reasoning"}`,
		},
		{
			Name:        TemplateMemorySummary,
			Description: "Compacts an overgrown character memory list",
			Content: `Summarize these memories {{character}} holds about the player into at
most 5 durable facts, keeping promises, debts and secrets verbatim.

{{memories}}

Answer ONLY with a JSON array of strings.`,
		},
	}

	for _, tmpl := range templates {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
		if err := e.RegisterTemplate(tmpl); err != nil {
			return fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}

	return nil
}

// JoinHistory renders a recent-history slice for prompt injection.
func JoinHistory(lines []string, window int) string {
	if window > 0 && len(lines) > window {
		lines = lines[len(lines)-window:]
	}
	return strings.Join(lines, "\n")
}
