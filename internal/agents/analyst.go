package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
)

// Analyst is the post-narration outcome stage: it reads the finished turn
// and proposes the implicit state changes as a delta. Failures degrade to
// an empty delta so the turn commits with no implicit change.
type Analyst struct {
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
}

// NewAnalyst creates an outcome analyst.
func NewAnalyst(client interfaces.ChatClient, templates *prompts.TemplateEngine) *Analyst {
	return &Analyst{client: client, templates: templates}
}

// Analyze extracts the outcome delta from one finished narration.
func (a *Analyst) Analyze(ctx context.Context, action, story string, state *models.PlayerState) (*models.OutcomeDelta, models.Usage) {
	if strings.TrimSpace(story) == "" {
		return &models.OutcomeDelta{}, models.Usage{}
	}

	prompt, err := a.templates.Render(prompts.TemplateOutcome, map[string]string{
		"player_name":   state.Name,
		"action":        action,
		"story":         story,
		"state_summary": stateSummary(state),
	})
	if err != nil {
		log.Printf("[Analyst] template error: %v", err)
		return &models.OutcomeDelta{}, models.Usage{}
	}

	reply, usage, err := a.client.Chat(ctx, []interfaces.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: story},
	})
	if err != nil {
		log.Printf("[Analyst] call failed, using empty delta: %v", err)
		return &models.OutcomeDelta{}, models.Usage{}
	}

	var delta models.OutcomeDelta
	if err := decodeJSONBlock(reply, &delta); err != nil {
		log.Printf("[Analyst] malformed delta, using empty delta: %v", err)
		return &models.OutcomeDelta{}, usage
	}
	sanitizeOutcome(&delta)
	return &delta, usage
}

// validStatKeys are the only physical stats the analyst may touch;
// invented keys are dropped.
var validStatKeys = map[string]bool{
	"hp": true, "mp": true, "gold": true, "fame": true, "fate": true,
}

func sanitizeOutcome(delta *models.OutcomeDelta) {
	for key := range delta.StatUpdates {
		if validStatKeys[key] || isPersonalityTrait(key) {
			continue
		}
		log.Printf("[Analyst] dropping unknown stat key %q", key)
		delete(delta.StatUpdates, key)
	}

	// Dead characters can not remain active.
	if len(delta.DeadCharacterIDs) > 0 && len(delta.ActiveCharacters) > 0 {
		dead := make(map[string]bool, len(delta.DeadCharacterIDs))
		for _, id := range delta.DeadCharacterIDs {
			dead[id] = true
		}
		alive := delta.ActiveCharacters[:0]
		for _, id := range delta.ActiveCharacters {
			if !dead[id] {
				alive = append(alive, id)
			}
		}
		delta.ActiveCharacters = alive
	}

	switch delta.EndingTrigger {
	case models.EndingBad, models.EndingGood, models.EndingTrue, models.EndingNone:
	default:
		delta.EndingTrigger = models.EndingNone
	}
}

func isPersonalityTrait(key string) bool {
	for _, t := range models.PersonalityTraits {
		if t == key {
			return true
		}
	}
	return false
}

func stateSummary(state *models.PlayerState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HP %d/%d, MP %d/%d, gold %d, fame %d, mood %s, location %s\n",
		state.HP, state.MaxHP, state.MP, state.MaxMP, state.Gold, state.Fame, state.Mood, state.Location)
	if len(state.ActiveInjuries) > 0 {
		fmt.Fprintf(&b, "Active injuries: %s\n", strings.Join(state.ActiveInjuries, ", "))
	}
	if len(state.ActiveCharacters) > 0 {
		fmt.Fprintf(&b, "Characters present: %s\n", strings.Join(state.ActiveCharacters, ", "))
	}
	var active []string
	for _, g := range state.Goals {
		if g.Status == "ACTIVE" {
			active = append(active, fmt.Sprintf("%s (%s): %s", g.ID, g.Type, g.Description))
		}
	}
	if len(active) > 0 {
		fmt.Fprintf(&b, "Active goals:\n%s\n", strings.Join(active, "\n"))
	}
	return b.String()
}
