package agents

import (
	"context"
	"fmt"
	"log"

	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
)

// Adjudicator is the reality-arbitration stage: it scores an action's
// plausibility before narration and emits the directive the narrator must
// follow. Adjudication can degrade but never stall a turn.
type Adjudicator struct {
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
}

// NewAdjudicator creates a rule adjudicator.
func NewAdjudicator(client interfaces.ChatClient, templates *prompts.TemplateEngine) *Adjudicator {
	return &Adjudicator{client: client, templates: templates}
}

// Adjudicate judges one action. fateSpend is the number of fate points the
// player committed to this action.
func (a *Adjudicator) Adjudicate(ctx context.Context, decision models.RouterDecision, contextText string, state *models.PlayerState, action string, fateSpend int) (*models.AdjudicationResult, models.Usage) {
	// Privileged override: an explicit, audited escape hatch for flagged
	// players. The rubric is skipped, not bent.
	if state.GodMode {
		log.Printf("[Adjudicator] god-mode override active for %s", state.Name)
		return &models.AdjudicationResult{
			Success:           true,
			PlausibilityScore: 10,
			JudgmentAnalysis:  "god-mode override",
			NarrativeGuide:    "The action succeeds exactly as the player intends.",
		}, models.Usage{}
	}

	prompt, err := a.templates.Render(prompts.TemplateAdjudicator, map[string]string{
		"persona":        persona(decision.Category),
		"player_summary": playerSummary(state),
		"context":        contextText,
		"category":       string(decision.Category),
		"action":         action,
		"realm_ladder":   models.RealmLadderSummary(),
	})
	if err != nil {
		log.Printf("[Adjudicator] template error: %v", err)
		return neutralResult(), models.Usage{}
	}

	reply, usage, err := a.client.Chat(ctx, []interfaces.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: action},
	})
	if err != nil {
		log.Printf("[Adjudicator] call failed, using neutral result: %v", err)
		return neutralResult(), models.Usage{}
	}

	var result models.AdjudicationResult
	if err := decodeJSONBlock(reply, &result); err != nil {
		log.Printf("[Adjudicator] malformed result, using neutral result: %v", err)
		return neutralResult(), usage
	}

	applyFate(&result, fateSpend, state.Fate)

	if result.PlausibilityScore < 1 {
		result.PlausibilityScore = 1
	}
	if result.PlausibilityScore > 10 {
		result.PlausibilityScore = 10
	}
	// Score and success must agree: a 3-or-below is a failure unless fate
	// already lifted it.
	if result.PlausibilityScore <= 3 {
		result.Success = false
	}

	return &result, usage
}

// applyFate spends committed fate points to lift the score and computes
// the gain earned by the unassisted outcome, so fate cannot farm itself.
func applyFate(result *models.AdjudicationResult, fateSpend, available int) {
	if fateSpend > available {
		fateSpend = available
	}
	if fateSpend < 0 {
		fateSpend = 0
	}

	raw := result.PlausibilityScore
	if fateSpend > 0 {
		result.PlausibilityScore = raw + fateSpend
		if result.PlausibilityScore > 10 {
			result.PlausibilityScore = 10
		}
		if result.PlausibilityScore > 3 {
			result.Success = true
		}
		result.FateUsed = fateSpend
	}

	base := raw
	if base < 0 {
		base = 0
	}
	gain := base - 7
	if gain < 0 {
		gain = 0
	}
	if gain > 3 {
		gain = 3
	}
	result.FateGain = gain
}

// neutralResult keeps the turn moving when adjudication is unavailable.
func neutralResult() *models.AdjudicationResult {
	return &models.AdjudicationResult{
		Success:           true,
		PlausibilityScore: 5,
		JudgmentAnalysis:  "adjudication unavailable",
		NarrativeGuide:    "Proceed with the action at face value, at standard effectiveness.",
	}
}

func persona(category models.ActionCategory) string {
	switch category {
	case models.CategoryCombat:
		return "combat arbiter"
	case models.CategoryDialogue:
		return "social arbiter"
	default:
		return "general arbiter"
	}
}

func playerSummary(state *models.PlayerState) string {
	summary := fmt.Sprintf("%s | realm %s (neigong %.1f years) | HP %d/%d MP %d/%d | fame %d | fate %d",
		state.Name, state.Realm, state.Neigong, state.HP, state.MaxHP, state.MP, state.MaxMP, state.Fame, state.Fate)
	if state.HP <= 0 {
		summary += " | CRITICAL: the player is dying; only a bad ending can follow unless rescued"
	}
	return summary
}
