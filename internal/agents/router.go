package agents

import (
	"context"
	"log"
	"strings"

	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
)

// Router classifies raw player text into an action category. It always
// returns a decision: if the model call fails, a keyword heuristic takes
// over so the turn never stalls at its first stage.
type Router struct {
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
}

// NewRouter creates an intent router.
func NewRouter(client interfaces.ChatClient, templates *prompts.TemplateEngine) *Router {
	return &Router{client: client, templates: templates}
}

// Classify routes one action. The returned usage is zero when the
// heuristic fallback was used.
func (r *Router) Classify(ctx context.Context, history []string, action string) (models.RouterDecision, models.Usage) {
	prompt, err := r.templates.Render(prompts.TemplateRouter, map[string]string{
		"history": prompts.JoinHistory(history, 6),
		"action":  action,
	})
	if err != nil {
		log.Printf("[Router] template error: %v", err)
		return heuristicFallback(action), models.Usage{}
	}

	reply, usage, err := r.client.Chat(ctx, []interfaces.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: action},
	})
	if err != nil {
		log.Printf("[Router] classification failed, using heuristic: %v", err)
		return heuristicFallback(action), models.Usage{}
	}

	var decision models.RouterDecision
	if err := decodeJSONBlock(reply, &decision); err != nil {
		log.Printf("[Router] malformed decision, using heuristic: %v", err)
		return heuristicFallback(action), usage
	}
	if !validCategory(decision.Category) {
		decision.Category = models.CategoryAction
	}
	if decision.Intent == "" {
		decision.Intent = action
	}
	return decision, usage
}

func validCategory(c models.ActionCategory) bool {
	switch c {
	case models.CategoryCombat, models.CategoryDialogue, models.CategoryAction, models.CategorySystem:
		return true
	}
	return false
}

var (
	systemWords = []string{"save", "load", "status", "저장", "불러오기", "상태"}
	combatWords = []string{"attack", "kill", "hit", "strike", "공격", "죽여", "베어", "찌른다", "친다"}
)

// heuristicFallback is the offline classification path.
func heuristicFallback(action string) models.RouterDecision {
	lower := strings.ToLower(action)

	category := models.CategoryAction
	switch {
	case containsAny(lower, systemWords):
		category = models.CategorySystem
	case containsAny(lower, combatWords):
		category = models.CategoryCombat
	case strings.ContainsAny(action, "\"“”"):
		category = models.CategoryDialogue
	}

	return models.RouterDecision{
		Category: category,
		Intent:   action,
		Keywords: keywordSplit(action),
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// keywordSplit keeps the longest few tokens as retrieval keywords.
func keywordSplit(action string) []string {
	fields := strings.Fields(action)
	keywords := make([]string, 0, 5)
	for _, f := range fields {
		f = strings.Trim(f, `"“”.,!?`)
		if len([]rune(f)) < 2 {
			continue
		}
		keywords = append(keywords, f)
		if len(keywords) == 5 {
			break
		}
	}
	return keywords
}
