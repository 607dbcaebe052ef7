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

// Balancer audits martial growth after each narration: skills learned,
// realm progress, and the physical price of overreaching. Like the
// analyst it degrades to an empty delta on failure.
type Balancer struct {
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
}

// NewBalancer creates a domain balancer.
func NewBalancer(client interfaces.ChatClient, templates *prompts.TemplateEngine) *Balancer {
	return &Balancer{client: client, templates: templates}
}

// Balance extracts the martial-growth delta from one finished narration.
func (b *Balancer) Balance(ctx context.Context, story string, state *models.PlayerState) (*models.DomainBalanceDelta, models.Usage) {
	if strings.TrimSpace(story) == "" {
		return &models.DomainBalanceDelta{}, models.Usage{}
	}

	prompt, err := b.templates.Render(prompts.TemplateBalance, map[string]string{
		"story":               story,
		"cultivation_summary": cultivationSummary(state),
	})
	if err != nil {
		log.Printf("[Balancer] template error: %v", err)
		return &models.DomainBalanceDelta{}, models.Usage{}
	}

	reply, usage, err := b.client.Chat(ctx, []interfaces.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: story},
	})
	if err != nil {
		log.Printf("[Balancer] call failed, using empty delta: %v", err)
		return &models.DomainBalanceDelta{}, models.Usage{}
	}

	var delta models.DomainBalanceDelta
	if err := decodeJSONBlock(reply, &delta); err != nil {
		log.Printf("[Balancer] malformed delta, using empty delta: %v", err)
		return &models.DomainBalanceDelta{}, usage
	}
	sanitizeBalance(&delta)
	return &delta, usage
}

func sanitizeBalance(delta *models.DomainBalanceDelta) {
	if delta.RealmUpdate != "" {
		delta.RealmUpdate = models.NormalizeRealm(delta.RealmUpdate)
	}
	for i := range delta.NewSkills {
		clampProficiency(&delta.NewSkills[i].Proficiency)
	}
	for i := range delta.UpdatedSkills {
		clampProficiency(&delta.UpdatedSkills[i].Proficiency)
	}
	// The balancer only debits or repairs hp/mp/neigong; anything else is
	// the analyst's territory.
	for key := range delta.StatUpdates {
		switch key {
		case "hp", "mp", "neigong":
		default:
			delete(delta.StatUpdates, key)
		}
	}
}

func clampProficiency(p *int) {
	if *p < 0 {
		*p = 0
	}
	if *p > 100 {
		*p = 100
	}
}

func cultivationSummary(state *models.PlayerState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Realm %s, neigong %.1f years, level %d, exp %d, stagnation %d\n",
		state.Realm, state.Neigong, state.Level, state.Exp, state.Stagnation)
	if len(state.Skills) > 0 {
		b.WriteString("Skills:\n")
		for _, s := range state.Skills {
			flawed := ""
			if s.Flawed {
				flawed = " [flawed]"
			}
			fmt.Fprintf(&b, "- %s (%s) proficiency %d%s\n", s.Name, s.Rank, s.Proficiency, flawed)
		}
	}
	return b.String()
}
