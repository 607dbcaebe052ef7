package llm

import (
	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/models"
)

// Cost prices one normalized usage sample. Cached input tokens are billed
// at the cached rate; fresh input is reported input minus cached input.
// Rates are per million tokens.
func Cost(usage models.Usage, cfg config.LLMConfig) float64 {
	fresh := usage.PromptTokens - usage.CachedTokens
	if fresh < 0 {
		fresh = 0
	}
	const million = 1_000_000
	return float64(fresh)*cfg.InputRate/million +
		float64(usage.CompletionTokens)*cfg.OutputRate/million +
		float64(usage.CachedTokens)*cfg.CachedInputRate/million
}
