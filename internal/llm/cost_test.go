package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/models"
)

func TestCostBillsCachedTokensSeparately(t *testing.T) {
	cfg := config.LLMConfig{InputRate: 2.0, OutputRate: 8.0, CachedInputRate: 0.5}

	// 1000 reported input of which 400 cached, 500 output.
	usage := models.Usage{PromptTokens: 1000, CachedTokens: 400, CompletionTokens: 500}

	want := 600*2.0/1e6 + 500*8.0/1e6 + 400*0.5/1e6
	assert.InDelta(t, want, Cost(usage, cfg), 1e-12)
}

func TestCostClampsNegativeFreshInput(t *testing.T) {
	cfg := config.LLMConfig{InputRate: 2.0, OutputRate: 8.0, CachedInputRate: 0.5}
	usage := models.Usage{PromptTokens: 100, CachedTokens: 150}

	want := 150 * 0.5 / 1e6
	assert.InDelta(t, want, Cost(usage, cfg), 1e-12)
}
