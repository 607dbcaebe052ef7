package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeInjuryClusters(t *testing.T) {
	cases := map[string]string{
		"기혈 역류":            "주화입마 (Qi Deviation)",
		"내력 폭주 (운기 중 발생)": "주화입마 (Qi Deviation)",
		"단전 손상":            "심각한 내상 (Severe Internal Injury)",
		"내상":               "내상 (Internal Injury)",
		"각혈":               "내상 (Internal Injury)",
		"근육 파열":            "신체 붕괴 (Body Collapse)",
		"내력 고갈":            "탈진 (Exhaustion)",
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeInjury(raw), "raw=%q", raw)
	}
}

func TestNormalizeInjuryStripsParenthetical(t *testing.T) {
	assert.Equal(t, "어깨 자상", NormalizeInjury("어깨 자상 (깊은 칼자국)"))
}

func TestInjuryBlacklist(t *testing.T) {
	assert.True(t, IsBlacklistedInjury("심리적 충격"))
	assert.True(t, IsBlacklistedInjury("극심한 공포"))
	assert.True(t, IsBlacklistedInjury("Mental fatigue"))
	assert.False(t, IsBlacklistedInjury("내상 (Internal Injury)"))
}

func TestMatchInjuryExact(t *testing.T) {
	active := []string{"탈진 (Exhaustion)", "내상 (Internal Injury)"}
	assert.Equal(t, 1, matchInjury(active, "내상 (Internal Injury)"))
}

func TestMatchInjurySubstring(t *testing.T) {
	active := []string{"왼팔 골절 (Broken Arm)"}
	assert.Equal(t, 0, matchInjury(active, "왼팔 골절"))
	assert.Equal(t, 0, matchInjury(active, "골절"))
}

func TestMatchInjurySimilarity(t *testing.T) {
	active := []string{"깊은 어깨 자상"}
	// Shares most bigrams with the active entry.
	assert.Equal(t, 0, matchInjury(active, "어깨 자상"))
	// Unrelated wound must not match.
	assert.Equal(t, -1, matchInjury(active, "화상"))
}

func TestDiceCoefficient(t *testing.T) {
	assert.InDelta(t, 1.0, diceCoefficient("내상", "내상"), 1e-9)
	assert.InDelta(t, 0.0, diceCoefficient("내상", "화상"), 1e-9)
	assert.Greater(t, diceCoefficient("심각한 내상", "내상"), 0.0)
	// Single-rune inputs fall back to equality.
	assert.InDelta(t, 0.0, diceCoefficient("내", "상"), 1e-9)
	assert.InDelta(t, 1.0, diceCoefficient("내", "내"), 1e-9)
}
