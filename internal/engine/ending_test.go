package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"Jianghu-Annals/server/internal/models"
)

func TestEndingArmOnce(t *testing.T) {
	e := NewEndingLifecycle()

	assert.False(t, e.Arm(models.EndingNone))
	assert.True(t, e.Arm(models.EndingBad))
	assert.True(t, e.Armed())
	assert.Equal(t, models.EndingBad, e.Kind())

	// A second trigger while one is pending is swallowed.
	assert.False(t, e.Arm(models.EndingGood))
	assert.Equal(t, models.EndingBad, e.Kind())
}

func TestEndingDisplayWaitsForGeneration(t *testing.T) {
	e := NewEndingLifecycle()
	e.Arm(models.EndingBad)

	assert.False(t, e.OnQueueDrained(true), "must not display while narration is in flight")
	assert.Equal(t, PhaseArmed, e.Phase())

	assert.True(t, e.OnQueueDrained(false))
	assert.Equal(t, PhaseDisplayed, e.Phase())

	// Already displayed; draining again is a no-op.
	assert.False(t, e.OnQueueDrained(false))
}

func TestEndingResolveRewindClears(t *testing.T) {
	e := NewEndingLifecycle()
	e.Arm(models.EndingBad)
	e.OnQueueDrained(false)

	e.Resolve(ResolveRewind)
	assert.Equal(t, PhaseNone, e.Phase())
	assert.Equal(t, models.EndingNone, e.Kind())

	// The lifecycle can arm again after a rewind.
	assert.True(t, e.Arm(models.EndingGood))
}

func TestEndingResolveIgnoredBeforeDisplay(t *testing.T) {
	e := NewEndingLifecycle()
	e.Arm(models.EndingBad)

	e.Resolve(ResolveContinue)
	assert.Equal(t, PhaseArmed, e.Phase(), "resolution only applies to a displayed ending")
}

func TestEpilogueSuppressesArming(t *testing.T) {
	e := NewEndingLifecycle()
	e.Arm(models.EndingGood)
	e.OnQueueDrained(false)
	e.Resolve(ResolveEpilogue)

	assert.True(t, e.EpilogueMode())
	// The closing narration may mention death; it must not re-arm.
	assert.False(t, e.Arm(models.EndingBad))

	assert.True(t, e.FinishEpilogue())
	assert.Equal(t, PhaseResolved, e.Phase())
}

func TestResolveTitleTerminates(t *testing.T) {
	e := NewEndingLifecycle()
	e.Arm(models.EndingTrue)
	e.OnQueueDrained(false)
	e.Resolve(ResolveTitle)

	assert.Equal(t, PhaseResolved, e.Phase())
	assert.False(t, e.EpilogueMode())
}
