package engine

// InlineAccumulator is the per-turn ledger of deltas already applied live
// while the narration streamed. The merge engine subtracts it from the
// end-of-turn proposals so nothing is counted twice, then resets it.
//
// finalApplied = proposedTotal - alreadyAppliedInline
type InlineAccumulator struct {
	Stats         map[string]float64
	Relationships map[string]int
	Traits        map[string]int
}

// NewInlineAccumulator returns an empty ledger.
func NewInlineAccumulator() *InlineAccumulator {
	a := &InlineAccumulator{}
	a.Reset()
	return a
}

// Reset clears the ledger at the start of a turn and after consumption.
func (a *InlineAccumulator) Reset() {
	a.Stats = make(map[string]float64)
	a.Relationships = make(map[string]int)
	a.Traits = make(map[string]int)
}

// AddStat records a live-applied stat delta.
func (a *InlineAccumulator) AddStat(key string, delta float64) {
	a.Stats[key] += delta
}

// AddRelationship records a live-applied relationship delta.
func (a *InlineAccumulator) AddRelationship(character string, delta int) {
	a.Relationships[character] += delta
}

// AddTrait records a live-applied personality delta.
func (a *InlineAccumulator) AddTrait(trait string, delta int) {
	a.Traits[trait] += delta
}
