package engine

import (
	"log"
	"sync"

	"go.uber.org/atomic"

	"Jianghu-Annals/server/internal/models"
)

// EndingPhase is the lifecycle position of a story conclusion.
type EndingPhase int

const (
	PhaseNone EndingPhase = iota
	PhaseArmed
	PhaseDisplayed
	PhaseResolved
)

// Resolution is the player's answer to a displayed ending.
type Resolution string

const (
	ResolveRewind   Resolution = "rewind"
	ResolveContinue Resolution = "continue"
	ResolveEpilogue Resolution = "epilogue"
	ResolveTitle    Resolution = "title"
)

// EndingLifecycle arbitrates the None -> Armed -> Displayed -> Resolved
// progression. At most one ending is armed; epilogue mode suppresses all
// new arming so a "bad ending" phrase inside the closing narration cannot
// re-trigger itself.
type EndingLifecycle struct {
	mu       sync.Mutex
	phase    EndingPhase
	kind     models.EndingType
	epilogue atomic.Bool
}

// NewEndingLifecycle starts at None.
func NewEndingLifecycle() *EndingLifecycle {
	return &EndingLifecycle{}
}

// Arm attempts None -> Armed. Returns false when an ending is already in
// flight or epilogue mode is active.
func (e *EndingLifecycle) Arm(kind models.EndingType) bool {
	if kind == models.EndingNone {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseNone || e.epilogue.Load() {
		return false
	}
	e.phase = PhaseArmed
	e.kind = kind
	log.Printf("[Ending] armed: %s", kind)
	return true
}

// Armed reports whether an ending is pending display.
func (e *EndingLifecycle) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == PhaseArmed
}

// Kind returns the armed or displayed ending type.
func (e *EndingLifecycle) Kind() models.EndingType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// Phase returns the current lifecycle phase.
func (e *EndingLifecycle) Phase() EndingPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// OnQueueDrained performs Armed -> Displayed once the segment queue is
// empty and no generation is in flight. Returns true when the ending
// should now be shown.
func (e *EndingLifecycle) OnQueueDrained(generating bool) bool {
	if generating {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseArmed {
		return false
	}
	e.phase = PhaseDisplayed
	log.Printf("[Ending] displayed: %s", e.kind)
	return true
}

// Resolve consumes a displayed ending according to the player's choice.
func (e *EndingLifecycle) Resolve(choice Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseDisplayed {
		return
	}
	switch choice {
	case ResolveRewind, ResolveContinue:
		e.phase = PhaseNone
		e.kind = models.EndingNone
	case ResolveEpilogue:
		// The closing narration now streams with arming suppressed; the
		// terminal screen follows once its queue drains.
		e.epilogue.Store(true)
	case ResolveTitle:
		e.epilogue.Store(false)
		e.phase = PhaseResolved
	}
	log.Printf("[Ending] resolved with %s", choice)
}

// EpilogueMode reports whether the epilogue is running.
func (e *EndingLifecycle) EpilogueMode() bool {
	return e.epilogue.Load()
}

// FinishEpilogue performs the transition to the terminal screen after the
// epilogue narration's queue drains.
func (e *EndingLifecycle) FinishEpilogue() bool {
	if !e.epilogue.Load() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = PhaseResolved
	return true
}
