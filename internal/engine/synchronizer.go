package engine

import (
	"log"
	"strconv"
	"strings"

	"go.uber.org/atomic"

	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/script"
)

// Presenter receives the synchronizer's presentation effects: scene
// changes, displayed segments and choice sets. The web layer broadcasts
// them; tests record them.
type Presenter interface {
	SetBackground(name string)
	SetBgm(track string)
	ShowEventCG(key string)
	SetTime(value string)
	ShowSegment(seg script.Segment)
	SetChoices(choices []script.Segment)
	ClearText()
}

// SyncPhase is the synchronizer's state-machine position.
type SyncPhase int

const (
	SyncIdle SyncPhase = iota
	SyncStreaming
	SyncReconciling
)

// backgroundHoistWindow bounds the lookahead that eagerly applies the
// first Background segment at the start of a turn.
const backgroundHoistWindow = 3

// Synchronizer consumes the narration token stream and converts it live
// into executed and displayed segments, then reconciles its position
// against the canonical final text. It owns the cursor and the
// currently-displayed segment as plain synchronous state.
type Synchronizer struct {
	store     *StateStore
	acc       *InlineAccumulator
	presenter Presenter
	ending    *EndingLifecycle

	// Tracks whether narration is still being produced; a drained queue
	// must not surface an armed ending mid-generation.
	generating *atomic.Bool

	phase        SyncPhase
	raw          strings.Builder
	cursor       int // walk position in the streaming parse
	displayed    *script.Segment
	displayedIdx int // index of displayed segment in the streaming parse
	playerPos    int // furthest index the player reached by clicking ahead
	hoistedIdx   int
	choices      []script.Segment

	queue    []script.Segment // canonical segments after reconciliation
	queuePos int
}

// NewSynchronizer wires the synchronizer over the shared state.
func NewSynchronizer(store *StateStore, acc *InlineAccumulator, presenter Presenter, ending *EndingLifecycle) *Synchronizer {
	return &Synchronizer{store: store, acc: acc, presenter: presenter, ending: ending}
}

// BindGenerating ties ending display to the narration in-flight flag.
func (s *Synchronizer) BindGenerating(flag *atomic.Bool) { s.generating = flag }

func (s *Synchronizer) isGenerating() bool {
	return s.generating != nil && s.generating.Load()
}

// Phase returns the current state-machine phase.
func (s *Synchronizer) Phase() SyncPhase { return s.phase }

// Choices returns the active choice set, if any.
func (s *Synchronizer) Choices() []script.Segment { return s.choices }

// Displayed returns the currently shown content segment, or nil.
func (s *Synchronizer) Displayed() *script.Segment { return s.displayed }

// QueueLen reports how many canonical segments remain unconsumed.
func (s *Synchronizer) QueueLen() int { return len(s.queue) - s.queuePos }

// Begin resets per-turn state and enters Streaming.
func (s *Synchronizer) Begin() {
	s.phase = SyncStreaming
	s.raw.Reset()
	s.cursor = 0
	s.displayed = nil
	s.displayedIdx = -1
	s.playerPos = -1
	s.hoistedIdx = -1
	s.choices = nil
	s.queue = nil
	s.queuePos = 0
	s.acc.Reset()
}

// Feed appends one token and advances the walk.
func (s *Synchronizer) Feed(token string) {
	if s.phase != SyncStreaming {
		return
	}
	s.raw.WriteString(token)
	s.step()
}

// Raw returns the accumulated raw stream text.
func (s *Synchronizer) Raw() string { return s.raw.String() }

// step re-derives the visible parse and walks forward from the cursor.
func (s *Synchronizer) step() {
	segments := script.Parse(script.VisibleBuffer(s.raw.String()))
	s.hoistBackground(segments)

	for i := s.cursor; i < len(segments); i++ {
		seg := segments[i]
		last := i == len(segments)-1

		switch seg.Class() {
		case script.ClassIdempotent, script.ClassCommand:
			// The last parsed segment may still be growing (a half-typed
			// filename, a partial payload); withhold until more tokens
			// prove it stable or the stream ends.
			if last {
				return
			}
			if i != s.hoistedIdx {
				s.execute(seg)
			}
			s.cursor = i + 1

		case script.ClassContent:
			if seg.Type == script.SegmentChoice {
				s.choices = collectChoices(segments[i:])
				s.presenter.SetChoices(s.choices)
				s.presenter.ClearText()
			} else {
				s.display(seg, i)
			}
			return
		}
	}
}

// hoistBackground eagerly applies the first Background within the opening
// window so the scene is correct even when stray text precedes it.
func (s *Synchronizer) hoistBackground(segments []script.Segment) {
	if s.cursor != 0 || s.hoistedIdx != -1 {
		return
	}
	limit := backgroundHoistWindow
	if limit > len(segments)-1 {
		limit = len(segments) - 1 // never the last: it may still grow
	}
	for i := 0; i < limit; i++ {
		if segments[i].Type == script.SegmentBackground {
			s.execute(segments[i])
			s.hoistedIdx = i
			return
		}
	}
}

func (s *Synchronizer) display(seg script.Segment, idx int) {
	s.presenter.ShowSegment(seg)
	copySeg := seg
	s.displayed = &copySeg
	s.displayedIdx = idx
}

// AdvanceStreaming moves the player past the displayed segment while the
// stream is still arriving. It walks the current parse under the same
// stability rules as step.
func (s *Synchronizer) AdvanceStreaming() {
	if s.phase != SyncStreaming || s.displayedIdx == -1 {
		return
	}
	if s.cursor <= s.displayedIdx {
		s.cursor = s.displayedIdx + 1
	}
	if s.cursor > s.playerPos {
		s.playerPos = s.cursor
	}
	s.step()
}

// Reconcile aligns the player's position inside the canonical final text
// and installs the remaining segments as the persistent queue.
func (s *Synchronizer) Reconcile(canonical string) {
	s.phase = SyncReconciling

	segments := script.Parse(script.VisibleBuffer(canonical))

	// An armed ending strips choices: the player reads the conclusion
	// without a dangling decision.
	if s.ending.Armed() {
		kept := segments[:0]
		for _, seg := range segments {
			if seg.Type != script.SegmentChoice {
				kept = append(kept, seg)
			}
		}
		segments = kept
		s.choices = nil
		s.presenter.SetChoices(nil)
	}

	resume := s.findResume(segments)

	// Repetition guard: skip a canonical duplicate of what is already on
	// screen.
	if s.displayed != nil {
		for j := resume; j < resume+3 && j < len(segments); j++ {
			if segments[j].SameContent(*s.displayed) {
				resume = j + 1
				break
			}
		}
	}

	// Flush segments withheld during streaming because they were last;
	// they are stable now.
	for resume < len(segments) && segments[resume].Class() != script.ClassContent {
		s.execute(segments[resume])
		resume++
	}

	// Cold start: never leave a blank screen when content is ready.
	if s.displayed == nil && resume < len(segments) {
		if next := segments[resume]; next.Type != script.SegmentChoice {
			s.display(next, resume)
			resume++
		}
	}

	s.queue = segments
	s.queuePos = resume
	s.phase = SyncIdle

	if s.QueueLen() == 0 {
		s.ending.OnQueueDrained(s.isGenerating())
	}
}

// findResume locates where the player's current view sits inside the
// canonical segment list. Exact or prefix content matches near the old
// position win, nearest displacement first; without a match the raw
// cursor is used so content shows once more rather than being dropped.
func (s *Synchronizer) findResume(segments []script.Segment) int {
	if s.displayed == nil {
		return clampInt(s.cursor, 0, len(segments))
	}

	base := s.displayedIdx
	const window = 4
	matched := -1
	for d := 0; d <= window && matched == -1; d++ {
		for _, idx := range []int{base + d, base - d} {
			if idx < 0 || idx >= len(segments) {
				continue
			}
			if !contentMatches(*s.displayed, segments[idx]) {
				continue
			}
			matched = idx
			// The displayed text may be a truncated-by-streaming prefix;
			// upgrade it so no suffix is lost.
			if len(segments[idx].Content) > len(s.displayed.Content) {
				s.display(segments[idx], idx)
			}
			break
		}
	}

	var resume int
	if matched >= 0 {
		resume = matched + 1
	} else {
		log.Printf("[Sync] no canonical match for displayed segment, resuming at raw cursor %d", s.displayedIdx)
		resume = clampInt(s.displayedIdx, 0, len(segments))
	}

	// The player may have clicked ahead of the streaming loop; trust
	// their position, clamped so fast clicking cannot skip unseen
	// canonical content.
	if s.playerPos > resume {
		resume = clampInt(s.playerPos, resume, len(segments))
	}
	return resume
}

func contentMatches(displayed, canonical script.Segment) bool {
	if displayed.Type != canonical.Type {
		return false
	}
	a := strings.Join(strings.Fields(displayed.Content), " ")
	b := strings.Join(strings.Fields(canonical.Content), " ")
	if a == b {
		return true
	}
	return a != "" && (strings.HasPrefix(b, a) || strings.HasPrefix(a, b))
}

// Advance is the user-driven step through the reconciled queue. It
// executes now-stable command/idempotent segments, displays the next
// content segment, and reports whether the queue is exhausted.
func (s *Synchronizer) Advance() (exhausted bool) {
	if s.phase != SyncIdle {
		s.AdvanceStreaming()
		return false
	}

	for s.queuePos < len(s.queue) {
		seg := s.queue[s.queuePos]
		s.queuePos++

		switch seg.Class() {
		case script.ClassIdempotent, script.ClassCommand:
			s.execute(seg)

		case script.ClassContent:
			if seg.Type == script.SegmentChoice {
				choices := collectChoices(s.queue[s.queuePos-1:])
				s.queuePos += len(choices) - 1
				s.choices = choices
				s.presenter.SetChoices(choices)
				s.presenter.ClearText()
			} else {
				s.display(seg, s.queuePos-1)
			}
			return false
		}
	}

	if s.ending.OnQueueDrained(s.isGenerating()) {
		return true
	}
	if s.ending.EpilogueMode() {
		s.ending.FinishEpilogue()
	}
	return true
}

func collectChoices(segments []script.Segment) []script.Segment {
	var choices []script.Segment
	for _, seg := range segments {
		if seg.Type != script.SegmentChoice {
			break
		}
		choices = append(choices, seg)
	}
	return choices
}

// execute runs one idempotent or command segment.
func (s *Synchronizer) execute(seg script.Segment) {
	switch seg.Type {
	case script.SegmentBackground:
		s.presenter.SetBackground(seg.Content)
	case script.SegmentBgm:
		s.presenter.SetBgm(seg.Content)
	case script.SegmentEventCG:
		s.presenter.ShowEventCG(seg.Content)
	case script.SegmentCommand:
		s.applyCommand(seg)
	}
}

// applyCommand mutates live state exactly once and records the delta in
// the inline accumulator so merge time does not apply it again.
func (s *Synchronizer) applyCommand(seg script.Segment) {
	switch seg.Command {
	case script.CommandSetTime, script.CommandUpdateTime:
		s.presenter.SetTime(seg.Payload["value"])

	case script.CommandUpdateStat:
		for key, raw := range seg.Payload {
			if key == "value" {
				continue
			}
			delta, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				log.Printf("[Sync] bad stat payload %s=%q", key, raw)
				continue
			}
			s.applyStatLive(key, delta)
		}

	case script.CommandUpdateRelationship:
		char := seg.Payload["char"]
		if char == "" {
			return
		}
		delta, err := strconv.Atoi(seg.Payload["val"])
		if err != nil {
			log.Printf("[Sync] bad relationship payload %q", seg.Payload["val"])
			return
		}
		s.store.Mutate(func(st *models.PlayerState) {
			st.Relationships[char] += delta
		})
		s.acc.AddRelationship(char, delta)

	case script.CommandAddInjury:
		raw := seg.Payload["value"]
		if IsBlacklistedInjury(raw) {
			return
		}
		name := NormalizeInjury(raw)
		if name == "" || IsBlacklistedInjury(name) {
			return
		}
		s.store.Mutate(func(st *models.PlayerState) {
			if !st.HasInjury(name) {
				st.ActiveInjuries = append(st.ActiveInjuries, name)
			}
		})
	}
}

func (s *Synchronizer) applyStatLive(key string, delta float64) {
	s.store.Mutate(func(st *models.PlayerState) {
		switch key {
		case "hp":
			st.HP = clampInt(st.HP+round(delta), 0, st.MaxHP)
		case "mp":
			st.MP = clampInt(st.MP+round(delta), 0, st.MaxMP)
		case "gold":
			st.Gold = maxInt(st.Gold+round(delta), 0)
		case "fame":
			st.Fame = maxInt(st.Fame+round(delta), 0)
		default:
			if isTrait(key) {
				st.Personality[key] = clampInt(st.Personality[key]+round(delta), -100, 100)
			}
		}
	})
	if isTrait(key) {
		s.acc.AddTrait(key, round(delta))
	} else {
		s.acc.AddStat(key, delta)
	}
}
