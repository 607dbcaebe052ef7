package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/script"
)

type fakePresenter struct {
	backgrounds []string
	bgms        []string
	cgs         []string
	times       []string
	shown       []script.Segment
	choiceSets  [][]script.Segment
	clears      int
}

func (p *fakePresenter) SetBackground(name string)            { p.backgrounds = append(p.backgrounds, name) }
func (p *fakePresenter) SetBgm(track string)                  { p.bgms = append(p.bgms, track) }
func (p *fakePresenter) ShowEventCG(key string)               { p.cgs = append(p.cgs, key) }
func (p *fakePresenter) SetTime(value string)                 { p.times = append(p.times, value) }
func (p *fakePresenter) ShowSegment(seg script.Segment)       { p.shown = append(p.shown, seg) }
func (p *fakePresenter) SetChoices(choices []script.Segment)  { p.choiceSets = append(p.choiceSets, choices) }
func (p *fakePresenter) ClearText()                           { p.clears++ }

func newSyncFixture(t *testing.T) (*Synchronizer, *fakePresenter, *StateStore, *InlineAccumulator, *EndingLifecycle) {
	t.Helper()
	store := NewStateStore(models.NewPlayerState("무명"))
	acc := NewInlineAccumulator()
	ending := NewEndingLifecycle()
	presenter := &fakePresenter{}
	return NewSynchronizer(store, acc, presenter, ending), presenter, store, acc, ending
}

func TestStreamingWithholdsLastSegment(t *testing.T) {
	s, p, _, _, _ := newSyncFixture(t)
	s.Begin()

	// The background is the last parsed segment: it may still be a
	// half-typed filename, so nothing executes yet.
	s.Feed("<배경>Home")
	assert.Empty(t, p.backgrounds)

	// A following tag proves the background stable.
	s.Feed("<Bgm>calm")
	assert.Equal(t, []string{"Home"}, p.backgrounds)
	assert.Empty(t, p.bgms, "the bgm is last now and withheld in turn")

	s.Feed("<나레이션>Hi")
	assert.Equal(t, []string{"calm"}, p.bgms)
	require.NotNil(t, s.Displayed())
	assert.Equal(t, "Hi", s.Displayed().Content)
}

func TestStreamingBackgroundHoist(t *testing.T) {
	s, p, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>어둠 속.<배경>Mountain<Bgm>wind<나레이션>바람이 분다.")

	// The background applied before the first line was displayed even
	// though it arrived after it in the stream.
	assert.Equal(t, []string{"Mountain"}, p.backgrounds)
	require.NotNil(t, s.Displayed())
	assert.Equal(t, "어둠 속.", s.Displayed().Content)
}

func TestStreamingHoistedBackgroundNotReExecuted(t *testing.T) {
	s, p, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<배경>Inn<Bgm>tea<나레이션>객잔 안.")
	s.Reconcile("<배경>Inn<Bgm>tea<나레이션>객잔 안.")

	assert.Equal(t, []string{"Inn"}, p.backgrounds, "hoisting consumes the segment")
}

func TestStreamingChoices(t *testing.T) {
	s, p, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>갈림길.<선택지1>왼쪽<선택지2>오른쪽")
	assert.Equal(t, "갈림길.", s.Displayed().Content)
	assert.Empty(t, p.choiceSets, "choices wait for the player to pass the line")

	s.AdvanceStreaming()
	require.Len(t, p.choiceSets, 1)
	require.Len(t, p.choiceSets[0], 2)
	assert.Equal(t, 1, p.choiceSets[0][0].ChoiceID)
	assert.Equal(t, "오른쪽", p.choiceSets[0][1].Content)
	assert.Equal(t, 1, p.clears)
}

func TestStreamingCommandAppliesOnce(t *testing.T) {
	s, _, store, acc, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>일격이 꽂혔다.<update_stat hp='-10'><나레이션>숨이 막힌다.")
	assert.Equal(t, 100, store.Snapshot().HP, "command beyond the displayed line waits")

	s.AdvanceStreaming()
	assert.Equal(t, 90, store.Snapshot().HP)
	assert.InDelta(t, -10, acc.Stats["hp"], 1e-9)
	assert.Equal(t, "숨이 막힌다.", s.Displayed().Content)
}

func TestStreamingRelationshipCommand(t *testing.T) {
	s, _, store, acc, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>연화가 웃었다.<update_relationship char='연화' val='3'><나레이션>밤이 깊었다.")
	s.AdvanceStreaming()

	assert.Equal(t, 3, store.Snapshot().Relationships["연화"])
	assert.Equal(t, 3, acc.Relationships["연화"])
}

func TestStreamingInjuryCommandBlacklist(t *testing.T) {
	s, _, store, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>한기가 스몄다.<add_injury>심리적 충격<나레이션>다음.")
	s.AdvanceStreaming()
	assert.Empty(t, store.Snapshot().ActiveInjuries)

	s.Begin()
	s.Feed("<나레이션>피를 토했다.<add_injury>내상<나레이션>다음.")
	s.AdvanceStreaming()
	assert.Equal(t, []string{"내상 (Internal Injury)"}, store.Snapshot().ActiveInjuries)
}

func TestReconcileUpgradesTruncatedDisplay(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>검이 번쩍")
	assert.Equal(t, "검이 번쩍", s.Displayed().Content)

	s.Reconcile("<나레이션>검이 번쩍이며 허공을 갈랐다.")
	assert.Equal(t, "검이 번쩍이며 허공을 갈랐다.", s.Displayed().Content)
	assert.Equal(t, SyncIdle, s.Phase())
	assert.Equal(t, 0, s.QueueLen())
}

func TestReconcileRepetitionGuard(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>달이 떠올랐다.<나레이션>바람")

	// The canonical text repeats the displayed line; the player must not
	// read it twice.
	s.Reconcile("<나레이션>달이 떠올랐다.\n달이 떠올랐다.\n바람이 분다.")
	assert.Equal(t, 1, s.QueueLen())

	s.Advance()
	assert.Equal(t, "바람이 분다.", s.Displayed().Content)
}

func TestReconcileFlushesWithheldCommand(t *testing.T) {
	s, p, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>밤이 왔다.<set_time>밤")
	assert.Empty(t, p.times, "trailing command withheld while streaming")

	s.Reconcile("<나레이션>밤이 왔다.<set_time>밤")
	assert.Equal(t, []string{"밤"}, p.times)
	assert.Equal(t, 0, s.QueueLen())
}

func TestReconcileColdStart(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	// Nothing displayed during streaming; the first canonical line shows
	// immediately so the screen is never blank.
	s.Reconcile("<나레이션>첫 장면.\n둘째 장면.")
	require.NotNil(t, s.Displayed())
	assert.Equal(t, "첫 장면.", s.Displayed().Content)
	assert.Equal(t, 1, s.QueueLen())
}

func TestReconcileNeverRewindsPastPlayer(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>하나.\n둘.\n셋.\n넷.")
	s.AdvanceStreaming()
	s.AdvanceStreaming()
	assert.Equal(t, "셋.", s.Displayed().Content)

	s.Reconcile("<나레이션>하나.\n둘.\n셋.\n넷.")
	assert.Equal(t, 1, s.QueueLen())

	s.Advance()
	assert.Equal(t, "넷.", s.Displayed().Content)
}

func TestReconcileStripsChoicesWhenEndingArmed(t *testing.T) {
	s, p, _, _, ending := newSyncFixture(t)
	ending.Arm(models.EndingBad)
	s.Begin()

	s.Reconcile("<나레이션>시야가 흐려진다.<선택지1>버틴다<선택지2>포기한다")
	assert.Empty(t, s.Choices())
	require.NotEmpty(t, p.choiceSets)
	assert.Nil(t, p.choiceSets[len(p.choiceSets)-1])

	for range [4]int{} {
		if s.Advance() {
			break
		}
	}
	assert.Equal(t, PhaseDisplayed, ending.Phase(), "ending shows only after the text is read out")
}

func TestAdvanceExhaustDisplaysEnding(t *testing.T) {
	s, _, _, _, ending := newSyncFixture(t)
	ending.Arm(models.EndingBad)
	s.Begin()

	s.Reconcile("<나레이션>마지막 숨이 새어 나왔다.\n세상이 어두워졌다.")
	assert.Equal(t, PhaseArmed, ending.Phase(), "queued text defers the ending")

	assert.False(t, s.Advance())
	assert.True(t, s.Advance())
	assert.Equal(t, PhaseDisplayed, ending.Phase())
}

func TestAdvanceHoldsEndingWhileGenerating(t *testing.T) {
	s, _, _, _, ending := newSyncFixture(t)
	var generating atomic.Bool
	s.BindGenerating(&generating)
	generating.Store(true)

	ending.Arm(models.EndingBad)
	s.Begin()
	s.Reconcile("<나레이션>마지막 장면.")

	// Narration is still in flight somewhere else; an exhausted queue
	// must not surface the ending yet.
	assert.False(t, s.Advance())
	assert.Equal(t, PhaseArmed, ending.Phase())

	generating.Store(false)
	assert.True(t, s.Advance())
	assert.Equal(t, PhaseDisplayed, ending.Phase())
}

func TestAdvanceDuringStreamingDelegates(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<나레이션>하나.\n둘.")
	assert.False(t, s.Advance(), "advance while streaming walks the live parse")
	assert.Equal(t, "둘.", s.Displayed().Content)
}

func TestThinkBlockHiddenFromStream(t *testing.T) {
	s, _, _, _, _ := newSyncFixture(t)
	s.Begin()

	s.Feed("<Think>주인공을 시험해 보자<update_stat hp='-99'></Think><나레이션>객잔은 조용했다.<나레이션>끝.")
	assert.Equal(t, "객잔은 조용했다.", s.Displayed().Content)
}
