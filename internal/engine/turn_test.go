package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
)

// scriptedClient answers each pipeline stage by matching a marker phrase
// in its system prompt, and streams a fixed narration.
type scriptedClient struct {
	replies map[string]string
	stream  []string
	chatErr error
	usage   models.Usage
}

func (c *scriptedClient) Chat(_ context.Context, messages []interfaces.ChatMessage) (string, models.Usage, error) {
	if c.chatErr != nil {
		return "", models.Usage{}, c.chatErr
	}
	system := messages[0].Content
	for marker, reply := range c.replies {
		if strings.Contains(system, marker) {
			return reply, c.usage, nil
		}
	}
	return "", models.Usage{}, fmt.Errorf("no scripted reply for prompt: %.40s", system)
}

func (c *scriptedClient) ChatStream(context.Context, []interfaces.ChatMessage) (interfaces.TokenStream, error) {
	return &scriptedStream{tokens: c.stream, usage: c.usage}, nil
}

type scriptedStream struct {
	tokens []string
	pos    int
	usage  models.Usage
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	token := s.tokens[s.pos]
	s.pos++
	return token, nil
}

func (s *scriptedStream) Usage() models.Usage { return s.usage }
func (s *scriptedStream) Close() error        { return nil }

type recordingSink struct {
	mu      sync.Mutex
	tokens  []string
	stages  []string
	payload *models.CompletionPayload
	err     error
}

func (r *recordingSink) OnToken(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, text)
}

func (r *recordingSink) OnProgress(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingSink) OnComplete(payload *models.CompletionPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = payload
}

func (r *recordingSink) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func newTurnFixture(t *testing.T, client *scriptedClient, state *models.PlayerState) (*TurnEngine, *fakePresenter) {
	t.Helper()
	templates := prompts.NewTemplateEngine()
	require.NoError(t, prompts.InitializeDefaultTemplates(templates))
	presenter := &fakePresenter{}
	return NewTurnEngine(config.Default(), client, templates, "sess-1", state, presenter), presenter
}

func tokensOf(text string) []string {
	var tokens []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := 4
		if n > len(runes) {
			n = len(runes)
		}
		tokens = append(tokens, string(runes[:n]))
		runes = runes[n:]
	}
	return tokens
}

func TestExecuteTurnFullPipeline(t *testing.T) {
	narration := "<배경>객잔_1층<나레이션>주인이 돌아보았다.\n<대사>주인_미소: \"어서 오시게.\"\n<선택지1>자리에 앉는다<선택지2>방을 묻는다"
	client := &scriptedClient{
		replies: map[string]string{
			"You classify":         `{"type":"dialogue","intent":"객잔 주인에게 인사","target":"주인","keywords":["객잔","주인"]}`,
			"reality arbiter":      `{"plausibility_score":8,"success":true,"judgment_analysis":"평범한 인사","narrative_guide":"따뜻하게 맞이한다"}`,
			"outcome analyst":      `{"mood_update":"daily","relationship_updates":{"주인":2},"activeCharacters":["주인"]}`,
			"martial-arts balancer": `{}`,
		},
		stream: tokensOf(narration),
		usage:  models.Usage{PromptTokens: 100, CompletionTokens: 50},
	}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))
	sink := &recordingSink{}

	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "객잔 주인에게 인사한다"}, sink)
	require.NoError(t, err)
	require.NotNil(t, sink.payload)

	payload := sink.payload
	assert.Equal(t, 1, payload.State.Turn)
	assert.Equal(t, 2, payload.State.Relationships["주인"])
	assert.Equal(t, []string{"주인"}, payload.State.ActiveCharacters)
	assert.Contains(t, payload.FinalText, "<Rel char='주인' val='2'>")
	assert.Equal(t, models.EndingNone, payload.Ending)

	assert.Equal(t, narration, strings.Join(sink.tokens, ""))
	for _, stage := range []string{"router", "retriever", "adjudicator", "story", "analyst", "balancer"} {
		assert.Contains(t, sink.stages, stage)
	}

	// 5 model calls at 100 prompt tokens each.
	assert.Equal(t, 500, payload.Usage.PromptTokens)
	assert.Greater(t, payload.Cost, 0.0)

	// The streamed choices survive reconciliation; no ending stripped them.
	assert.Greater(t, engine.Synchronizer().QueueLen(), 0)
}

func TestExecuteTurnRejectsConcurrent(t *testing.T) {
	client := &scriptedClient{stream: tokensOf("<나레이션>한 줄.")}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))

	engine.processing.Store(true)
	sink := &recordingSink{}
	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "x"}, sink)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	// The client sees a terminal error event, not a silently empty stream.
	assert.ErrorIs(t, sink.err, ErrTurnInFlight)
	assert.Nil(t, sink.payload)
}

func TestExecuteTurnDegradesWhenModelsFail(t *testing.T) {
	// Every auxiliary call fails; only the narration stream works. The
	// turn still completes on fallbacks.
	client := &scriptedClient{
		chatErr: errors.New("upstream unavailable"),
		stream:  tokensOf("<나레이션>바람이 분다.\n<나레이션>해가 진다."),
	}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))
	sink := &recordingSink{}

	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "하늘을 본다"}, sink)
	require.NoError(t, err)
	require.NotNil(t, sink.payload)

	assert.Equal(t, 5, sink.payload.Adjudication.PlausibilityScore, "neutral adjudication on failure")
	assert.Equal(t, 1, sink.payload.State.Turn)
	assert.Equal(t, 1, sink.payload.State.Stagnation)
}

func TestExecuteTurnEmptyNarrationFails(t *testing.T) {
	client := &scriptedClient{
		chatErr: errors.New("upstream unavailable"),
		stream:  tokensOf("<Think>고민만 하다 끝났다</Think>"),
	}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))
	sink := &recordingSink{}

	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "x"}, sink)
	require.Error(t, err)
	assert.Equal(t, err, sink.err)
	assert.Equal(t, 0, engine.State().Turn, "a failed turn commits nothing")
}

func TestExecuteTurnFateSpend(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]string{
			"You classify":         `{"type":"action","intent":"절벽을 뛰어넘는다","keywords":["절벽"]}`,
			"reality arbiter":      `{"plausibility_score":3,"success":false,"judgment_analysis":"무모하다","narrative_guide":"아슬아슬하게"}`,
			"outcome analyst":      `{}`,
			"martial-arts balancer": `{}`,
		},
		stream: tokensOf("<나레이션>손끝이 바위를 붙잡았다."),
	}
	state := models.NewPlayerState("무명")
	state.Fate = 1
	engine, _ := newTurnFixture(t, client, state)
	sink := &recordingSink{}

	// Two points committed, only one available.
	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "절벽을 뛰어넘는다", FateSpend: 2}, sink)
	require.NoError(t, err)
	require.NotNil(t, sink.payload)

	adj := sink.payload.Adjudication
	assert.Equal(t, 4, adj.PlausibilityScore, "3 lifted by the single available point")
	assert.True(t, adj.Success)
	assert.Equal(t, 1, adj.FateUsed)
	assert.Equal(t, 0, adj.FateGain)
	assert.Equal(t, 0, sink.payload.State.Fate)
}

func TestExecuteTurnHPZeroArmsEnding(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]string{
			"You classify":         `{"type":"combat","intent":"정면 돌파","keywords":["돌파"]}`,
			"reality arbiter":      `{"plausibility_score":1,"success":false,"judgment_analysis":"자살 행위","narrative_guide":"참혹하게"}`,
			"outcome analyst":      `{"stat_updates":{"hp":-50}}`,
			"martial-arts balancer": `{}`,
		},
		stream: tokensOf("<나레이션>세상이 기울었다.\n<나레이션>어둠이 내렸다."),
	}
	state := models.NewPlayerState("무명")
	state.HP = 30
	engine, _ := newTurnFixture(t, client, state)
	sink := &recordingSink{}

	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "정면 돌파"}, sink)
	require.NoError(t, err)
	require.NotNil(t, sink.payload)

	assert.Equal(t, 0, sink.payload.State.HP)
	assert.Equal(t, models.EndingBad, sink.payload.Ending)
	assert.True(t, engine.Ending().Armed(), "the ending waits for the queue, not the merge")

	syncer := engine.Synchronizer()
	for range [8]int{} {
		if syncer.Advance() {
			break
		}
	}
	assert.Equal(t, PhaseDisplayed, engine.Ending().Phase())
}

func TestResolveEndingRewindNeedsStore(t *testing.T) {
	client := &scriptedClient{}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))
	engine.Ending().Arm(models.EndingBad)
	engine.Ending().OnQueueDrained(false)

	err := engine.ResolveEnding(context.Background(), ResolveRewind)
	assert.Error(t, err)
}

type stubSnapshots struct {
	saved   *models.PlayerState
	history []string
}

func (s *stubSnapshots) SaveSnapshot(_ context.Context, _ string, state *models.PlayerState) error {
	s.saved = state.Clone()
	return nil
}

func (s *stubSnapshots) LoadSnapshot(context.Context, string) (*models.PlayerState, error) {
	if s.saved == nil {
		return nil, errors.New("no snapshot")
	}
	return s.saved.Clone(), nil
}

func (s *stubSnapshots) AppendTurnHistory(_ context.Context, _ string, entry string) error {
	s.history = append(s.history, entry)
	return nil
}

func TestResolveEndingRewindRestoresSnapshot(t *testing.T) {
	client := &scriptedClient{}
	state := models.NewPlayerState("무명")
	engine, _ := newTurnFixture(t, client, state)

	snapshots := &stubSnapshots{}
	engine.AttachStores(snapshots, nil, nil, nil)

	safe := state.Clone()
	safe.HP = 80
	safe.Turn = 4
	require.NoError(t, snapshots.SaveSnapshot(context.Background(), "sess-1", safe))

	engine.Ending().Arm(models.EndingBad)
	engine.Ending().OnQueueDrained(false)
	require.NoError(t, engine.ResolveEnding(context.Background(), ResolveRewind))

	restored := engine.State()
	assert.Equal(t, 80, restored.HP)
	assert.Equal(t, 4, restored.Turn)
	assert.False(t, engine.Ending().Armed())
	assert.Equal(t, PhaseNone, engine.Ending().Phase())
}

type stubRecorder struct {
	mu      sync.Mutex
	records []*models.TurnRecord
	states  []*models.PlayerState
	goals   [][]models.Goal
}

func (r *stubRecorder) RecordTurn(_ context.Context, record *models.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *stubRecorder) SaveSessionState(_ context.Context, _ string, state *models.PlayerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state.Clone())
	return nil
}

func (r *stubRecorder) SyncGoals(_ context.Context, _ string, goals []models.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals = append(r.goals, append([]models.Goal(nil), goals...))
	return nil
}

func TestExecuteTurnPersistsCommittedState(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]string{
			"You classify":         `{"type":"dialogue","intent":"의원과 대화","target":"의원","keywords":["의원"]}`,
			"reality arbiter":      `{"plausibility_score":7,"success":true,"judgment_analysis":"자연스럽다","narrative_guide":"담담하게"}`,
			"outcome analyst":      `{"new_goals":[{"description":"의원의 약초를 구해다 준다","type":"SUB"}]}`,
			"martial-arts balancer": `{}`,
		},
		stream: tokensOf("<나레이션>의원이 고개를 끄덕였다."),
		usage:  models.Usage{PromptTokens: 100, CompletionTokens: 50},
	}
	engine, _ := newTurnFixture(t, client, models.NewPlayerState("무명"))
	recorder := &stubRecorder{}
	engine.AttachStores(nil, recorder, nil, nil)

	err := engine.ExecuteTurn(context.Background(), &models.TurnRequest{Text: "의원에게 말을 건다"}, &recordingSink{})
	require.NoError(t, err)

	// The session row is rewritten with the committed turn, not left at
	// its creation-time state.
	require.Len(t, recorder.states, 1)
	assert.Equal(t, 1, recorder.states[0].Turn)
	require.Len(t, recorder.states[0].Goals, 1)
	assert.Equal(t, "의원의 약초를 구해다 준다", recorder.states[0].Goals[0].Description)

	require.Len(t, recorder.goals, 1)
	assert.Equal(t, "ACTIVE", recorder.goals[0][0].Status)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, 1, recorder.records[0].Turn)
}
