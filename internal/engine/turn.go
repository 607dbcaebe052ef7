package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"Jianghu-Annals/server/internal/agents"
	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/llm"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
	"Jianghu-Annals/server/internal/script"
)

// ErrTurnInFlight is returned while a previous turn has not reached a
// terminal state.
var ErrTurnInFlight = errors.New("a turn is already being processed")

// Sink receives a turn's streamed output: tokens, stage progress and the
// terminal completion or error.
type Sink interface {
	OnToken(text string)
	OnProgress(stage string, elapsed time.Duration)
	OnComplete(payload *models.CompletionPayload)
	OnError(err error)
}

// SnapshotStore persists hot session state: the last safe snapshot used
// by Rewind and the recent turn history.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, state *models.PlayerState) error
	LoadSnapshot(ctx context.Context, sessionID string) (*models.PlayerState, error)
	AppendTurnHistory(ctx context.Context, sessionID, entry string) error
}

// TurnRecorder owns the durable per-turn writes: the turn log row, the
// rewritten session state, and the mirrored goal rows.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, record *models.TurnRecord) error
	SaveSessionState(ctx context.Context, sessionID string, state *models.PlayerState) error
	SyncGoals(ctx context.Context, sessionID string, goals []models.Goal) error
}

// MemorySummarizer compacts an overgrown character memory list in the
// background.
type MemorySummarizer interface {
	Summarize(sessionID, character string, memories []models.CharacterMemory)
}

// TurnEngine drives one player action through the full pipeline:
// router -> retriever -> adjudicator -> streamed narration consumed by
// the synchronizer -> outcome analyst and domain balancer in parallel ->
// merge -> commit -> ending lifecycle check.
type TurnEngine struct {
	cfg       *config.Config
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine

	router      *agents.Router
	retriever   *agents.Retriever
	adjudicator *agents.Adjudicator
	analyst     *agents.Analyst
	balancer    *agents.Balancer

	store  *StateStore
	acc    *InlineAccumulator
	sync   *Synchronizer
	ending *EndingLifecycle
	merge  *MergeEngine

	processing atomic.Bool
	generating atomic.Bool

	historyMu sync.Mutex
	history   []string

	sessionID string
	snapshots SnapshotStore
	recorder  TurnRecorder
	memories  MemorySummarizer
	vectors   interfaces.VectorStore
}

// NewTurnEngine wires a turn engine for one session.
func NewTurnEngine(cfg *config.Config, client interfaces.ChatClient, templates *prompts.TemplateEngine, sessionID string, state *models.PlayerState, presenter Presenter) *TurnEngine {
	store := NewStateStore(state)
	acc := NewInlineAccumulator()
	ending := NewEndingLifecycle()

	e := &TurnEngine{
		cfg:         cfg,
		client:      client,
		templates:   templates,
		router:      agents.NewRouter(client, templates),
		retriever:   agents.NewRetriever(),
		adjudicator: agents.NewAdjudicator(client, templates),
		analyst:     agents.NewAnalyst(client, templates),
		balancer:    agents.NewBalancer(client, templates),
		store:       store,
		acc:         acc,
		sync:        NewSynchronizer(store, acc, presenter, ending),
		ending:      ending,
		merge:       NewMergeEngine(store, ending),
		sessionID:   sessionID,
	}
	e.sync.BindGenerating(&e.generating)
	return e
}

// AttachStores wires the optional persistence collaborators; each may be
// nil, in which case its concern is skipped with a log line.
func (e *TurnEngine) AttachStores(snapshots SnapshotStore, recorder TurnRecorder, memories MemorySummarizer, vectors interfaces.VectorStore) {
	e.snapshots = snapshots
	e.recorder = recorder
	e.memories = memories
	e.vectors = vectors
}

// ApplyMemorySummary installs the compacted memory list produced by the
// background summarizer.
func (e *TurnEngine) ApplyMemorySummary(character string, facts []string) {
	e.store.Mutate(func(st *models.PlayerState) {
		compact := make([]models.CharacterMemory, 0, len(facts))
		for _, f := range facts {
			compact = append(compact, models.CharacterMemory{Text: f, Turn: st.Turn})
		}
		st.CharacterMemories[character] = compact
	})
}

// State returns a snapshot of the committed state.
func (e *TurnEngine) State() *models.PlayerState { return e.store.Snapshot() }

// Synchronizer exposes the segment synchronizer for user-driven advance.
func (e *TurnEngine) Synchronizer() *Synchronizer { return e.sync }

// Ending exposes the ending lifecycle.
func (e *TurnEngine) Ending() *EndingLifecycle { return e.ending }

// ExecuteTurn runs one full turn, pushing stream events into the sink.
// At most one turn is in flight; the whole turn races the configured
// hard timeout.
func (e *TurnEngine) ExecuteTurn(ctx context.Context, req *models.TurnRequest, sink Sink) error {
	if !e.processing.CompareAndSwap(false, true) {
		// The rejection must still reach the client as a terminal stream
		// event; nothing below runs for this request.
		sink.OnError(ErrTurnInFlight)
		return ErrTurnInFlight
	}
	defer e.processing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Turn.Timeout)
	defer cancel()

	err := e.executeTurn(ctx, req, sink)
	if err != nil {
		sink.OnError(err)
	}
	return err
}

func (e *TurnEngine) executeTurn(ctx context.Context, req *models.TurnRequest, sink Sink) error {
	var totalUsage models.Usage
	state := e.store.Snapshot()
	history := e.historySlice()

	epilogue := e.ending.EpilogueMode()

	var decision models.RouterDecision
	var adj *models.AdjudicationResult
	var contextText string

	if epilogue {
		// The epilogue bypasses adjudication: the outcome is already
		// decided, only the closing narration remains.
		adj = &models.AdjudicationResult{
			Success:           true,
			PlausibilityScore: 10,
			NarrativeGuide:    epilogueDirective(e.ending.Kind()),
		}
	} else {
		start := time.Now()
		var usage models.Usage
		decision, usage = e.router.Classify(ctx, history, req.Text)
		totalUsage.Add(usage)
		sink.OnProgress("router", time.Since(start))

		start = time.Now()
		contextText = e.retriever.Retrieve(decision, state, e.castingCandidates(state))
		contextText += e.recalledFacts(ctx, decision.Target)
		sink.OnProgress("retriever", time.Since(start))

		start = time.Now()
		adj, usage = e.adjudicator.Adjudicate(ctx, decision, contextText, state, req.Text, req.FateSpend)
		totalUsage.Add(usage)
		sink.OnProgress("adjudicator", time.Since(start))
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("turn abandoned before narration: %w", err)
	}

	// Narration stream, consumed live by the synchronizer.
	messages := e.buildNarrationMessages(state, adj, contextText, req, history)
	start := time.Now()
	stream, err := e.client.ChatStream(ctx, messages)
	if err != nil {
		return fmt.Errorf("failed to start narration: %w", err)
	}
	defer stream.Close()

	e.generating.Store(true)
	e.sync.Begin()
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.generating.Store(false)
			return fmt.Errorf("narration stream failed: %w", err)
		}
		sink.OnToken(token)
		e.sync.Feed(token)
	}
	e.generating.Store(false)
	totalUsage.Add(stream.Usage())
	sink.OnProgress("story", time.Since(start))

	rawText := e.sync.Raw()
	if strings.TrimSpace(script.VisibleBuffer(rawText)) == "" {
		return errors.New("narration produced no visible content")
	}

	// Outcome analyst and domain balancer observe the same finished
	// narration and run concurrently; a timeout degrades to an empty
	// delta rather than stalling the turn.
	outcome, balance, analysisUsage := e.runAnalysts(ctx, req.Text, rawText, state, sink)
	totalUsage.Add(analysisUsage)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("turn abandoned before merge: %w", err)
	}

	canonical := InjectInlineTriggers(rawText, outcome.InlineTriggers)
	canonical = AppendRelationshipTags(canonical, outcome.RelationshipUpdates)

	committed, armed := e.merge.Merge(MergeInput{Adjudication: adj, Outcome: outcome, Balance: balance}, e.acc)

	e.sync.Reconcile(canonical)

	e.appendHistory(req, canonical)
	e.persistTurn(req, committed, decision, adj, canonical, armed, totalUsage)
	e.scheduleMemorySummaries(committed)

	payload := &models.CompletionPayload{
		FinalText:    canonical,
		Adjudication: adj,
		Outcome:      outcome,
		Balance:      balance,
		State:        committed,
		Ending:       armed,
		Usage:        totalUsage,
		Cost:         llm.Cost(totalUsage, e.cfg.AI.LLM),
	}
	sink.OnComplete(payload)
	return nil
}

func (e *TurnEngine) runAnalysts(ctx context.Context, action, story string, state *models.PlayerState, sink Sink) (*models.OutcomeDelta, *models.DomainBalanceDelta, models.Usage) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Turn.StageTimeout)
	defer cancel()

	var (
		wg           sync.WaitGroup
		outcome      *models.OutcomeDelta
		balance      *models.DomainBalanceDelta
		outcomeUsage models.Usage
		balanceUsage models.Usage
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		outcome, outcomeUsage = e.analyst.Analyze(actx, action, story, state)
		sink.OnProgress("analyst", time.Since(start))
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		balance, balanceUsage = e.balancer.Balance(actx, story, state)
		sink.OnProgress("balancer", time.Since(start))
	}()
	wg.Wait()

	if outcome == nil {
		outcome = &models.OutcomeDelta{}
	}
	if balance == nil {
		balance = &models.DomainBalanceDelta{}
	}

	var usage models.Usage
	usage.Add(outcomeUsage)
	usage.Add(balanceUsage)
	return outcome, balance, usage
}

// buildNarrationMessages assembles the composite prompt, degrading
// progressively when the payload would exceed the configured bound:
// first the history window shrinks, then heavy optional context is
// stripped. A still-oversized prompt is sent anyway with a warning.
func (e *TurnEngine) buildNarrationMessages(state *models.PlayerState, adj *models.AdjudicationResult, contextText string, req *models.TurnRequest, history []string) []interfaces.ChatMessage {
	limit := e.cfg.Turn.MaxPayloadKB * 1024
	window := e.cfg.Turn.HistoryWindow

	build := func(window int, includeContext bool) []interfaces.ChatMessage {
		ctxBlock := contextText
		if !includeContext {
			ctxBlock = ""
		}
		prompt, err := e.templates.Render(prompts.TemplateNarration, map[string]string{
			"scene":     e.sceneSummary(state),
			"directive": adj.NarrativeGuide,
			"context":   ctxBlock,
			"action":    req.Text,
		})
		if err != nil {
			log.Printf("[Turn] narration template error: %v", err)
			prompt = adj.NarrativeGuide
		}
		return []interfaces.ChatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: prompts.JoinHistory(history, window) + "\n\n" + req.Text},
		}
	}

	messages := build(window, true)
	for limit > 0 && messagesSize(messages) > limit && window > 2 {
		window /= 2
		messages = build(window, true)
	}
	if limit > 0 && messagesSize(messages) > limit {
		messages = build(window, false)
	}
	if limit > 0 && messagesSize(messages) > limit {
		log.Printf("[Turn] prompt still oversized after degradation (%d bytes), sending anyway", messagesSize(messages))
	}
	return messages
}

func messagesSize(messages []interfaces.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

func (e *TurnEngine) sceneSummary(state *models.PlayerState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player %s at %s, mood %s, turn %d.", state.Name, state.Location, state.Mood, state.Turn)
	if len(state.ActiveCharacters) > 0 {
		fmt.Fprintf(&b, " Present: %s.", strings.Join(state.ActiveCharacters, ", "))
	}
	if state.HP <= 0 {
		b.WriteString(" The player is at death's door; the scene must conclude accordingly.")
	}
	return b.String()
}

// castingCandidates scores known characters for scene relevance: active
// characters first, then the strongest relationships.
func (e *TurnEngine) castingCandidates(state *models.PlayerState) []agents.CastingCandidate {
	active := make(map[string]bool, len(state.ActiveCharacters))
	for _, c := range state.ActiveCharacters {
		active[c] = true
	}

	candidates := make([]agents.CastingCandidate, 0, len(state.Relationships))
	for name, score := range state.Relationships {
		c := agents.CastingCandidate{Name: name, Score: score / 20}
		if active[name] {
			c.Score += 5
		}
		if info, ok := state.RelationshipInfo[name]; ok {
			c.Profile = info.Status
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Name < candidates[j].Name
	})
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	return candidates
}

// recalledFacts fetches semantically similar archived memories about the
// action's target. Vector recall is best effort; a miss degrades to the
// in-state memory window.
func (e *TurnEngine) recalledFacts(ctx context.Context, target string) string {
	if e.vectors == nil || target == "" {
		return ""
	}
	memories, err := e.vectors.SearchCharacterMemories(ctx, e.sessionID, target, e.cfg.Memory.SearchLimit)
	if err != nil {
		log.Printf("[Turn] vector recall failed: %v", err)
		return ""
	}
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n[Recalled Facts about %s]\n", target)
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String()
}

func (e *TurnEngine) historySlice() []string {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return append([]string(nil), e.history...)
}

func (e *TurnEngine) appendHistory(req *models.TurnRequest, canonical string) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	if !req.Hidden {
		e.history = append(e.history, "Player: "+req.Text)
	}
	e.history = append(e.history, "Story: "+script.ScrubLogicTags(canonical))
	if max := e.cfg.Turn.HistoryWindow * 4; len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

func (e *TurnEngine) persistTurn(req *models.TurnRequest, committed *models.PlayerState, decision models.RouterDecision, adj *models.AdjudicationResult, canonical string, armed models.EndingType, usage models.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if e.snapshots != nil {
		// Only a safe state (alive, no ending pending) becomes the
		// rewind anchor.
		if committed.HP > 0 && armed == models.EndingNone && !e.ending.Armed() {
			if err := e.snapshots.SaveSnapshot(ctx, e.sessionID, committed); err != nil {
				log.Printf("[Turn] snapshot save failed: %v", err)
			}
		}
		if err := e.snapshots.AppendTurnHistory(ctx, e.sessionID, req.Text); err != nil {
			log.Printf("[Turn] history append failed: %v", err)
		}
	}

	if e.recorder != nil {
		record := &models.TurnRecord{
			ID:         fmt.Sprintf("%s_%d", e.sessionID, committed.Turn),
			SessionID:  e.sessionID,
			Turn:       committed.Turn,
			UserText:   req.Text,
			Hidden:     req.Hidden,
			FinalText:  canonical,
			Category:   string(decision.Category),
			Score:      adj.PlausibilityScore,
			Ending:     string(armed),
			CostMicros: int64(llm.Cost(usage, e.cfg.AI.LLM) * 1e6),
		}
		if err := e.recorder.RecordTurn(ctx, record); err != nil {
			log.Printf("[Turn] record write failed: %v", err)
		}
		// The durable session row follows every commit; a restart must
		// restore this turn, not the one the session was created with.
		if err := e.recorder.SaveSessionState(ctx, e.sessionID, committed); err != nil {
			log.Printf("[Turn] session state write failed: %v", err)
		}
		if len(committed.Goals) > 0 {
			if err := e.recorder.SyncGoals(ctx, e.sessionID, committed.Goals); err != nil {
				log.Printf("[Turn] goal sync failed: %v", err)
			}
		}
	}
}

// scheduleMemorySummaries kicks off detached summarization for any
// character whose memory list outgrew the threshold. Turn completion
// never blocks on it.
func (e *TurnEngine) scheduleMemorySummaries(committed *models.PlayerState) {
	if e.memories == nil {
		return
	}
	threshold := e.cfg.Memory.SummarizeThreshold
	for char, memories := range committed.CharacterMemories {
		if len(memories) > threshold {
			go e.memories.Summarize(e.sessionID, char, memories)
		}
	}
}

// ResolveEnding consumes a displayed ending. Rewind restores the last
// safe snapshot; Continue clears the ending; Epilogue enters epilogue
// mode (the closing narration is generated by the next ExecuteTurn);
// Title abandons the session.
func (e *TurnEngine) ResolveEnding(ctx context.Context, choice Resolution) error {
	if choice == ResolveRewind {
		if e.snapshots == nil {
			return errors.New("no snapshot store configured")
		}
		snapshot, err := e.snapshots.LoadSnapshot(ctx, e.sessionID)
		if err != nil {
			return fmt.Errorf("failed to load rewind snapshot: %w", err)
		}
		e.store.Commit(snapshot)
	}
	e.ending.Resolve(choice)
	return nil
}

func epilogueDirective(kind models.EndingType) string {
	switch kind {
	case models.EndingGood:
		return "Write the closing epilogue of a hard-won good ending: the player's journey resolves with warmth and consequence. No choices."
	case models.EndingTrue:
		return "Write the closing epilogue of the true ending: reveal the hidden thread of the story and let it rest. No choices."
	default:
		return "Write the closing epilogue of a bad ending: the player's story ends here. Somber, final, no choices."
	}
}
