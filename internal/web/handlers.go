package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/engine"
	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
	"Jianghu-Annals/server/internal/storage"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// SessionManager owns the live turn engines, one per active session,
// and restores engines from MySQL on demand.
type SessionManager struct {
	cfg       *config.Config
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
	hub       *SpectatorHub

	mysql   *storage.MySQLStore
	redis   *storage.RedisStore
	vectors interfaces.VectorStore

	// Set after construction; the summarizer's apply callback resolves
	// sessions through this manager.
	summarizer engine.MemorySummarizer

	mu      sync.RWMutex
	engines map[string]*engine.TurnEngine
}

func NewSessionManager(cfg *config.Config, client interfaces.ChatClient, templates *prompts.TemplateEngine, hub *SpectatorHub, mysql *storage.MySQLStore, redis *storage.RedisStore, vectors interfaces.VectorStore) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		client:    client,
		templates: templates,
		hub:       hub,
		mysql:     mysql,
		redis:     redis,
		vectors:   vectors,
		engines:   make(map[string]*engine.TurnEngine),
	}
}

// SetSummarizer installs the background memory summarizer. It is wired
// after construction because the summarizer's apply callback needs the
// manager to resolve sessions.
func (m *SessionManager) SetSummarizer(s engine.MemorySummarizer) {
	m.summarizer = s
}

// ApplyMemorySummary routes a background summarizer result back into the
// owning session's engine. Summaries for evicted sessions are dropped.
func (m *SessionManager) ApplyMemorySummary(sessionID, character string, facts []string) {
	m.mu.RLock()
	eng, ok := m.engines[sessionID]
	m.mu.RUnlock()
	if !ok {
		log.Printf("[Session] dropping memory summary for inactive session %s", sessionID)
		return
	}
	eng.ApplyMemorySummary(character, facts)
}

// Create starts a fresh session and persists its row.
func (m *SessionManager) Create(ctx context.Context, playerName string) (string, *engine.TurnEngine, error) {
	if playerName == "" {
		playerName = "무명"
	}
	sessionID := uuid.NewString()
	state := models.NewPlayerState(playerName)
	eng := m.buildEngine(sessionID, state)

	if m.mysql != nil {
		session := &models.GameSession{
			ID:         sessionID,
			PlayerName: playerName,
			Status:     "active",
		}
		if err := m.mysql.SaveSession(ctx, session, state); err != nil {
			return "", nil, fmt.Errorf("failed to persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.engines[sessionID] = eng
	m.mu.Unlock()

	log.Printf("[Session] created %s for %s", sessionID, playerName)
	return sessionID, eng, nil
}

// Get returns the live engine, restoring it from MySQL if the process
// restarted since the session was created.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*engine.TurnEngine, error) {
	m.mu.RLock()
	eng, ok := m.engines[sessionID]
	m.mu.RUnlock()
	if ok {
		return eng, nil
	}

	if m.mysql == nil {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}

	_, state, err := m.mysql.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[sessionID]; ok {
		return eng, nil
	}
	eng = m.buildEngine(sessionID, state)
	m.engines[sessionID] = eng
	log.Printf("[Session] restored %s from storage", sessionID)
	return eng, nil
}

// End closes a session: durable row marked ended, hot data removed.
func (m *SessionManager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.engines, sessionID)
	m.mu.Unlock()

	var errs []error
	if m.mysql != nil {
		if err := m.mysql.EndSession(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if m.redis != nil {
		if err := m.redis.DeleteSession(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if m.vectors != nil {
		if err := m.vectors.DeleteSessionMemories(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *SessionManager) buildEngine(sessionID string, state *models.PlayerState) *engine.TurnEngine {
	presenter := NewHubPresenter(sessionID, m.hub)
	eng := engine.NewTurnEngine(m.cfg, m.client, m.templates, sessionID, state, presenter)

	// Typed nils must not leak into the interface fields.
	var snapshots engine.SnapshotStore
	if m.redis != nil {
		snapshots = m.redis
	}
	var recorder engine.TurnRecorder
	if m.mysql != nil {
		recorder = m.mysql
	}
	eng.AttachStores(snapshots, recorder, m.summarizer, m.vectors)
	return eng
}

// RecentHistory exposes the hot recent-input window kept alongside the
// durable turn log.
type RecentHistory interface {
	RecentTurnHistory(ctx context.Context, sessionID string, limit int64) ([]string, error)
}

type GameHandlers struct {
	config   *config.Config
	hub      *SpectatorHub
	sessions *SessionManager
	mysql    *storage.MySQLStore
	recent   RecentHistory
}

func NewGameHandlers(cfg *config.Config, hub *SpectatorHub, sessions *SessionManager, mysql *storage.MySQLStore, recent RecentHistory) *GameHandlers {
	return &GameHandlers{
		config:   cfg,
		hub:      hub,
		sessions: sessions,
		mysql:    mysql,
		recent:   recent,
	}
}

func (h *GameHandlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"service":    "jianghu-annals",
		"spectators": h.hub.ClientCount(),
	})
}

// CreateSession starts a new playthrough.
func (h *GameHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerName string `json:"player_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID, eng, err := h.sessions.Create(r.Context(), req.PlayerName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sessionID,
		"state":      eng.State(),
	})
}

// GetState returns the committed state of a session.
func (h *GameHandlers) GetState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eng, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"state":      eng.State(),
		"ending":     eng.Ending().Kind(),
		"queue_len":  eng.Synchronizer().QueueLen(),
	})
}

// GetTurnHistory returns the durable turn log, newest first, plus the
// hot window of recent player inputs when Redis is attached.
func (h *GameHandlers) GetTurnHistory(w http.ResponseWriter, r *http.Request) {
	if h.mysql == nil && h.recent == nil {
		writeError(w, http.StatusServiceUnavailable, "turn log storage not configured")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	body := map[string]interface{}{"session_id": sessionID}
	if h.mysql != nil {
		records, err := h.mysql.ListTurns(r.Context(), sessionID, 50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body["turns"] = records
	}
	if h.recent != nil {
		inputs, err := h.recent.RecentTurnHistory(r.Context(), sessionID, 20)
		if err != nil {
			log.Printf("[History] recent inputs for %s: %v", sessionID, err)
		} else {
			body["recent_inputs"] = inputs
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// streamEvent is one NDJSON line of the turn stream.
type streamEvent struct {
	Type  string      `json:"type"`
	Text  string      `json:"text,omitempty"`
	Stage string      `json:"stage,omitempty"`
	MS    int64       `json:"ms,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ndjsonSink streams turn events to the HTTP response as it happens.
// Writes are serialized; the engine calls OnProgress from stage
// goroutines.
type ndjsonSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newNDJSONSink(w http.ResponseWriter) *ndjsonSink {
	flusher, _ := w.(http.Flusher)
	return &ndjsonSink{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

func (s *ndjsonSink) emit(event streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *ndjsonSink) OnToken(text string) {
	s.emit(streamEvent{Type: "text", Text: text})
}

func (s *ndjsonSink) OnProgress(stage string, elapsed time.Duration) {
	s.emit(streamEvent{Type: "progress", Stage: stage, MS: elapsed.Milliseconds()})
}

func (s *ndjsonSink) OnComplete(payload *models.CompletionPayload) {
	s.emit(streamEvent{Type: "data", Data: payload})
}

func (s *ndjsonSink) OnError(err error) {
	s.emit(streamEvent{Type: "error", Error: err.Error()})
}

// ExecuteTurn runs one player action and streams the narration back as
// newline-delimited JSON.
func (h *GameHandlers) ExecuteTurn(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "session_id and text are required")
		return
	}

	eng, err := h.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := newNDJSONSink(w)
	if err := eng.ExecuteTurn(r.Context(), &req, sink); err != nil {
		// The sink already carried the terminal error event to the client.
		if errors.Is(err, engine.ErrTurnInFlight) {
			log.Printf("[Turn] rejected concurrent turn for %s", req.SessionID)
			return
		}
		log.Printf("[Turn] session %s failed: %v", req.SessionID, err)
	}
}

// Advance steps the displayed script forward by one segment.
func (h *GameHandlers) Advance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	eng, err := h.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	syncer := eng.Synchronizer()
	exhausted := syncer.Advance()

	resp := map[string]interface{}{
		"exhausted": exhausted,
		"queue_len": syncer.QueueLen(),
		"ending":    eng.Ending().Kind(),
	}
	if seg := syncer.Displayed(); seg != nil {
		resp["displayed"] = toSegmentView(*seg)
	}
	if choices := syncer.Choices(); len(choices) > 0 {
		views := make([]segmentView, 0, len(choices))
		for _, c := range choices {
			views = append(views, toSegmentView(c))
		}
		resp["choices"] = views
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveEnding answers a displayed ending screen.
func (h *GameHandlers) ResolveEnding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Choice    string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id and choice are required")
		return
	}

	eng, err := h.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	choice := engine.Resolution(req.Choice)
	switch choice {
	case engine.ResolveRewind, engine.ResolveContinue, engine.ResolveEpilogue, engine.ResolveTitle:
	default:
		writeError(w, http.StatusBadRequest, "unknown resolution choice")
		return
	}

	if err := eng.ResolveEnding(r.Context(), choice); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if choice == engine.ResolveTitle {
		if err := h.sessions.End(r.Context(), req.SessionID); err != nil {
			log.Printf("[Session] cleanup for %s: %v", req.SessionID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":  eng.State(),
		"ending": eng.Ending().Kind(),
	})
}

// EndSession abandons a session outright.
func (h *GameHandlers) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.End(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// Spectate upgrades to a WebSocket that mirrors the session's
// presentation events.
func (h *GameHandlers) Spectate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:        generateClientID(),
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Hub:       h.hub,
	}

	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter assembles the HTTP surface.
func NewRouter(handlers *GameHandlers) *chi.Mux {
	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("REQUEST: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	r.Use(corsMiddleware)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws/spectate/{sessionID}", handlers.Spectate)

	r.Route("/api/v1/game", func(r chi.Router) {
		r.Post("/session", handlers.CreateSession)
		r.Delete("/session/{sessionID}", handlers.EndSession)
		r.Get("/state/{sessionID}", handlers.GetState)
		r.Get("/history/{sessionID}", handlers.GetTurnHistory)
		r.Post("/turn", handlers.ExecuteTurn)
		r.Post("/advance", handlers.Advance)
		r.Post("/ending", handlers.ResolveEnding)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
