package web

import (
	"Jianghu-Annals/server/internal/engine"
	"Jianghu-Annals/server/internal/script"
)

// Spectator event types mirror the presentation effects a player client
// renders, so a spectator view can replay the same scene.
const (
	EventBackground = "background"
	EventBgm        = "bgm"
	EventCG         = "event_cg"
	EventTime       = "time"
	EventSegment    = "segment"
	EventChoices    = "choices"
	EventClear      = "clear"
	EventEnding     = "ending"
)

// segmentView is the wire shape of a displayed script segment.
type segmentView struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Character  string `json:"character,omitempty"`
	Expression string `json:"expression,omitempty"`
	ChoiceID   int    `json:"choice_id,omitempty"`
	Leave      bool   `json:"leave,omitempty"`
}

func toSegmentView(seg script.Segment) segmentView {
	return segmentView{
		Type:       string(seg.Type),
		Content:    seg.Content,
		Character:  seg.Character,
		Expression: seg.Expression,
		ChoiceID:   seg.ChoiceID,
		Leave:      seg.Leave,
	}
}

// HubPresenter renders presentation effects by broadcasting them to the
// session's spectators.
type HubPresenter struct {
	sessionID string
	hub       *SpectatorHub
}

var _ engine.Presenter = (*HubPresenter)(nil)

func NewHubPresenter(sessionID string, hub *SpectatorHub) *HubPresenter {
	return &HubPresenter{sessionID: sessionID, hub: hub}
}

func (p *HubPresenter) emit(eventType string, data interface{}) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(SpectatorEvent{
		SessionID: p.sessionID,
		Type:      eventType,
		Data:      data,
	})
}

func (p *HubPresenter) SetBackground(name string) { p.emit(EventBackground, name) }

func (p *HubPresenter) SetBgm(track string) { p.emit(EventBgm, track) }

func (p *HubPresenter) ShowEventCG(key string) { p.emit(EventCG, key) }

func (p *HubPresenter) SetTime(value string) { p.emit(EventTime, value) }

func (p *HubPresenter) ShowSegment(seg script.Segment) {
	p.emit(EventSegment, toSegmentView(seg))
}

func (p *HubPresenter) SetChoices(choices []script.Segment) {
	views := make([]segmentView, 0, len(choices))
	for _, c := range choices {
		views = append(views, toSegmentView(c))
	}
	p.emit(EventChoices, views)
}

func (p *HubPresenter) ClearText() { p.emit(EventClear, nil) }
