package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
	"Jianghu-Annals/server/internal/prompts"
)

const summarizeTimeout = 60 * time.Second

// Summarizer compacts an overgrown character memory list in the
// background: the model folds it into a few durable facts, the vector
// store keeps the originals searchable, and the apply callback installs
// the compact list into live state.
type Summarizer struct {
	client    interfaces.ChatClient
	templates *prompts.TemplateEngine
	memories  interfaces.VectorStore
	apply     func(sessionID, character string, facts []string)
}

// NewSummarizer wires a memory summarizer. memories may be nil when no
// vector store is configured; apply must not be.
func NewSummarizer(client interfaces.ChatClient, templates *prompts.TemplateEngine, memories interfaces.VectorStore, apply func(sessionID, character string, facts []string)) *Summarizer {
	return &Summarizer{client: client, templates: templates, memories: memories, apply: apply}
}

// Summarize runs one compaction. It is called on its own goroutine and
// must never take the turn pipeline down with it.
func (s *Summarizer) Summarize(sessionID, character string, memories []models.CharacterMemory) {
	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()

	var lines []string
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- (turn %d) %s", m.Turn, m.Text))
	}

	prompt, err := s.templates.Render(prompts.TemplateMemorySummary, map[string]string{
		"character": character,
		"memories":  strings.Join(lines, "\n"),
	})
	if err != nil {
		log.Printf("[Memory] summary template error: %v", err)
		return
	}

	reply, _, err := s.client.Chat(ctx, []interfaces.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: "Summarize now."},
	})
	if err != nil {
		log.Printf("[Memory] summarization failed for %s: %v", character, err)
		return
	}

	facts, err := decodeStringArray(reply)
	if err != nil || len(facts) == 0 {
		log.Printf("[Memory] unusable summary for %s: %v", character, err)
		return
	}

	// The originals stay searchable even after the live list shrinks.
	if s.memories != nil {
		for _, m := range memories {
			err := s.memories.StoreMemory(ctx, &interfaces.Memory{
				SessionID: sessionID,
				Character: character,
				Type:      interfaces.MemoryCharacter,
				Content:   m.Text,
			})
			if err != nil {
				log.Printf("[Memory] failed to archive memory: %v", err)
				break
			}
		}
	}

	log.Printf("[Memory] compacted %d memories about %s into %d facts", len(memories), character, len(facts))
	s.apply(sessionID, character, facts)
}

// decodeStringArray extracts the first JSON array in a model reply.
func decodeStringArray(reply string) ([]string, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var facts []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return facts, nil
}
