package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"Jianghu-Annals/server/internal/config"
)

const (
	defaultEmbeddingModel = "embedding-3"
	cacheTTL              = 24 * time.Hour
	embedTimeout          = 30 * time.Second
	maxRetries            = 3
	retryDelay            = 1 * time.Second
)

// EmbeddingService turns memory text into vectors, with an in-process
// cache so repeated summaries and queries are not re-billed.
type EmbeddingService struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client

	mu    sync.RWMutex
	cache map[string]cachedEmbedding
}

type cachedEmbedding struct {
	vector    []float64
	createdAt time.Time
}

// NewEmbeddingService creates an embedding service against the configured
// endpoint. The embedding API shares the chat endpoint's base URL.
func NewEmbeddingService(baseURL string, cfg config.EmbeddingConfig) *EmbeddingService {
	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &EmbeddingService{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: embedTimeout},
		cache:   make(map[string]cachedEmbedding),
	}
}

// Embed generates a normalized embedding for one text.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := s.fromCache(text); ok {
		return vec, nil
	}

	vectors, err := s.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	vec := NormalizeVector(vectors[0])
	s.mu.Lock()
	s.cache[text] = cachedEmbedding{vector: vec, createdAt: time.Now()}
	s.mu.Unlock()
	return vec, nil
}

func (s *EmbeddingService) fromCache(text string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.cache[text]
	if !ok || time.Since(cached.createdAt) > cacheTTL {
		return nil, false
	}
	return cached.vector, true
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (s *EmbeddingService) request(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		body, err := json.Marshal(map[string]any{
			"input": texts,
			"model": s.model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		url := fmt.Sprintf("%s/embeddings", s.baseURL)
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))

		resp, err := s.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var result embeddingResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if result.Error != nil {
			return nil, fmt.Errorf("embedding API error: %s", result.Error.Message)
		}

		vectors := make([][]float64, 0, len(result.Data))
		for _, d := range result.Data {
			vectors = append(vectors, d.Embedding)
		}
		return vectors, nil
	}

	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// NormalizeVector scales a vector to unit length.
func NormalizeVector(vector []float64) []float64 {
	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	normalized := make([]float64, len(vector))
	for i, v := range vector {
		normalized[i] = v / norm
	}
	return normalized
}

// CosineSimilarity computes the cosine similarity of two vectors.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimensions don't match: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
