package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/llm"
	"Jianghu-Annals/server/internal/prompts"
	"Jianghu-Annals/server/internal/rag"
	"Jianghu-Annals/server/internal/storage"
	"Jianghu-Annals/server/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Printf("Warning: Failed to load config, using defaults: %v", err)
		cfg = config.Default()
	}

	// Initialize storage connections
	mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		log.Printf("Warning: Failed to connect to MySQL: %v", err)
		mysqlStore = nil
	} else {
		defer mysqlStore.Close()
		log.Println("MySQL connected successfully")
	}

	redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		redisStore = nil
	} else {
		defer redisStore.Close()
		log.Println("Redis connected successfully")
	}

	if cfg.AI.LLM.APIKey == "" {
		log.Println("Warning: No LLM API key provided. Turn execution will fail.")
	}
	client := llm.NewClient(cfg.AI.LLM)

	// Prompt templates
	templates := prompts.NewTemplateEngine()
	if err := prompts.InitializeDefaultTemplates(templates); err != nil {
		log.Fatalf("Failed to initialize prompt templates: %v", err)
	}

	// Vector memory: Qdrant plus the embedding service. Both optional;
	// sessions run without long-term recall when unavailable.
	var vectors interfaces.VectorStore
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		qdrantStore, err := rag.NewQdrantStore(ctx, cfg.Database.Qdrant)
		cancel()
		if err != nil {
			log.Printf("Warning: Failed to connect to Qdrant: %v", err)
		} else {
			defer qdrantStore.Close()
			log.Println("Qdrant connected successfully")
			embedding := rag.NewEmbeddingService(cfg.AI.LLM.BaseURL, cfg.AI.Embedding)
			vectors = rag.NewMemoryStore(qdrantStore, embedding)
		}
	}

	// Web layer
	hub := web.NewSpectatorHub()
	go hub.Run()

	sessions := web.NewSessionManager(cfg, client, templates, hub, mysqlStore, redisStore, vectors)
	summarizer := rag.NewSummarizer(client, templates, vectors, sessions.ApplyMemorySummary)
	sessions.SetSummarizer(summarizer)

	var recent web.RecentHistory
	if redisStore != nil {
		recent = redisStore
	}
	handlers := web.NewGameHandlers(cfg, hub, sessions, mysqlStore, recent)
	r := web.NewRouter(handlers)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in background
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
