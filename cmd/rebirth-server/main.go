// Command rebirth-server boots the branching-story backend: database
// pool + migrations, the LLM/image oracle adapters, the generation
// engine, the speculation scheduler, the first-story priming cache, the
// orchestration service, and the HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/hezawei/rebirth-game/pkg/api"
	"github.com/hezawei/rebirth-game/pkg/cache"
	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/database"
	"github.com/hezawei/rebirth-game/pkg/engine"
	"github.com/hezawei/rebirth-game/pkg/image"
	"github.com/hezawei/rebirth-game/pkg/llm"
	"github.com/hezawei/rebirth-game/pkg/models"
	"github.com/hezawei/rebirth-game/pkg/speculation"
	"github.com/hezawei/rebirth-game/pkg/story"
	"github.com/hezawei/rebirth-game/pkg/store"
)

var (
	bannerStyle = color.New(color.FgCyan, color.Bold)
	okStyle     = color.New(color.FgGreen)
	warnStyle   = color.New(color.FgYellow)
)

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "path to a .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		warnStyle.Printf("no .env file loaded from %s: %v\n", *envFile, err)
	}

	cfg := config.Load()
	bannerStyle.Println("rebirth-game story backend")
	log.Printf("http port: %s, gin mode: %s", cfg.HTTPPort, cfg.GinMode)

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("close database: %v", err)
		}
	}()
	okStyle.Println("✓ connected to PostgreSQL and applied migrations")

	st := store.New(dbClient.DB())

	llmClient := newLLMClient(cfg.LLM)
	okStyle.Println("✓ llm client ready")

	// No in-pack AI image generation SDK is wired; GetImageForStory falls
	// back to the library image set whenever generation is disabled or,
	// as here, no Generator is configured.
	imageAdapter := image.NewAdapter(cfg.Image, nil)

	eng := engine.New(llmClient, imageAdapter, models.SettlementConfig{
		MinNodes:      cfg.Settle.MinNodes,
		MaxNodes:      cfg.Settle.MaxNodes,
		PassThreshold: cfg.Settle.PassThreshold,
		FailThreshold: cfg.Settle.FailThreshold,
	})

	primingCache := cache.New(cfg.Cache.MaxEntries)

	wishOf := func(sessionID int64) (string, error) {
		sess, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return sess.Wish, nil
	}

	var sched *speculation.Scheduler
	if cfg.Queue.Enabled {
		sched = speculation.New(cfg.Queue, st, eng, wishOf)
	}

	storySvc := story.New(st, eng, sched, primingCache, imageAdapter, cfg.Cache, cfg.Queue.ContinueRaceWaitInterval)

	server := api.NewServer(cfg, dbClient, storySvc, llmClient)
	okStyle.Println("✓ http routes registered")

	go func() {
		if err := server.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	bannerStyle.Printf("listening on :%s\n", cfg.HTTPPort)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}

func newLLMClient(cfg config.LLMConfig) llm.Client {
	if cfg.UseStub {
		return llm.NewStubClient()
	}
	return llm.NewHTTPClient(llm.Config{
		Endpoint:     cfg.Endpoint,
		Model:        cfg.Model,
		TimeoutSec:   cfg.TimeoutSeconds,
		MaxRetries:   cfg.MaxRetries,
		BackoffMinMS: cfg.BackoffMinMS,
		BackoffMaxMS: cfg.BackoffMaxMS,
	})
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
