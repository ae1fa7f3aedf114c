// memoryd wires the conversational memory pipeline together and drives it
// from stdin: each line is one user turn in the chosen session. It doubles
// as a smoke-test harness for the configured backends.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/manifold/convomem/internal/config"
	"github.com/manifold/convomem/internal/embedclient"
	"github.com/manifold/convomem/internal/genclient"
	"github.com/manifold/convomem/internal/observability"
	"github.com/manifold/convomem/internal/orchestrator"
	"github.com/manifold/convomem/internal/store"
	"github.com/manifold/convomem/internal/vectorindex"
	"github.com/manifold/convomem/internal/window"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (optional; defaults apply)")
	session := flag.String("session", "default", "Session id for this conversation")
	validate := flag.Bool("validate", false, "Validate the session's chain and exit")
	repair := flag.Bool("repair", false, "Repair the session's chain and exit")
	stats := flag.Bool("stats", false, "Print service statistics and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	if err := run(cfg, *session, *validate, *repair, *stats); err != nil {
		log.Fatal().Err(err).Msg("memoryd")
	}
}

func run(cfg config.Config, session string, validate, repair, stats bool) error {
	ctx := context.Background()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := orchestrator.New(cfg, deps)

	switch {
	case validate:
		result, err := svc.ValidateChain(ctx, session)
		if err != nil {
			return err
		}
		fmt.Printf("session=%s valid=%v messages=%d roots=%d broken=%v orphans=%v\n",
			result.SessionID, result.Valid, result.TotalMessages, result.RootCount, result.BrokenRefs, result.Orphans)
		return nil
	case repair:
		result, err := svc.RepairChain(ctx, session)
		if err != nil {
			return err
		}
		fmt.Printf("session=%s repairs=%d valid_after=%v\n", result.SessionID, len(result.Repairs), result.After.Valid)
		return nil
	case stats:
		s, err := svc.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("chunks=%d messages=%d sessions=%d windows=%d cached_extractions=%d\n",
			s.Index.TotalChunks, s.Index.UniqueMessages, s.Index.UniqueSessions, s.ActiveWindows, s.CachedExtractions)
		return nil
	}

	if err := healthCheck(ctx, cfg, deps); err != nil {
		log.Warn().Err(err).Msg("endpoint health check failed; turns may degrade or fail")
	}

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	svc.StartCleanup(cleanupCtx)

	log.Info().Str("session", session).Msg("memoryd ready; type a message and press enter")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		assistant, err := svc.HandleUserTurn(ctx, text, session)
		if err != nil {
			log.Error().Err(err).Msg("turn failed")
			continue
		}
		fmt.Println(assistant.Content)
	}
	svc.WaitForIndexing()
	return scanner.Err()
}

func buildDeps(ctx context.Context, cfg config.Config) (orchestrator.Deps, func(), error) {
	deps := orchestrator.Deps{
		Embedder:  embedclient.New(cfg.Embedder),
		Generator: genclient.New(cfg.Generator),
	}
	cleanup := func() {}

	switch cfg.Backend.MessageStore {
	case "", "memory":
		deps.Messages = store.NewMemoryMessageStore()
		deps.Chunks = store.NewMemoryChunkStore()
	case "postgres":
		pool, err := store.OpenPool(ctx, cfg.Backend.PostgresDSN)
		if err != nil {
			return orchestrator.Deps{}, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		deps.Messages = store.NewPostgresMessageStore(pool)
		deps.Chunks = store.NewPostgresChunkStore(pool)
		cleanup = pool.Close
	default:
		return orchestrator.Deps{}, nil, fmt.Errorf("unknown message store backend %q", cfg.Backend.MessageStore)
	}

	switch cfg.Backend.VectorIndex {
	case "", "memory":
		deps.Index = vectorindex.NewMemory()
	case "qdrant":
		idx, err := vectorindex.NewQdrant(cfg.Backend.QdrantDSN, cfg.Backend.QdrantCollection, cfg.Backend.QdrantDimension)
		if err != nil {
			cleanup()
			return orchestrator.Deps{}, nil, fmt.Errorf("qdrant index: %w", err)
		}
		deps.Index = idx
	default:
		cleanup()
		return orchestrator.Deps{}, nil, fmt.Errorf("unknown vector index backend %q", cfg.Backend.VectorIndex)
	}

	switch cfg.Backend.WindowCache {
	case "", "memory":
		// orchestrator falls back to the in-process cache.
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Backend.RedisAddr,
			Password: cfg.Backend.RedisPassword,
			DB:       cfg.Backend.RedisDB,
		})
		ttl := time.Duration(cfg.Window.RetentionHours+1) * time.Hour
		deps.WindowCache = window.NewRedisEvictionCache(client, "", ttl)
	default:
		cleanup()
		return orchestrator.Deps{}, nil, fmt.Errorf("unknown window cache backend %q", cfg.Backend.WindowCache)
	}

	return deps, cleanup, nil
}

func healthCheck(ctx context.Context, cfg config.Config, deps orchestrator.Deps) error {
	timeout := time.Duration(cfg.Timeouts.HealthCheckMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := deps.Embedder.(pinger); ok {
		if err := p.Ping(hctx); err != nil {
			return err
		}
	}
	if p, ok := deps.Generator.(pinger); ok {
		if err := p.Ping(hctx); err != nil {
			return err
		}
	}
	return nil
}
