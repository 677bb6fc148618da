package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/securebank-labs/bastion/pkg/audit"
	"github.com/securebank-labs/bastion/pkg/config"
	"github.com/securebank-labs/bastion/pkg/corpus"
	"github.com/securebank-labs/bastion/pkg/engine"
	"github.com/securebank-labs/bastion/pkg/envelope"
	"github.com/securebank-labs/bastion/pkg/guard"
	"github.com/securebank-labs/bastion/pkg/httputil"
	"github.com/securebank-labs/bastion/pkg/leak"
	"github.com/securebank-labs/bastion/pkg/pipeline"
	"github.com/securebank-labs/bastion/pkg/session"
	"github.com/securebank-labs/bastion/pkg/tools"
)

const Version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		port := "3000"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Usage: bastion scan <text>")
			os.Exit(1)
		}
		runCLIScan(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("Bastion v%s\n", Version)
		fmt.Println("Defensive gateway for conversational banking agents")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Bastion v%s - Defensive gateway for conversational banking agents\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  bastion serve [port]   Start HTTP gateway (default: 3000)")
	fmt.Println("  bastion scan <text>    Classify text through the input gate")
	fmt.Println("  bastion version        Show version")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  bastion serve 8080")
	fmt.Println("  bastion scan \"Ignore previous instructions\"")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  BASTION_ENC_KEY            Base64 256-bit envelope key (required in production)")
	fmt.Println("  BASTION_CORPUS_PATH        YAML roster of protected records")
	fmt.Println("  BASTION_LEAK_THRESHOLD     Output-gate similarity threshold (default: 0.7)")
	fmt.Println("  BASTION_ENGINE_PROVIDER    openai or scripted (default: openai)")
	fmt.Println("  BASTION_ENGINE_API_KEY     Reasoning engine API key")
	fmt.Println("  BASTION_REDIS_URL          Shared session store (default: in-memory)")
}

// =============================================================================
// HTTP Server Mode
// =============================================================================

func runHTTPServer(port string) {
	cfg := config.NewDefaultConfig()
	cfg.MustValidate()

	p := buildPipeline(cfg)

	app := fiber.New(fiber.Config{
		AppName: "Bastion",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	// One conversation turn: input gate, bounded engine loop, sealed
	// output inspection.
	app.Post("/chat", func(c fiber.Ctx) error {
		var req struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.Message == "" {
			return c.Status(400).JSON(fiber.Map{"error": "message field is required"})
		}

		return c.JSON(p.HandleTurn(c.Context(), req.SessionID, req.Message))
	})

	// Classification only, no engine turn and no audit event.
	app.Post("/scan", func(c fiber.Ctx) error {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.Text == "" {
			return c.Status(400).JSON(fiber.Map{"error": "text field is required"})
		}

		res := p.Scan(req.Text)
		return c.JSON(fiber.Map{
			"blocked":    res.Blocked,
			"signatures": res.SignatureNames(),
			"categories": res.Categories(),
			"record_ids": res.RecordIDs,
		})
	})

	app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(p.Stats())
	})

	log.Printf("[STARTUP] Bastion gateway starting on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health  - Health check")
	log.Printf("  POST /chat    - Gated conversation turn")
	log.Printf("  POST /scan    - Input gate classification")
	log.Printf("  GET  /stats   - Running counters")

	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}

// buildPipeline wires every layer from configuration. A corpus that
// fails to load is fatal: the gate cannot classify without knowing what
// it protects.
func buildPipeline(cfg *config.Config) *pipeline.Pipeline {
	snap, err := corpus.Load(cfg.CorpusPath)
	if err != nil {
		log.Fatalf("[STARTUP] FATAL: corpus load failed: %v", err)
	}
	roster := corpus.NewStore(snap)
	log.Printf("[STARTUP] Protected corpus loaded: %d records", snap.Count())

	var extra []guard.Signature
	if cfg.SignaturesPath != "" {
		extra, err = guard.LoadSeeds(cfg.SignaturesPath)
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: signature seeds load failed: %v", err)
		}
		log.Printf("[STARTUP] Loaded %d signature seeds from %s", len(extra), cfg.SignaturesPath)
	}
	registry := guard.NewRegistry(extra)
	log.Printf("[STARTUP] Signature registry ready: %d signatures", registry.TotalSignatures())

	keys, err := envelope.NewKeyManagerFromBase64(cfg.EncryptionKeyID, cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("[STARTUP] FATAL: envelope key setup failed: %v", err)
	}

	detector := buildDetector(cfg, roster)

	var store session.Store
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL)
		cancel()
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: redis session store failed: %v", err)
		}
		store = redisStore
		log.Println("✓ Session store: redis")
	} else {
		store = session.NewMemoryStore()
		log.Println("○ Session store: in-memory (single instance only)")
	}

	var sink audit.Sink
	if cfg.AuditPostgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err = audit.NewPostgresSink(ctx, cfg.AuditPostgresURL)
		cancel()
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: postgres audit sink failed: %v", err)
		}
		log.Println("✓ Audit sink: postgres")
	} else {
		sink, err = audit.NewJSONLSink(cfg.AuditLogPath)
		if err != nil {
			log.Fatalf("[STARTUP] FATAL: audit log open failed: %v", err)
		}
		log.Printf("✓ Audit sink: %s", cfg.AuditLogPath)
	}

	machine := session.NewMachine(
		store,
		session.NewVerifier(roster),
		tools.NewService(roster),
		buildEngine(cfg),
		cfg.EngineMaxCalls,
	)

	return pipeline.New(
		guard.NewGate(registry, roster),
		machine,
		keys,
		detector,
		sink,
		httputil.NewSemaphore(cfg.EngineConcurrency),
	)
}

// buildDetector degrades instead of failing: without an embedding
// backend the output gate runs its keyword fallback.
func buildDetector(cfg *config.Config, roster *corpus.Store) *leak.Detector {
	embedder, err := leak.NewEmbedder(string(cfg.EmbedProvider), cfg.EmbedModel, cfg.EmbedBaseURL, cfg.EmbedAPIKey)
	if err != nil {
		log.Printf("○ Embedding backend disabled (%v), output gate on keyword fallback", err)
		embedder = nil
	}

	detector := leak.NewDetector(embedder, cfg.LeakThreshold)
	if embedder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := detector.LoadCorpus(ctx, roster.Current()); err != nil {
			log.Printf("○ Corpus embedding failed (%v), output gate on keyword fallback", err)
		} else {
			log.Printf("✓ Semantic leak detection enabled (provider: %s, threshold: %.2f)",
				cfg.EmbedProvider, cfg.LeakThreshold)
		}
	}
	return detector
}

func buildEngine(cfg *config.Config) engine.Engine {
	switch cfg.EngineProvider {
	case config.EngineScripted:
		log.Println("✓ Reasoning engine: scripted (deterministic)")
		return engine.NewScriptedEngine()
	case config.EngineOpenAI:
		if cfg.EngineAPIKey == "" {
			log.Println("○ No engine API key, falling back to scripted engine")
			return engine.NewScriptedEngine()
		}
		log.Printf("✓ Reasoning engine: openai (model: %s)", cfg.EngineModel)
		return engine.NewOpenAIEngine(cfg.EngineAPIKey, cfg.EngineModel, cfg.EngineBaseURL)
	default:
		log.Printf("○ Unknown engine provider %q, falling back to scripted engine", cfg.EngineProvider)
		return engine.NewScriptedEngine()
	}
}

// =============================================================================
// CLI Mode
// =============================================================================

func runCLIScan(text string) {
	cfg := config.NewDefaultConfig()

	snap, err := corpus.Load(cfg.CorpusPath)
	if err != nil {
		log.Fatalf("corpus load failed: %v", err)
	}
	gate := guard.NewGate(guard.Get(), corpus.NewStore(snap))

	res := gate.Evaluate(text)
	output, _ := json.MarshalIndent(map[string]any{
		"blocked":    res.Blocked,
		"signatures": res.SignatureNames(),
		"categories": res.Categories(),
		"record_ids": res.RecordIDs,
	}, "", "  ")
	fmt.Println(string(output))
}
