package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// EmbedProvider defines the embedding backend used by the output leak gate
type EmbedProvider string

const (
	EmbedOllama EmbedProvider = "ollama" // Local Ollama server
	EmbedOpenAI EmbedProvider = "openai" // OpenAI embeddings API
	EmbedNone   EmbedProvider = "none"   // No embeddings, keyword fallback only
)

// EngineProvider defines the reasoning-engine backend
type EngineProvider string

const (
	EngineOpenAI   EngineProvider = "openai"   // OpenAI-compatible chat completions
	EngineScripted EngineProvider = "scripted" // Deterministic engine for tests/demos
)

// Config holds global settings for the Bastion gateway.
// All settings can be configured via environment variables or programmatically.
type Config struct {
	// === Core Settings ===
	AuditLogPath     string // Path to JSONL audit log (default: "audit_events.jsonl")
	AuditPostgresURL string // If set, audit events also go to Postgres

	// === Corpus ===
	CorpusPath     string // YAML roster of protected records ("" = built-in roster)
	SignaturesPath string // YAML adversarial signature seeds ("" = built-in set)

	// === Encryption ===
	// Drafts are sealed before anything outside the turn observes them.
	EncryptionKey   string // Base64-encoded 256-bit key (env: BASTION_ENC_KEY; REQUIRED in production)
	EncryptionKeyID string // Active key id, carried on every envelope for rotation

	// === Output Leak Detection ===
	// The threshold is an operating point, not load-bearing logic. Retune
	// per deployment against observed false-positive rates.
	LeakThreshold float32 // Cosine similarity above this = leak (default: 0.7)

	// === Embedding Backend ===
	EmbedProvider EmbedProvider // "ollama", "openai", or "none"
	EmbedModel    string        // Model identifier
	EmbedBaseURL  string        // Ollama URL or custom OpenAI-compatible endpoint
	EmbedAPIKey   string        // API key for cloud providers

	// === Reasoning Engine ===
	EngineProvider    EngineProvider // "openai" or "scripted"
	EngineModel       string
	EngineBaseURL     string
	EngineAPIKey      string
	EngineMaxCalls    int // Max capability calls per turn (default: 4)
	EngineConcurrency int // Max in-flight engine drafts process-wide (default: 32)

	// === Session Management ===
	RedisURL   string        // If set, sessions live in Redis instead of memory
	SessionTTL time.Duration // Session expiry (default: 1 hour)
}

// NewDefaultConfig creates a Config with sensible defaults.
// All settings can be overridden via environment variables.
func NewDefaultConfig() *Config {
	cfg := &Config{
		// Core
		AuditLogPath:     GetEnv("BASTION_AUDIT_LOG", "audit_events.jsonl"),
		AuditPostgresURL: GetEnv("BASTION_AUDIT_POSTGRES_URL", ""),

		// Corpus
		CorpusPath:     GetEnv("BASTION_CORPUS_PATH", ""),
		SignaturesPath: GetEnv("BASTION_SIGNATURES_PATH", ""),

		// Encryption
		EncryptionKey:   os.Getenv("BASTION_ENC_KEY"),
		EncryptionKeyID: GetEnv("BASTION_ENC_KEY_ID", "main-2025-01"),

		// Output gate
		LeakThreshold: float32(GetEnvFloat("BASTION_LEAK_THRESHOLD", 0.7)),

		// Embedding backend
		EmbedProvider: detectEmbedProvider(),
		EmbedModel:    GetEnv("BASTION_EMBED_MODEL", ""),
		EmbedBaseURL:  GetEnv("BASTION_EMBED_BASE_URL", ""),
		EmbedAPIKey:   GetEnv("BASTION_EMBED_API_KEY", os.Getenv("OPENAI_API_KEY")),

		// Reasoning engine
		EngineProvider:    EngineProvider(GetEnv("BASTION_ENGINE_PROVIDER", "openai")),
		EngineModel:       GetEnv("BASTION_ENGINE_MODEL", "gpt-4o-mini"),
		EngineBaseURL:     GetEnv("BASTION_ENGINE_BASE_URL", ""),
		EngineAPIKey:      GetEnv("BASTION_ENGINE_API_KEY", os.Getenv("OPENAI_API_KEY")),
		EngineMaxCalls:    clampInt(GetEnvInt("BASTION_ENGINE_MAX_CALLS", 4), 1, 16),
		EngineConcurrency: clampInt(GetEnvInt("BASTION_ENGINE_CONCURRENCY", 32), 1, 1024),

		// Sessions
		RedisURL:   GetEnv("BASTION_REDIS_URL", ""),
		SessionTTL: time.Duration(GetEnvInt("BASTION_SESSION_TTL_SECONDS", 3600)) * time.Second,
	}

	return cfg
}

func detectEmbedProvider() EmbedProvider {
	if p := os.Getenv("BASTION_EMBED_PROVIDER"); p != "" {
		return EmbedProvider(p)
	}
	if os.Getenv("BASTION_EMBED_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != "" {
		return EmbedOpenAI
	}
	// Default to Ollama (local) if no cloud key found
	return EmbedOllama
}

// NewHighSecurityConfig lowers the leak threshold so more near-matches
// block (at the cost of more false positives).
func NewHighSecurityConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.LeakThreshold = 0.55
	cfg.EngineMaxCalls = 2
	return cfg
}

// NewHighUsabilityConfig raises the leak threshold to minimize
// over-blocking of benign drafts.
func NewHighUsabilityConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.LeakThreshold = 0.8
	return cfg
}

// clampInt ensures a value is within bounds
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Helper functions for environment variable parsing

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment variable or a default value.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}

// IsProduction reports whether the gateway is running in production mode.
func IsProduction() bool {
	env := strings.ToLower(os.Getenv("BASTION_ENV"))
	return env == "production" || env == "prod"
}

// Validate checks that all required configuration is present.
// In production mode, a missing encryption key is an error: drafts must
// never be sealed under an ephemeral key that dies with the process while
// audit envelopes are expected to remain decryptable.
func (c *Config) Validate() error {
	var problems []string

	if c.LeakThreshold <= 0 || c.LeakThreshold > 1 {
		problems = append(problems, fmt.Sprintf("BASTION_LEAK_THRESHOLD must be in (0, 1], got %.2f", c.LeakThreshold))
	}

	if IsProduction() {
		if c.EncryptionKey == "" {
			problems = append(problems, "BASTION_ENC_KEY (base64 256-bit envelope key) is required in production")
		}
		if c.EngineProvider == EngineOpenAI && c.EngineAPIKey == "" {
			problems = append(problems, "BASTION_ENGINE_API_KEY is required when the engine provider is openai")
		}
	} else {
		if c.EncryptionKey == "" {
			log.Printf("[WARN] BASTION_ENC_KEY not set - using ephemeral envelope key. Audit envelopes will NOT survive restarts. Set BASTION_ENC_KEY in production!")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before serving traffic.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}
