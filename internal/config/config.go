// SPDX-License-Identifier: MIT

// Package config loads the namegnome-serve configuration from the
// environment with precedence ENV > defaults and validates it at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ProviderConfig holds retry and rate-limit settings for one provider.
type ProviderConfig struct {
	APIKey      string
	MaxAttempts int           // retry attempts for transient failures
	BackoffBase time.Duration // base delay for exponential backoff
	RateLimit   float64       // tokens per second
	Burst       int           // token bucket capacity
	Timeout     time.Duration // per-call timeout
}

// AppConfig is the complete daemon/CLI configuration. It is assembled once
// at startup and passed by value; there are no process-wide singletons
// besides the cache handle and the provider registry.
type AppConfig struct {
	Listen    string
	LogLevel  string
	Debug     bool
	CachePath string
	Offline   bool

	// Providers, keyed by provider name (tvdb, tmdb, musicbrainz, omdb,
	// tvmaze, fanarttv).
	Providers map[string]ProviderConfig

	// LLM assist (Ollama-compatible endpoint).
	LLMBaseURL string
	LLMModel   string
	LLMTimeout time.Duration

	// Apply behaviour.
	LockTimeout       time.Duration
	CollisionStrategy string // skip | overwrite | backup

	// Planning.
	PlanParallelism int
	SearchBudget    time.Duration // total wall budget per provider search
}

// Load reads the configuration from the environment.
func Load() AppConfig {
	cfg := AppConfig{
		Listen:    ParseString("NAMEGNOME_LISTEN", ":8787"),
		LogLevel:  ParseString("NAMEGNOME_LOG_LEVEL", "info"),
		Debug:     ParseBool("NAMEGNOME_DEBUG", false),
		CachePath: ParseString("NAMEGNOME_CACHE_PATH", defaultCachePath()),
		Offline:   ParseBool("NAMEGNOME_OFFLINE", false),

		LLMBaseURL: ParseString("NAMEGNOME_OLLAMA_URL", "http://127.0.0.1:11434"),
		LLMModel:   ParseString("NAMEGNOME_LLM_MODEL", "llama3.2"),
		LLMTimeout: ParseDuration("NAMEGNOME_LLM_TIMEOUT", 30*time.Second),

		LockTimeout:       ParseDuration("NAMEGNOME_LOCK_TIMEOUT", 5*time.Second),
		CollisionStrategy: ParseString("NAMEGNOME_ON_COLLISION", "backup"),

		PlanParallelism: ParseInt("NAMEGNOME_PLAN_PARALLELISM", 4),
		SearchBudget:    ParseDuration("NAMEGNOME_SEARCH_BUDGET", 45*time.Second),

		Providers: map[string]ProviderConfig{},
	}

	for _, name := range []string{"tvdb", "tmdb", "musicbrainz", "omdb", "tvmaze", "fanarttv"} {
		cfg.Providers[name] = loadProvider(name)
	}
	return cfg
}

func loadProvider(name string) ProviderConfig {
	var key string
	switch name {
	case "tvdb":
		key = os.Getenv("TVDB_API_KEY")
	case "tmdb":
		key = os.Getenv("TMDB_API_KEY")
	case "omdb":
		key = os.Getenv("OMDB_API_KEY")
	case "fanarttv":
		key = os.Getenv("FANARTTV_API_KEY")
	}
	// MusicBrainz and TVmaze are keyless.

	prefix := "NAMEGNOME_" + upper(name)
	return ProviderConfig{
		APIKey:      key,
		MaxAttempts: ParseInt(prefix+"_MAX_ATTEMPTS", 3),
		BackoffBase: ParseDuration(prefix+"_BACKOFF_BASE", 500*time.Millisecond),
		RateLimit:   float64(ParseInt(prefix+"_RATE_LIMIT", defaultRate(name))),
		Burst:       ParseInt(prefix+"_BURST", 5),
		Timeout:     ParseDuration(prefix+"_TIMEOUT", 10*time.Second),
	}
}

// defaultRate returns requests-per-second defaults. MusicBrainz asks for at
// most one request per second from anonymous clients.
func defaultRate(name string) int {
	if name == "musicbrainz" {
		return 1
	}
	return 4
}

func defaultCachePath() string {
	return filepath.Join(".cache", "namegnome.db")
}

func upper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// Validate performs fail-fast checks. Offline mode relaxes the API key
// requirements since no outbound calls are made.
func (c AppConfig) Validate() error {
	var errs []error
	if !c.Offline {
		if c.Providers["tvdb"].APIKey == "" {
			errs = append(errs, errors.New("TVDB_API_KEY is required"))
		}
		if c.Providers["tmdb"].APIKey == "" {
			errs = append(errs, errors.New("TMDB_API_KEY is required"))
		}
	}
	switch c.CollisionStrategy {
	case "skip", "overwrite", "backup":
	default:
		errs = append(errs, fmt.Errorf("invalid collision strategy %q", c.CollisionStrategy))
	}
	if c.PlanParallelism < 1 {
		errs = append(errs, fmt.Errorf("plan parallelism must be >= 1, got %d", c.PlanParallelism))
	}
	if c.CachePath == "" {
		errs = append(errs, errors.New("cache path must not be empty"))
	}
	return errors.Join(errs...)
}
