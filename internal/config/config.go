package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the PromptForge server.
type Config struct {
	Port      int
	Version   string
	DataDir   string
	Providers ProviderConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
}

// ProviderConfig carries API keys and endpoint overrides. Keys come from the
// environment only; an empty key disables the live path for that provider.
type ProviderConfig struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	GroqKey      string

	OpenAIEndpoint    string
	AnthropicEndpoint string
	GoogleEndpoint    string
	GroqEndpoint      string
}

// PipelineConfig tunes run pacing and per-call limits.
type PipelineConfig struct {
	// StageDelay is the propagation pause between auto-mode stages.
	StageDelay time.Duration
	// TripleDelay spaces out evaluation calls to stay under rate limits.
	TripleDelay time.Duration
	// EvalTimeout bounds a single evaluator call.
	EvalTimeout time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PROMPTFORGE_PORT", 8080),
		Version: envStr("PROMPTFORGE_VERSION", "0.2.0"),
		DataDir: envStr("PROMPTFORGE_DATA_DIR", ""),
		Providers: ProviderConfig{
			OpenAIKey:    envStr("OPENAI_API_KEY", ""),
			AnthropicKey: envStr("ANTHROPIC_API_KEY", ""),
			GoogleKey:    envStr("GOOGLE_API_KEY", ""),
			GroqKey:      envStr("GROQ_API_KEY", ""),

			OpenAIEndpoint:    envStr("OPENAI_API_BASE", ""),
			AnthropicEndpoint: envStr("ANTHROPIC_API_BASE", ""),
			GoogleEndpoint:    envStr("GOOGLE_API_BASE", ""),
			GroqEndpoint:      envStr("GROQ_API_BASE", ""),
		},
		Pipeline: PipelineConfig{
			StageDelay:  envDuration("PROMPTFORGE_STAGE_DELAY", 500*time.Millisecond),
			TripleDelay: envDuration("PROMPTFORGE_TRIPLE_DELAY", 300*time.Millisecond),
			EvalTimeout: envDuration("PROMPTFORGE_EVAL_TIMEOUT", 15*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "promptforge"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
