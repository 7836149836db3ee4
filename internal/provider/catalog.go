package provider

import "github.com/promptforge/promptforge/pkg/models"

// Catalog lists the selectable models per provider, first entry first. The
// first entry is what a ModelConfig falls back to when the provider changes.
var Catalog = map[models.Provider][]string{
	models.ProviderOpenAI: {
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	},
	models.ProviderAnthropic: {
		"claude-3-5-haiku-20241022",
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
	},
	models.ProviderGoogle: {
		"gemini-1.5-flash",
		"gemini-1.5-pro",
		"gemini-2.0-flash",
	},
	models.ProviderGroq: {
		"llama-3.1-8b-instant",
		"llama-3.3-70b-versatile",
		"mixtral-8x7b-32768",
	},
}

// ModelsFor returns the catalog entry for a provider, empty for unknown ones.
func ModelsFor(p models.Provider) []string {
	return append([]string(nil), Catalog[p]...)
}

// Known cost per 1K tokens (USD) — sensible defaults
var defaultCosts = map[string]map[string]float64{
	"gpt-4o":                    {"input": 0.0025, "output": 0.01},
	"gpt-4o-mini":               {"input": 0.00015, "output": 0.0006},
	"gpt-4-turbo":               {"input": 0.01, "output": 0.03},
	"gpt-3.5-turbo":             {"input": 0.0005, "output": 0.0015},
	"claude-sonnet-4-20250514":  {"input": 0.003, "output": 0.015},
	"claude-3-5-haiku-20241022": {"input": 0.001, "output": 0.005},
	"claude-opus-4-20250514":    {"input": 0.015, "output": 0.075},
	"gemini-1.5-flash":          {"input": 0.000075, "output": 0.0003},
	"gemini-1.5-pro":            {"input": 0.00125, "output": 0.005},
	"gemini-2.0-flash":          {"input": 0.0001, "output": 0.0004},
	"llama-3.1-8b-instant":      {"input": 0.00005, "output": 0.00008},
	"llama-3.3-70b-versatile":   {"input": 0.00059, "output": 0.00079},
	"mixtral-8x7b-32768":        {"input": 0.00024, "output": 0.00024},
}

func modelCost(model, direction string) float64 {
	if costs, ok := defaultCosts[model]; ok {
		return costs[direction]
	}
	return 0.001 // generic fallback
}
