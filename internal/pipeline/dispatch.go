package pipeline

import (
	"strings"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
	"github.com/khazad/mellon/internal/adapter/anthropic"
	"github.com/khazad/mellon/internal/adapter/gemini"
	"github.com/khazad/mellon/internal/adapter/openai"
)

// adapterFor picks the dialect adapter by provider identity. Dispatch is a
// case-insensitive substring match over name and base URL, not an explicit
// type field, so new OpenAI-compatible upstreams work without migration.
func (p *Pipeline) adapterFor(provider *gateway.Provider, apiKey string) adapter.Adapter {
	id := strings.ToLower(provider.Name + " " + provider.BaseURL)
	switch {
	case strings.Contains(id, "anthropic") || strings.Contains(id, "claude"):
		return anthropic.New(provider.BaseURL, apiKey, p.http)
	case strings.Contains(id, "gemini") || strings.Contains(id, "google") || strings.Contains(id, "googleapis.com"):
		return gemini.New(provider.BaseURL, apiKey, p.http)
	default:
		return openai.New(provider.BaseURL, apiKey, p.http)
	}
}
