// Package textgen provides the stateless request/response text-completion
// path, backed by github.com/mozilla-ai/any-llm-go, a unified multi-provider
// interface that supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, and more.
//
// Unlike the live session this path has no streaming and no scheduling: one
// prompt in, one string out. It serves the plain text chat mode and
// conversation title generation.
//
// Usage:
//
//	g, err := textgen.New("gemini", "gemini-2.0-flash", anyllmlib.WithAPIKey("..."))
//	reply, err := g.Complete(ctx, textgen.Request{Prompt: "Say hi."})
package textgen

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// Request describes one single-shot completion call.
type Request struct {
	// System is an optional system prompt prepended to the conversation.
	System string

	// Prompt is the user-side text to complete.
	Prompt string

	// MaxTokens caps the response length. 0 leaves the backend default.
	MaxTokens int

	// Temperature controls sampling randomness. 0 leaves the backend default.
	Temperature float64
}

// Generator performs single-shot text completions against one configured
// provider and model. It is safe for concurrent use.
type Generator struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Generator backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider
// falls back to its environment variable (OPENAI_API_KEY, GEMINI_API_KEY, …).
func New(providerName, model string, opts ...anyllmlib.Option) (*Generator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("textgen: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("textgen: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("textgen: create %q backend: %w", providerName, err)
	}

	return &Generator{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Complete performs one completion call and returns the response text.
func (g *Generator) Complete(ctx context.Context, req Request) (string, error) {
	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:    g.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := g.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("textgen: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("textgen: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
