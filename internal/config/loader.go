package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLiveProviders lists the live session providers the binary can wire.
var ValidLiveProviders = []string{"gemini"}

// ValidTextgenProviders lists known any-llm-go provider names. Unknown names
// produce a warning rather than an error so third-party providers still work.
var ValidTextgenProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown YAML keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious-but-workable combinations are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Live session
	if cfg.Live.Provider == "" {
		errs = append(errs, errors.New("live.provider is required"))
	} else if !slices.Contains(ValidLiveProviders, cfg.Live.Provider) {
		errs = append(errs, fmt.Errorf("live.provider %q is invalid; valid values: %v", cfg.Live.Provider, ValidLiveProviders))
	}
	if cfg.Live.Keepalive < 0 {
		errs = append(errs, fmt.Errorf("live.keepalive %v must not be negative", cfg.Live.Keepalive))
	}
	if cfg.Live.APIKey != "" && cfg.Live.APIKeyEnv != "" {
		slog.Warn("both live.api_key and live.api_key_env are set; the literal api_key wins")
	}
	if cfg.Live.ResolveAPIKey() == "" {
		slog.Warn("no live API key configured; session start will be rejected by the service",
			"api_key_env", cfg.Live.APIKeyEnv)
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreMemory && cfg.Store.PostgresDSN != "" {
		slog.Warn("store.postgres_dsn is set but store.backend is memory; the DSN is ignored")
	}

	// Text generation
	if cfg.Textgen.Provider != "" && !slices.Contains(ValidTextgenProviders, cfg.Textgen.Provider) {
		slog.Warn("unknown textgen provider name — may be a typo or third-party provider",
			"name", cfg.Textgen.Provider,
			"known", ValidTextgenProviders,
		)
	}
	if cfg.Textgen.Provider != "" && cfg.Textgen.Model == "" {
		errs = append(errs, errors.New("textgen.model is required when textgen.provider is set"))
	}
	if cfg.Textgen.Titles && cfg.Textgen.Provider == "" {
		errs = append(errs, errors.New("textgen.titles requires textgen.provider to be configured"))
	}

	// Metrics
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics.enabled is true"))
	}

	return errors.Join(errs...)
}
