package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts": {"openai"},
}

// APIKeyEnv maps provider names to the environment variable consulted by
// [ApplyEnv] when a provider entry carries no api_key.
var APIKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. The process environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyEnv fills empty provider API keys from the environment variables named
// in [APIKeyEnv]. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" {
			return
		}
		name, ok := APIKeyEnv[e.Name]
		if !ok {
			return
		}
		if v, ok := lookup(name); ok {
			e.APIKey = v
		}
	}
	fill(&cfg.Providers.TTS)
	for i := range cfg.Providers.TTSFallbacks {
		fill(&cfg.Providers.TTSFallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateProvider("providers.tts", cfg.Providers.TTS)...)
	for i, fb := range cfg.Providers.TTSFallbacks {
		prefix := fmt.Sprintf("providers.tts_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateProvider(prefix, fb)...)
	}

	// Speech
	if cfg.Speech.MaxChunkGraphemes < 0 {
		errs = append(errs, fmt.Errorf("speech.max_chunk_graphemes %d must be positive", cfg.Speech.MaxChunkGraphemes))
	}
	if cfg.Speech.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("speech.max_parallel %d must not be negative", cfg.Speech.MaxParallel))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", cfg.Resilience.HalfOpenMax))
	}

	// Journal availability
	if cfg.Journal.PostgresDSN == "" {
		slog.Warn("journal.postgres_dsn is empty; request history is kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProvider checks the provider-specific options understood by the
// built-in providers and warns about unknown provider names.
func validateProvider(prefix string, e ProviderEntry) []error {
	var errs []error
	validateProviderName("tts", e.Name)
	if e.Name != "" && e.APIKey == "" {
		slog.Warn("provider has no api_key; synthesis requests will fail", "provider", prefix, "name", e.Name)
	}
	if v, ok := e.Options["timeout"]; ok {
		if _, err := OptionDuration(e.Options, "timeout"); err != nil {
			errs = append(errs, fmt.Errorf("%s.options.timeout %v: %w", prefix, v, err))
		}
	}
	if v, ok := e.Options["response_format"]; ok {
		if _, isString := v.(string); !isString {
			errs = append(errs, fmt.Errorf("%s.options.response_format must be a string, got %T", prefix, v))
		}
	}
	return errs
}

// OptionDuration reads a duration option such as "30s" from opts. A missing
// key yields zero and no error.
func OptionDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected a duration string, got %T", v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

// OptionString reads a string option from opts, returning "" when absent.
func OptionString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
