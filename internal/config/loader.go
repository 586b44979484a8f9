package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the provider names the LLM factory accepts.
var ValidLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock",
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing path yields a
// default config driven entirely by environment variables.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := defaultConfig()
		ApplyEnvOverrides(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

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

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: ":8080",
			LogLevel: LogInfo,
			FilesDir: "./uploaded_files",
		},
		Pipeline: DefaultPipeline(),
		Storage:  StorageConfig{PresignTTLSeconds: 86_400},
		Postgres: PostgresConfig{EmbeddingDimensions: 1536},
	}
}

// applyDefaults fills zero values left by a partial YAML document.
func applyDefaults(cfg *Config) {
	def := DefaultPipeline()
	p := &cfg.Pipeline
	if p.RecordMs <= 0 {
		p.RecordMs = def.RecordMs
	}
	if p.WindowMs <= 0 {
		p.WindowMs = def.WindowMs
	}
	if p.WindowOverlapMs <= 0 {
		p.WindowOverlapMs = def.WindowOverlapMs
	}
	if p.VideoSampleMs <= 0 {
		p.VideoSampleMs = def.VideoSampleMs
	}
	if p.DHashThreshold <= 0 {
		p.DHashThreshold = def.DHashThreshold
	}
	if p.CandidateTicks <= 0 {
		p.CandidateTicks = def.CandidateTicks
	}
	if p.SsimThreshold <= 0 {
		p.SsimThreshold = def.SsimThreshold
	}
	if p.CooldownMs < 0 {
		p.CooldownMs = def.CooldownMs
	}
	if p.CaptureWidth < 160 {
		p.CaptureWidth = def.CaptureWidth
	}
	if p.CaptureHeight < 90 {
		p.CaptureHeight = def.CaptureHeight
	}
	if p.DetectionWidth < 64 {
		p.DetectionWidth = def.DetectionWidth
	}
	if p.DetectionHeight < 36 {
		p.DetectionHeight = def.DetectionHeight
	}
	if p.AudioFormat.Codec == "" {
		p.AudioFormat = def.AudioFormat
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.FilesDir == "" {
		cfg.Server.FilesDir = "./uploaded_files"
	}
	if cfg.Storage.PresignTTLSeconds <= 0 {
		cfg.Storage.PresignTTLSeconds = 86_400
	}
	if cfg.Postgres.EmbeddingDimensions <= 0 {
		cfg.Postgres.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values. It
// returns a joined error listing all failures found and logs warnings
// for configurations that are legal but degrade functionality.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Pipeline.WindowOverlapMs >= cfg.Pipeline.WindowMs {
		errs = append(errs, fmt.Errorf("pipeline.window_overlap_ms (%d) must be smaller than pipeline.window_ms (%d)", cfg.Pipeline.WindowOverlapMs, cfg.Pipeline.WindowMs))
	}
	if cfg.Pipeline.SsimThreshold <= 0 || cfg.Pipeline.SsimThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.ssim_threshold %v must be in (0, 1]", cfg.Pipeline.SsimThreshold))
	}
	if name := cfg.Providers.LLM.Name; name != "" && !contains(ValidLLMProviders, name) {
		slog.Warn("unrecognised llm provider name", "name", name)
	}

	if cfg.ASR.URL == "" {
		slog.Warn("asr.url is empty; transcript records will carry asr errors")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; recaps will use the deterministic fallback")
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; sessions will not survive restarts and frontend replay is disabled")
	}
	if cfg.Auth.IngestTokenSecret == "" {
		slog.Warn("auth.ingest_token_secret is empty; websocket connections are unauthenticated")
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
