// Package config defines the recapd YAML configuration schema, loading,
// environment overrides, and validation.
//
// A config file describes the server surface, the realtime pipeline
// tunables, the external STT endpoint, LLM and embedding providers,
// object storage, and Postgres persistence. Every pipeline knob can be
// overridden by an environment variable so deployments can tune
// rotation and detection behavior without editing the file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// LogLevel is a validated slog level name.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the known names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	ASR       ASRConfig       `yaml:"asr"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig covers the HTTP/websocket surface.
type ServerConfig struct {
	// BindAddr is the listen address, e.g. ":8080".
	BindAddr string `yaml:"bind_addr"`

	// LogLevel selects the slog level. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// FilesDir is the root for locally stored uploads and captures.
	// Default: "./uploaded_files". Served under /files/.
	FilesDir string `yaml:"files_dir"`
}

// PipelineConfig holds the realtime pipeline tunables. All durations
// are in milliseconds. Zero values are replaced by the defaults from
// [DefaultPipeline].
type PipelineConfig struct {
	RecordMs        int64   `yaml:"record_ms"`
	WindowMs        int64   `yaml:"window_ms"`
	WindowOverlapMs int64   `yaml:"window_overlap_ms"`
	VideoSampleMs   int64   `yaml:"video_sample_ms"`
	DHashThreshold  int     `yaml:"dhash_threshold"`
	CandidateTicks  int     `yaml:"candidate_ticks"`
	SsimThreshold   float64 `yaml:"ssim_threshold"`
	CooldownMs      int64   `yaml:"cooldown_ms"`
	CaptureWidth    int     `yaml:"capture_width"`
	CaptureHeight   int     `yaml:"capture_height"`
	DetectionWidth  int     `yaml:"detection_width"`
	DetectionHeight int     `yaml:"detection_height"`

	// AudioFormat is the expected ingest format. Defaults to 16 kHz
	// mono pcm_s16le.
	AudioFormat types.AudioFormat `yaml:"audio_format"`
}

// WindowStrideMs is the distance between successive window starts.
func (p PipelineConfig) WindowStrideMs() int64 {
	return p.WindowMs - p.WindowOverlapMs
}

// DefaultPipeline returns the pipeline defaults: 30 s records, 120 s
// windows with 15 s overlap, 1 s video sampling, dHash threshold 16
// with two candidate ticks, SSIM threshold 0.90, 2 s cooldown, 960x540
// captures and 320x180 detection frames.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		RecordMs:        30_000,
		WindowMs:        120_000,
		WindowOverlapMs: 15_000,
		VideoSampleMs:   1_000,
		DHashThreshold:  16,
		CandidateTicks:  2,
		SsimThreshold:   0.90,
		CooldownMs:      2_000,
		CaptureWidth:    960,
		CaptureHeight:   540,
		DetectionWidth:  320,
		DetectionHeight: 180,
		AudioFormat:     types.DefaultAudioFormat(),
	}
}

// ASRConfig points at the external batch speech-to-text service.
type ASRConfig struct {
	// URL is the base URL of the STT service; records are POSTed to
	// {URL}/transcribe as multipart WAV.
	URL string `yaml:"url"`
}

// ProviderEntry configures one model provider.
type ProviderEntry struct {
	// Name selects the backend, e.g. "openai", "anthropic", "ollama".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. May also come from the
	// provider's own environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (self-hosted gateways).
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier, e.g. "gpt-4o-mini".
	Model string `yaml:"model"`

	// Options carries provider-specific extras.
	Options map[string]any `yaml:"options"`
}

// ProvidersConfig groups the model providers.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`

	// WebSearchURL is the optional Tier-2 web search endpoint. Empty
	// disables the web tier even after approval.
	WebSearchURL string `yaml:"web_search_url"`
}

// StorageConfig configures the S3-compatible object store for captured
// frames. When Bucket is empty, captures go to the local filesystem.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// PresignTTLSeconds is the lifetime of presigned GET URLs.
	// Default: 86400.
	PresignTTLSeconds int `yaml:"presign_ttl_seconds"`
}

// Configured reports whether object storage should be used.
func (s StorageConfig) Configured() bool { return s.Bucket != "" }

// PostgresConfig configures the persistence adapter.
type PostgresConfig struct {
	// DSN is the pgx connection string. Empty disables persistence;
	// the pipeline then runs purely in memory.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions is the pgvector column width for document
	// chunks. Default: 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// AuthConfig holds the ingest token secret.
type AuthConfig struct {
	// IngestTokenSecret signs per-session connection tokens. Empty
	// disables the token check (development only).
	IngestTokenSecret string `yaml:"ingest_token_secret"`
}

// ApplyEnvOverrides replaces config values with their environment
// counterparts where set. Unparseable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	envInt64(&cfg.Pipeline.RecordMs, "RECORD_MS")
	envInt64(&cfg.Pipeline.WindowMs, "WINDOW_MS")
	envInt64(&cfg.Pipeline.WindowOverlapMs, "WINDOW_OVERLAP_MS")
	envInt64(&cfg.Pipeline.VideoSampleMs, "VIDEO_SAMPLE_MS")
	envInt(&cfg.Pipeline.DHashThreshold, "DHASH_THRESHOLD")
	envInt(&cfg.Pipeline.CandidateTicks, "CANDIDATE_TICKS")
	envFloat(&cfg.Pipeline.SsimThreshold, "SSIM_THRESHOLD")
	envInt64(&cfg.Pipeline.CooldownMs, "COOLDOWN_MS")
	envInt(&cfg.Pipeline.CaptureWidth, "CAPTURE_WIDTH")
	envInt(&cfg.Pipeline.CaptureHeight, "CAPTURE_HEIGHT")
	envInt(&cfg.Pipeline.DetectionWidth, "DETECTION_WIDTH")
	envInt(&cfg.Pipeline.DetectionHeight, "DETECTION_HEIGHT")
	envString(&cfg.ASR.URL, "ASR_URL")
	envString(&cfg.Postgres.DSN, "POSTGRES_DSN")
	envString(&cfg.Auth.IngestTokenSecret, "INGEST_TOKEN_SECRET")
	envString(&cfg.Providers.LLM.APIKey, "LLM_API_KEY")
	envString(&cfg.Providers.Embeddings.APIKey, "EMBEDDINGS_API_KEY")
	envString(&cfg.Storage.AccessKeyID, "STORAGE_ACCESS_KEY_ID")
	envString(&cfg.Storage.SecretAccessKey, "STORAGE_SECRET_ACCESS_KEY")
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
