package config_test

import (
	"strings"
	"testing"

	"github.com/lucasvandyk/recapd/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BindAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Pipeline.RecordMs != 30_000 || cfg.Pipeline.WindowMs != 120_000 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.WindowStrideMs() != 105_000 {
		t.Errorf("stride = %d", cfg.Pipeline.WindowStrideMs())
	}
	if cfg.Storage.PresignTTLSeconds != 86_400 {
		t.Errorf("presign ttl = %d", cfg.Storage.PresignTTLSeconds)
	}
	if cfg.Pipeline.AudioFormat.SampleRateHz != 16_000 {
		t.Errorf("audio format = %+v", cfg.Pipeline.AudioFormat)
	}
}

func TestLoadPartialDocument(t *testing.T) {
	doc := `
server:
  bind_addr: ":9090"
  log_level: debug
pipeline:
  record_ms: 10000
asr:
  url: http://stt.local
`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BindAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Pipeline.RecordMs != 10_000 {
		t.Errorf("record_ms = %d", cfg.Pipeline.RecordMs)
	}
	// Untouched knobs keep their defaults.
	if cfg.Pipeline.WindowMs != 120_000 || cfg.Pipeline.DHashThreshold != 16 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.ASR.URL != "http://stt.local" {
		t.Errorf("asr url = %q", cfg.ASR.URL)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := config.LoadFromReader(strings.NewReader("serverz: {}\n")); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECORD_MS", "5000")
	t.Setenv("SSIM_THRESHOLD", "0.8")
	t.Setenv("INGEST_TOKEN_SECRET", "s3cret")

	cfg, err := config.LoadFromReader(strings.NewReader("pipeline:\n  record_ms: 10000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.RecordMs != 5_000 {
		t.Errorf("record_ms = %d, want env override", cfg.Pipeline.RecordMs)
	}
	if cfg.Pipeline.SsimThreshold != 0.8 {
		t.Errorf("ssim = %v", cfg.Pipeline.SsimThreshold)
	}
	if cfg.Auth.IngestTokenSecret != "s3cret" {
		t.Errorf("secret = %q", cfg.Auth.IngestTokenSecret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	doc := `
server:
  log_level: loud
pipeline:
  window_ms: 10000
  window_overlap_ms: 10000
`
	_, err := config.LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "window_overlap_ms") {
		t.Errorf("joined error = %q", msg)
	}
}
