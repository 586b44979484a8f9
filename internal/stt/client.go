// Package stt submits finalized audio records to the external batch
// speech-to-text service and normalizes its JSON responses into
// transcript segments with absolute timestamps.
//
// The service contract is a single multipart POST to {ASR_URL}/transcribe
// with a "file" field carrying WAV bytes. The response shape varies
// between backends; see [Normalize] for the accepted variants.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotConfigured is returned by Transcribe when no ASR URL is set.
var ErrNotConfigured = errors.New("stt: asr url not configured")

// Option customises a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Batch transcription of a
// long record can take minutes, so the default timeout is generous.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTempDir sets where intermediate WAV files are written. Default:
// the OS temp dir.
func WithTempDir(dir string) Option {
	return func(c *Client) { c.tempDir = dir }
}

// Client calls the batch STT service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	tempDir    string
}

// NewClient returns a client for the service at baseURL (without the
// /transcribe suffix).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
		log: slog.Default().With("component", "stt"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe writes the record's PCM as a WAV file, POSTs it to the
// service, and returns the decoded JSON payload. The temp file is
// removed before returning. Numbers are decoded as [json.Number] so
// integer millisecond offsets stay distinguishable from float seconds.
func (c *Client) Transcribe(ctx context.Context, sessionID string, recordID int64, pcm []byte, sampleRate, channels int) (map[string]any, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	wavPath, err := c.writeTempWAV(sessionID, recordID, pcm, sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("stt: write wav: %w", err)
	}
	defer c.removeTempWAV(wavPath)

	payload, err := c.post(ctx, wavPath)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) writeTempWAV(sessionID string, recordID int64, pcm []byte, sampleRate, channels int) (string, error) {
	dir := c.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "realtime_audio", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("record_%06d.wav", recordID))
	if err := os.WriteFile(path, EncodeWAV(pcm, sampleRate, channels), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Client) removeTempWAV(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Debug("temp wav cleanup failed", "path", path, "err", err)
	}
	// Remove the session dir when it emptied out.
	if dir := filepath.Dir(path); dir != "." {
		_ = os.Remove(dir)
	}
}

func (c *Client) post(ctx context.Context, wavPath string) (map[string]any, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("stt: open wav: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return nil, fmt.Errorf("stt: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("stt: copy wav into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("stt: finalize form: %w", err)
	}

	url := c.baseURL + "/transcribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stt: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("stt: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("stt: decode response: %w", err)
	}
	return payload, nil
}
