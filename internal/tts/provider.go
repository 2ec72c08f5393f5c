package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/httpclient"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/subtitle"
)

// Result is one synthesized utterance. Cues are optional; providers that
// return none get evenly spaced cues derived from the audio duration.
type Result struct {
	Audio  []byte
	Format string // audio container extension, "mp3" or "wav"
	Cues   []subtitle.Cue
}

// Provider turns text into speech. Implementations must be safe for
// concurrent use; the cache caps in-flight synthesis itself.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// HTTPProvider speaks to a synthesis service over HTTP: POST /synthesize
// with the request fields, JSON response carrying base64 audio and optional
// word-timed cues.
type HTTPProvider struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	log     *slog.Logger
}

// NewHTTPProvider builds the provider from config. The underlying client
// retries transient failures and trips its circuit breaker when the service
// stays down.
func NewHTTPProvider(cfg config.TTSConfig, log *slog.Logger) *HTTPProvider {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Logger = log.With("component", "tts-http")
	if cfg.Timeout > 0 {
		clientCfg.Timeout = cfg.Timeout
	}
	if cfg.RetryAttempts > 0 {
		clientCfg.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		clientCfg.RetryDelay = cfg.RetryDelay
	}

	return &HTTPProvider{
		client:  httpclient.New(clientCfg),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		log:     log.With("component", "tts-provider"),
	}
}

func (p *HTTPProvider) Name() string { return "http" }

// Available probes the service health endpoint.
func (p *HTTPProvider) Available(ctx context.Context) bool {
	if p.baseURL == "" {
		return false
	}
	resp, err := p.client.Get(ctx, p.baseURL+"/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type synthesizeRequest struct {
	Text          string  `json:"text"`
	Language      string  `json:"language,omitempty"`
	VoiceID       string  `json:"voice_id,omitempty"`
	VoiceSampleID string  `json:"voice_sample_id,omitempty"`
	Rate          float64 `json:"rate,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	Pitch         float64 `json:"pitch,omitempty"`
	APIKey        string  `json:"api_key,omitempty"`
}

type synthesizeResponse struct {
	Audio  string `json:"audio"` // base64
	Format string `json:"format"`
	Cues   []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"cues,omitempty"`
	Error string `json:"error,omitempty"`
}

// Synthesize posts the request and decodes the audio payload.
func (p *HTTPProvider) Synthesize(ctx context.Context, req Request) (*Result, error) {
	const op = "tts.synthesize"

	if strings.TrimSpace(req.Text) == "" {
		return nil, render.Errorf(render.KindInvalidInput, op, "empty synthesis text")
	}
	if p.baseURL == "" {
		return nil, render.Errorf(render.KindToolchainFailure, op, "no synthesis service configured")
	}

	body := synthesizeRequest{
		Text:          req.Text,
		Language:      req.Language,
		VoiceID:       req.VoiceID,
		VoiceSampleID: req.VoiceSampleID,
		Rate:          req.Rate,
		Volume:        req.Volume,
		Pitch:         req.Pitch,
		APIKey:        p.apiKey,
	}

	resp, err := p.client.PostJSON(ctx, p.baseURL+"/synthesize", body)
	if err != nil {
		return nil, render.E(render.KindToolchainFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, render.Errorf(render.KindToolchainFailure, op,
			"synthesis service returned %d", resp.StatusCode).
			WithDetail(strings.TrimSpace(string(tail)))
	}

	var decoded synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, render.E(render.KindToolchainFailure, op,
			fmt.Errorf("decoding synthesis response: %w", err))
	}
	if decoded.Error != "" {
		return nil, render.Errorf(render.KindToolchainFailure, op,
			"synthesis service error: %s", decoded.Error)
	}

	audio, err := base64.StdEncoding.DecodeString(decoded.Audio)
	if err != nil {
		return nil, render.E(render.KindToolchainFailure, op,
			fmt.Errorf("decoding audio payload: %w", err))
	}
	if len(audio) == 0 {
		return nil, render.Errorf(render.KindToolchainFailure, op, "synthesis returned no audio")
	}

	format := strings.ToLower(strings.TrimPrefix(decoded.Format, "."))
	if format != "wav" {
		format = "mp3"
	}

	result := &Result{Audio: audio, Format: format}
	for _, c := range decoded.Cues {
		if c.End <= c.Start || strings.TrimSpace(c.Text) == "" {
			continue
		}
		result.Cues = append(result.Cues, subtitle.Cue{Start: c.Start, End: c.End, Text: c.Text})
	}
	return result, nil
}
