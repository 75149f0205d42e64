package translation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

const (
	DefaultTranslateModel = "gemini-2.5-flash"
	DefaultSpeechModel    = "gemini-2.5-flash-preview-tts"
	DefaultVoice          = "Kore"
)

// contentGenerator is the subset of genai.Models used here
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig contains request/response adapter configuration
type GeminiConfig struct {
	APIKey         string
	TranslateModel string
	SpeechModel    string
	Voice          string
	Timeout        time.Duration // per call
	MaxConcurrent  int
}

// caller bounds concurrency and duration of model calls and keeps stats
type caller struct {
	models    contentGenerator
	timeout   time.Duration
	semaphore chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// CallerStats represents model call statistics
type CallerStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

func newCaller(models contentGenerator, timeout time.Duration, maxConcurrent int) *caller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &caller{
		models:    models,
		timeout:   timeout,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

func (c *caller) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	resp, err := c.models.GenerateContent(callCtx, model, contents, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failedRequests++
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%s call timed out after %s: %w", model, c.timeout, err)
		}
		return nil, fmt.Errorf("%s call failed: %w", model, err)
	}
	c.successRequests++
	elapsed := time.Since(start)
	if c.avgResponseTime == 0 {
		c.avgResponseTime = elapsed
	} else {
		c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
	}
	return resp, nil
}

// GetStats returns current call statistics
func (c *caller) GetStats() CallerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return CallerStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// NewGeminiClient creates the genai client shared by the request/response adapters
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GeminiTranslator translates sentences with a text model
type GeminiTranslator struct {
	*caller
	model string
}

// NewGeminiTranslator creates a translator on top of client.Models
func NewGeminiTranslator(client *genai.Client, config GeminiConfig) *GeminiTranslator {
	return newGeminiTranslator(client.Models, config)
}

func newGeminiTranslator(models contentGenerator, config GeminiConfig) *GeminiTranslator {
	model := config.TranslateModel
	if model == "" {
		model = DefaultTranslateModel
	}
	return &GeminiTranslator{
		caller: newCaller(models, config.Timeout, config.MaxConcurrent),
		model:  model,
	}
}

// Translate returns the translation of text
func (t *GeminiTranslator) Translate(ctx context.Context, text string, langs Languages) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(fmt.Sprintf(
			"Translate the user's text from %s into %s. Reply with the translation only.",
			langs.Source, langs.Target))}},
		Temperature: genai.Ptr[float32](0.2),
	}

	resp, err := t.generate(ctx, t.model, genai.Text(text), cfg)
	if err != nil {
		return "", err
	}
	translated := strings.TrimSpace(resp.Text())
	if translated == "" {
		return "", fmt.Errorf("%s returned an empty translation", t.model)
	}
	return translated, nil
}

// GeminiSynthesizer renders speech with a TTS model
type GeminiSynthesizer struct {
	*caller
	model string
	voice string
}

// NewGeminiSynthesizer creates a synthesizer on top of client.Models
func NewGeminiSynthesizer(client *genai.Client, config GeminiConfig) *GeminiSynthesizer {
	return newGeminiSynthesizer(client.Models, config)
}

func newGeminiSynthesizer(models contentGenerator, config GeminiConfig) *GeminiSynthesizer {
	model := config.SpeechModel
	if model == "" {
		model = DefaultSpeechModel
	}
	voice := config.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	return &GeminiSynthesizer{
		caller: newCaller(models, config.Timeout, config.MaxConcurrent),
		model:  model,
		voice:  voice,
	}
}

// Synthesize returns PCM16 mono speech for text
func (s *GeminiSynthesizer) Synthesize(ctx context.Context, text string, language string) ([]byte, int, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	resp, err := s.generate(ctx, s.model, genai.Text(text), cfg)
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, 0, fmt.Errorf("%s returned no candidates", s.model)
	}

	var (
		pcm  []byte
		rate = protocol.OutputSampleRate
	)
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		pcm = append(pcm, part.InlineData.Data...)
		if r := mimeRate(part.InlineData.MIMEType); r > 0 {
			rate = r
		}
	}
	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("%s returned no audio", s.model)
	}
	return pcm, rate, nil
}

// mimeRate extracts rate=N from a MIME type like "audio/L16;codec=pcm;rate=24000"
func mimeRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if rate, err := strconv.Atoi(value); err == nil {
				return rate
			}
		}
	}
	return 0
}
