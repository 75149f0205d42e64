package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend modes
const (
	ModeLive      = "live"      // one speech-to-speech session does everything
	ModeDecoupled = "decoupled" // live transcription, per-sentence translate and synthesize
)

// APIKeyEnv is read for the backend key when the file does not set one
const APIKeyEnv = "GEMINI_API_KEY"

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Relay   RelayConfig   `yaml:"relay" json:"relay"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Audio   AudioConfig   `yaml:"audio" json:"audio"`
	Speaker SpeakerConfig `yaml:"speaker" json:"speaker"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Address         string `yaml:"address" json:"address"`
	Port            int    `yaml:"port" json:"port"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`         // seconds, handshake and control calls
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
}

// RelayConfig contains room relay configuration
type RelayConfig struct {
	RoomTTL         int `yaml:"room_ttl" json:"room_ttl"`                 // seconds, fixed at creation
	CleanupInterval int `yaml:"cleanup_interval" json:"cleanup_interval"` // seconds
	MaxRooms        int `yaml:"max_rooms" json:"max_rooms"`
	MaxMessageBytes int `yaml:"max_message_bytes" json:"max_message_bytes"`
	ListenerQueue   int `yaml:"listener_queue" json:"listener_queue"`
	WriteTimeout    int `yaml:"write_timeout" json:"write_timeout"` // seconds
	PingInterval    int `yaml:"ping_interval" json:"ping_interval"` // seconds
}

// BackendConfig contains translation backend configuration
type BackendConfig struct {
	Mode           string `yaml:"mode" json:"mode"`
	APIKey         string `yaml:"api_key" json:"api_key"` // short-lived token, usually ${ENV}
	APIVersion     string `yaml:"api_version" json:"api_version"`
	LiveModel      string `yaml:"live_model" json:"live_model"`
	TranslateModel string `yaml:"translate_model" json:"translate_model"`
	SpeechModel    string `yaml:"speech_model" json:"speech_model"`
	Voice          string `yaml:"voice" json:"voice"`
	ConnectTimeout int    `yaml:"connect_timeout" json:"connect_timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	CallTimeout    int    `yaml:"call_timeout" json:"call_timeout"` // seconds, per decoupled unit
	MaxConcurrent  int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// AudioConfig contains capture and framing parameters
type AudioConfig struct {
	CaptureSampleRate int `yaml:"capture_sample_rate" json:"capture_sample_rate"` // resampled to 16 kHz
	FrameDuration     int `yaml:"frame_duration" json:"frame_duration"`           // milliseconds
	ChunkDuration     int `yaml:"chunk_duration" json:"chunk_duration"`           // milliseconds, decoupled output
}

// SpeakerConfig contains streaming session parameters
type SpeakerConfig struct {
	RelayURL         string  `yaml:"relay_url" json:"relay_url"`
	SourceLanguage   string  `yaml:"source_language" json:"source_language"`
	TargetLanguage   string  `yaml:"target_language" json:"target_language"`
	StartSensitivity string  `yaml:"start_sensitivity" json:"start_sensitivity"`
	EndSensitivity   string  `yaml:"end_sensitivity" json:"end_sensitivity"`
	SilenceDuration  int     `yaml:"silence_duration" json:"silence_duration"` // milliseconds, 0 for backend default
	IdleTimeout      int     `yaml:"idle_timeout" json:"idle_timeout"`         // seconds without speech
	QueueSize        int     `yaml:"queue_size" json:"queue_size"`
	VADThreshold     float32 `yaml:"vad_threshold" json:"vad_threshold"`
	VADSmoothing     float32 `yaml:"vad_smoothing" json:"vad_smoothing"`
	Instruction      string  `yaml:"instruction" json:"instruction"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns a complete, valid configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			ShutdownTimeout: 10,
		},
		Relay: RelayConfig{
			RoomTTL:         4 * 60 * 60,
			CleanupInterval: 30,
			MaxRooms:        1000,
			MaxMessageBytes: 256 * 1024,
			ListenerQueue:   256,
			WriteTimeout:    10,
			PingInterval:    30,
		},
		Backend: BackendConfig{
			Mode:           ModeLive,
			APIKey:         os.Getenv(APIKeyEnv),
			APIVersion:     "v1alpha",
			ConnectTimeout: 10,
			MaxRetries:     2,
			CallTimeout:    30,
			MaxConcurrent:  4,
		},
		Audio: AudioConfig{
			CaptureSampleRate: 16000,
			FrameDuration:     100,
			ChunkDuration:     500,
		},
		Speaker: SpeakerConfig{
			RelayURL:         "http://localhost:8080",
			SourceLanguage:   "en",
			TargetLanguage:   "fr",
			StartSensitivity: "high",
			EndSensitivity:   "low",
			IdleTimeout:      300,
			QueueSize:        16,
			VADThreshold:     0.05,
			VADSmoothing:     0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file, expands environment references and
// overlays it on the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML configuration data on top of Default
func Parse(data []byte) (*Config, error) {
	config := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs validation of every section. The backend key is only
// checked by the commands that need one.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Speaker.Validate(); err != nil {
		return fmt.Errorf("speaker config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Sanitized returns a copy that is safe to expose over HTTP
func (c *Config) Sanitized() Config {
	clean := *c
	if clean.Backend.APIKey != "" {
		clean.Backend.APIKey = "[REDACTED]"
	}
	return clean
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.RoomTTL < 60 {
		return fmt.Errorf("room_ttl must be at least 60 seconds, got %d", r.RoomTTL)
	}

	if r.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", r.CleanupInterval)
	}

	if r.MaxRooms < 0 {
		return fmt.Errorf("max_rooms cannot be negative, got %d", r.MaxRooms)
	}

	if r.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", r.MaxMessageBytes)
	}

	if r.ListenerQueue < 1 {
		return fmt.Errorf("listener_queue must be at least 1, got %d", r.ListenerQueue)
	}

	if r.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", r.WriteTimeout)
	}

	if r.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", r.PingInterval)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.Mode != ModeLive && b.Mode != ModeDecoupled {
		return fmt.Errorf("mode must be '%s' or '%s', got '%s'", ModeLive, ModeDecoupled, b.Mode)
	}

	if b.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", b.ConnectTimeout)
	}

	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", b.MaxRetries)
	}

	if b.CallTimeout < 1 {
		return fmt.Errorf("call_timeout must be at least 1 second, got %d", b.CallTimeout)
	}

	if b.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", b.MaxConcurrent)
	}

	return nil
}

// RequireKey reports a missing backend credential
func (b *BackendConfig) RequireKey() error {
	if b.APIKey == "" || strings.HasPrefix(b.APIKey, "${") {
		return fmt.Errorf("backend api_key is not set (provide it through the environment)")
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.CaptureSampleRate < 8000 || a.CaptureSampleRate > 96000 {
		return fmt.Errorf("capture_sample_rate must be between 8000 and 96000 Hz, got %d", a.CaptureSampleRate)
	}

	if a.FrameDuration < 20 || a.FrameDuration > 1000 {
		return fmt.Errorf("frame_duration must be between 20 and 1000 ms, got %d", a.FrameDuration)
	}

	if a.ChunkDuration < 20 {
		return fmt.Errorf("chunk_duration must be at least 20 ms, got %d", a.ChunkDuration)
	}

	return nil
}

// Validate validates speaker configuration
func (s *SpeakerConfig) Validate() error {
	if s.SourceLanguage == "" || s.TargetLanguage == "" {
		return fmt.Errorf("source_language and target_language are required")
	}

	if s.SourceLanguage == s.TargetLanguage {
		return fmt.Errorf("source and target language are both '%s'", s.SourceLanguage)
	}

	validSensitivities := map[string]bool{"": true, "low": true, "high": true}
	if !validSensitivities[s.StartSensitivity] {
		return fmt.Errorf("start_sensitivity must be 'low' or 'high', got '%s'", s.StartSensitivity)
	}
	if !validSensitivities[s.EndSensitivity] {
		return fmt.Errorf("end_sensitivity must be 'low' or 'high', got '%s'", s.EndSensitivity)
	}

	if s.SilenceDuration < 0 {
		return fmt.Errorf("silence_duration cannot be negative, got %d", s.SilenceDuration)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", s.VADThreshold)
	}

	if s.VADSmoothing < 0 || s.VADSmoothing >= 1 {
		return fmt.Errorf("vad_smoothing must be between 0 and 1 (exclusive), got %f", s.VADSmoothing)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'console', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetRoomTTLDuration returns the room lifetime as a time.Duration
func (r *RelayConfig) GetRoomTTLDuration() time.Duration {
	return time.Duration(r.RoomTTL) * time.Second
}

// GetCleanupIntervalDuration returns the expiry sweep interval as a time.Duration
func (r *RelayConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// GetWriteTimeoutDuration returns the websocket write timeout as a time.Duration
func (r *RelayConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(r.WriteTimeout) * time.Second
}

// GetPingIntervalDuration returns the keepalive interval as a time.Duration
func (r *RelayConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(r.PingInterval) * time.Second
}

// GetConnectTimeoutDuration returns the backend connect timeout as a time.Duration
func (b *BackendConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// GetCallTimeoutDuration returns the per-unit call timeout as a time.Duration
func (b *BackendConfig) GetCallTimeoutDuration() time.Duration {
	return time.Duration(b.CallTimeout) * time.Second
}

// GetFrameDuration returns the capture frame length as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameDuration) * time.Millisecond
}

// GetChunkDuration returns the synthesized chunk length as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDuration) * time.Millisecond
}

// GetSilenceDuration returns the end-of-turn silence as a time.Duration
func (s *SpeakerConfig) GetSilenceDuration() time.Duration {
	return time.Duration(s.SilenceDuration) * time.Millisecond
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *SpeakerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}
