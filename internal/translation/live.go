package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// DefaultLiveModel is the native-audio Live model used when none is configured
const DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// inputMIMEType declares the outbound audio format
var inputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", protocol.InputSampleRate)

// LiveConfig contains Gemini Live connection parameters
type LiveConfig struct {
	APIKey     string // ephemeral auth token or API key
	Model      string
	Voice      string // prebuilt voice name, empty for the model default
	APIVersion string // v1alpha is required for ephemeral tokens
}

// LiveBackend opens Gemini Live sessions
type LiveBackend struct {
	client *genai.Client
	config LiveConfig
}

// NewLiveBackend creates a Gemini Live client
func NewLiveBackend(ctx context.Context, config LiveConfig) (*LiveBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = DefaultLiveModel
	}
	if config.APIVersion == "" {
		config.APIVersion = "v1alpha"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: config.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &LiveBackend{client: client, config: config}, nil
}

// Connect opens a session and waits for the backend to acknowledge setup.
// The underlying dial does not observe ctx; Dialer enforces the deadline.
func (b *LiveBackend) Connect(ctx context.Context, setup Setup) (Conn, error) {
	session, err := b.client.Live.Connect(ctx, b.config.Model, liveConnectConfig(setup, b.config.Voice))
	if err != nil {
		return nil, fmt.Errorf("live connect failed: %w", err)
	}

	for {
		msg, err := session.Receive()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("live setup failed: %w", err)
		}
		if msg.SetupComplete != nil {
			break
		}
	}

	return &liveConn{session: session}, nil
}

// liveConnectConfig declares audio output, transcription of both sides and
// backend-side activity detection
func liveConnectConfig(setup Setup, voice string) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(setup.SystemInstruction())}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	detection := &genai.AutomaticActivityDetection{}
	switch setup.StartSensitivity {
	case SensitivityHigh:
		detection.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	case SensitivityLow:
		detection.StartOfSpeechSensitivity = genai.StartSensitivityLow
	}
	switch setup.EndSensitivity {
	case SensitivityHigh:
		detection.EndOfSpeechSensitivity = genai.EndSensitivityHigh
	case SensitivityLow:
		detection.EndOfSpeechSensitivity = genai.EndSensitivityLow
	}
	if setup.SilenceDuration > 0 {
		detection.SilenceDurationMs = genai.Ptr(int32(setup.SilenceDuration.Milliseconds()))
	}
	cfg.RealtimeInputConfig = &genai.RealtimeInputConfig{AutomaticActivityDetection: detection}

	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return cfg
}

// convertServerMessage maps a Live message to the backend-neutral form
func convertServerMessage(msg *genai.LiveServerMessage) *Message {
	out := &Message{}
	if msg.GoAway != nil {
		out.GoAway = true
		out.TimeLeft = msg.GoAway.TimeLeft
	}

	content := msg.ServerContent
	if content == nil {
		return out
	}

	if t := content.InputTranscription; t != nil {
		out.InputTranscript = &Transcript{Text: t.Text, Finished: t.Finished}
	}
	if t := content.OutputTranscription; t != nil {
		out.OutputTranscript = &Transcript{Text: t.Text, Finished: t.Finished}
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			if strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				out.Audio = append(out.Audio, part.InlineData.Data...)
			}
		}
	}
	out.Interrupted = content.Interrupted
	out.TurnComplete = content.TurnComplete
	return out
}

// liveConn adapts a genai Live session to Conn
type liveConn struct {
	session *genai.Session
}

func (c *liveConn) SendAudio(pcm []byte) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: inputMIMEType, Data: pcm},
	})
}

func (c *liveConn) Receive() (*Message, error) {
	msg, err := c.session.Receive()
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("live session returned an empty message")
	}
	return convertServerMessage(msg), nil
}

func (c *liveConn) Close() error {
	return c.session.Close()
}
