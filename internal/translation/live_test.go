package translation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestLiveConnectConfig(t *testing.T) {
	setup := Setup{
		Languages:        Languages{Source: "en", Target: "fr"},
		StartSensitivity: SensitivityHigh,
		EndSensitivity:   SensitivityLow,
		SilenceDuration:  800 * time.Millisecond,
	}

	cfg := liveConnectConfig(setup, "Puck")

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("Expected audio modality, got %v", cfg.ResponseModalities)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Error("Expected transcription of both input and output")
	}

	detection := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if detection.Disabled {
		t.Error("Expected backend activity detection to stay enabled")
	}
	if detection.StartOfSpeechSensitivity != genai.StartSensitivityHigh {
		t.Errorf("Unexpected start sensitivity %q", detection.StartOfSpeechSensitivity)
	}
	if detection.EndOfSpeechSensitivity != genai.EndSensitivityLow {
		t.Errorf("Unexpected end sensitivity %q", detection.EndOfSpeechSensitivity)
	}
	if detection.SilenceDurationMs == nil || *detection.SilenceDurationMs != 800 {
		t.Errorf("Expected silence duration 800ms, got %v", detection.SilenceDurationMs)
	}

	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Error("Expected prebuilt voice Puck")
	}

	instruction := cfg.SystemInstruction.Parts[0].Text
	if !strings.Contains(instruction, "en") || !strings.Contains(instruction, "fr") {
		t.Errorf("Expected instruction to name both languages, got %q", instruction)
	}
}

func TestLiveConnectConfigDefaults(t *testing.T) {
	cfg := liveConnectConfig(Setup{Instruction: "custom"}, "")

	if cfg.SpeechConfig != nil {
		t.Error("Expected no speech config without a voice")
	}
	detection := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if detection.StartOfSpeechSensitivity != "" || detection.SilenceDurationMs != nil {
		t.Errorf("Expected backend defaults, got %+v", detection)
	}
	if cfg.SystemInstruction.Parts[0].Text != "custom" {
		t.Errorf("Expected instruction override, got %q", cfg.SystemInstruction.Parts[0].Text)
	}
}

func TestConvertServerMessage(t *testing.T) {
	tests := []struct {
		name  string
		msg   *genai.LiveServerMessage
		check func(t *testing.T, m *Message)
	}{
		{
			name: "setup complete carries nothing",
			msg:  &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}},
			check: func(t *testing.T, m *Message) {
				if !m.Empty() {
					t.Errorf("Expected empty message, got %+v", m)
				}
			},
		},
		{
			name: "transcripts",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				InputTranscription:  &genai.Transcription{Text: "hello", Finished: true},
				OutputTranscription: &genai.Transcription{Text: "bonjour"},
			}},
			check: func(t *testing.T, m *Message) {
				if m.InputTranscript == nil || m.InputTranscript.Text != "hello" || !m.InputTranscript.Finished {
					t.Errorf("Unexpected input transcript %+v", m.InputTranscript)
				}
				if m.OutputTranscript == nil || m.OutputTranscript.Text != "bonjour" || m.OutputTranscript.Finished {
					t.Errorf("Unexpected output transcript %+v", m.OutputTranscript)
				}
			},
		},
		{
			name: "audio parts are concatenated",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2}}},
					{Text: "ignored"},
					{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{3, 4}}},
				}},
			}},
			check: func(t *testing.T, m *Message) {
				if !bytes.Equal(m.Audio, []byte{1, 2, 3, 4}) {
					t.Errorf("Expected concatenated audio, got %v", m.Audio)
				}
			},
		},
		{
			name: "interrupted",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}},
			check: func(t *testing.T, m *Message) {
				if !m.Interrupted {
					t.Error("Expected interrupted flag")
				}
			},
		},
		{
			name: "go away",
			msg:  &genai.LiveServerMessage{GoAway: &genai.LiveServerGoAway{TimeLeft: 30 * time.Second}},
			check: func(t *testing.T, m *Message) {
				if !m.GoAway || m.TimeLeft != 30*time.Second {
					t.Errorf("Unexpected go-away %+v", m)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, convertServerMessage(tt.msg))
		})
	}
}
