package translation

import (
	"context"
	"fmt"
	"time"
)

// Sensitivity tunes the backend's activity detection
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "low"
	SensitivityHigh Sensitivity = "high"
)

// Languages is a source/target language pair, as BCP-47 codes or names
type Languages struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (l Languages) String() string {
	return fmt.Sprintf("%s → %s", l.Source, l.Target)
}

// Setup is the negotiation sent when a connection opens
type Setup struct {
	Languages        Languages
	StartSensitivity Sensitivity
	EndSensitivity   Sensitivity
	SilenceDuration  time.Duration // silence that ends a turn, 0 leaves the backend default
	Instruction      string        // overrides the generated system instruction
}

// SystemInstruction returns the interpreter prompt for the language pair
func (s Setup) SystemInstruction() string {
	if s.Instruction != "" {
		return s.Instruction
	}
	return fmt.Sprintf("You are a simultaneous interpreter. Translate everything the speaker says from %s into %s. "+
		"Speak only the translation, keep the speaker's tone, and never answer questions or add commentary.",
		s.Languages.Source, s.Languages.Target)
}

// Transcript is a revisable text fragment
type Transcript struct {
	Text     string
	Finished bool
}

// Message is one inbound message from the backend. Several fields may be
// set at once.
type Message struct {
	InputTranscript  *Transcript // source-language speech recognised so far
	OutputTranscript *Transcript // translated text being spoken
	Audio            []byte      // PCM16 24 kHz mono translated speech
	Interrupted      bool        // new speech preempted the response in flight
	TurnComplete     bool
	GoAway           bool          // backend will close the connection soon
	TimeLeft         time.Duration // time remaining after GoAway
}

// Empty reports whether the message carries nothing the session emits
func (m *Message) Empty() bool {
	return m.InputTranscript == nil && m.OutputTranscript == nil &&
		len(m.Audio) == 0 && !m.Interrupted && !m.GoAway
}

// Conn is an open duplex channel. SendAudio and Receive may be called from
// different goroutines; Close unblocks both.
type Conn interface {
	SendAudio(pcm []byte) error
	Receive() (*Message, error)
	Close() error
}

// Backend opens duplex translation channels
type Backend interface {
	Connect(ctx context.Context, setup Setup) (Conn, error)
}

// Translator translates one finished sentence
type Translator interface {
	Translate(ctx context.Context, text string, langs Languages) (string, error)
}

// Synthesizer renders text as speech, returning PCM16 mono and its sample rate
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, language string) ([]byte, int, error)
}
