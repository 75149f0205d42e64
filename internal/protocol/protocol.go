package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Audio format constants shared by the speaker, the relay and listeners
const (
	InputSampleRate  = 16000 // PCM sent to the translation backend
	OutputSampleRate = 24000 // PCM produced by the translation backend
	BitDepth         = 16
	Channels         = 1
	BytesPerSample   = BitDepth / 8
)

// Type is the discriminator carried by every relay message
type Type string

const (
	TypeTranscriptOriginal   Type = "transcript-original"
	TypeTranscriptTranslated Type = "transcript-translated"
	TypeAudioChunk           Type = "audio-chunk"
	TypeInterrupt            Type = "interrupt"
	TypeStatus               Type = "status"
)

// Level is the severity of a status event
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	// ErrUnknownType is returned for messages whose type is not part of the protocol
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalidEvent is returned for messages that fail variant validation
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is the unit of relay. Only the fields belonging to Type are meaningful.
type Event struct {
	Type     Type
	Sequence uint64 // 0 until assigned by the sequencer

	// transcript-original, transcript-translated
	Text     string
	Finished bool

	// audio-chunk
	Audio      []byte // raw PCM16 little-endian mono
	SampleRate int

	// status
	Level   Level
	Message string
}

// Wire layouts, one per variant. Field order defines the encoded byte layout.
type (
	envelope struct {
		Type Type `json:"type"`
	}

	transcriptWire struct {
		Type     Type   `json:"type"`
		Sequence uint64 `json:"sequence"`
		Text     string `json:"text"`
		Finished bool   `json:"finished,omitempty"`
	}

	audioWire struct {
		Type       Type   `json:"type"`
		Sequence   uint64 `json:"sequence"`
		Data       []byte `json:"data"`
		SampleRate int    `json:"sampleRate"`
	}

	interruptWire struct {
		Type     Type   `json:"type"`
		Sequence uint64 `json:"sequence"`
	}

	statusWire struct {
		Type     Type   `json:"type"`
		Sequence uint64 `json:"sequence"`
		Level    Level  `json:"level"`
		Message  string `json:"message"`
	}
)

// TranscriptOriginal creates a source-language transcript fragment
func TranscriptOriginal(text string, finished bool) Event {
	return Event{Type: TypeTranscriptOriginal, Text: text, Finished: finished}
}

// TranscriptTranslated creates a target-language transcript fragment
func TranscriptTranslated(text string, finished bool) Event {
	return Event{Type: TypeTranscriptTranslated, Text: text, Finished: finished}
}

// AudioChunk creates an audio event. The PCM slice is not copied.
func AudioChunk(pcm []byte, sampleRate int) Event {
	return Event{Type: TypeAudioChunk, Audio: pcm, SampleRate: sampleRate}
}

// Interrupt creates an event telling consumers to discard buffered audio
func Interrupt() Event {
	return Event{Type: TypeInterrupt}
}

// Status creates an informational event
func Status(level Level, message string) Event {
	return Event{Type: TypeStatus, Level: level, Message: message}
}

// Statusf creates an informational event with a formatted message
func Statusf(level Level, format string, args ...any) Event {
	return Status(level, fmt.Sprintf(format, args...))
}

// IsTranscript reports whether the event carries transcript text
func (e Event) IsTranscript() bool {
	return e.Type == TypeTranscriptOriginal || e.Type == TypeTranscriptTranslated
}

// AnnouncementPrefix starts the message of a language-pair announcement
const AnnouncementPrefix = "translating "

// Announcement creates the info status naming the language pair. Rooms keep
// the latest one for listeners that join later.
func Announcement(source, target string) Event {
	return Status(LevelInfo, AnnouncementPrefix+source+" → "+target)
}

// IsAnnouncement reports whether e is a language-pair announcement
func (e Event) IsAnnouncement() bool {
	return e.Type == TypeStatus && e.Level == LevelInfo && strings.HasPrefix(e.Message, AnnouncementPrefix)
}

// Validate checks variant-specific invariants. Sequence is not checked here
// because events are validated before the sequencer numbers them.
func (e Event) Validate() error {
	switch e.Type {
	case TypeTranscriptOriginal, TypeTranscriptTranslated, TypeInterrupt:
		return nil
	case TypeAudioChunk:
		if e.SampleRate <= 0 {
			return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidEvent, e.SampleRate)
		}
		if len(e.Audio)%BytesPerSample != 0 {
			return fmt.Errorf("%w: audio data length must be even (got %d bytes)", ErrInvalidEvent, len(e.Audio))
		}
		return nil
	case TypeStatus:
		switch e.Level {
		case LevelInfo, LevelWarn, LevelError:
			return nil
		default:
			return fmt.Errorf("%w: unknown status level %q", ErrInvalidEvent, e.Level)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// Marshal encodes a sequenced event into its wire form
func Marshal(e Event) ([]byte, error) {
	if e.Sequence == 0 {
		return nil, fmt.Errorf("%w: sequence not assigned", ErrInvalidEvent)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var v any
	switch e.Type {
	case TypeTranscriptOriginal, TypeTranscriptTranslated:
		v = transcriptWire{Type: e.Type, Sequence: e.Sequence, Text: e.Text, Finished: e.Finished}
	case TypeAudioChunk:
		data := e.Audio
		if data == nil {
			data = []byte{}
		}
		v = audioWire{Type: e.Type, Sequence: e.Sequence, Data: data, SampleRate: e.SampleRate}
	case TypeInterrupt:
		v = interruptWire{Type: e.Type, Sequence: e.Sequence}
	case TypeStatus:
		v = statusWire{Type: e.Type, Sequence: e.Sequence, Level: e.Level, Message: e.Message}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// Unmarshal decodes a wire message. The discriminator is read first and
// unknown variants are rejected without attempting a best-effort parse.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var e Event
	switch env.Type {
	case TypeTranscriptOriginal, TypeTranscriptTranslated:
		var w transcriptWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		e = Event{Type: w.Type, Sequence: w.Sequence, Text: w.Text, Finished: w.Finished}
	case TypeAudioChunk:
		var w audioWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		e = Event{Type: w.Type, Sequence: w.Sequence, Audio: w.Data, SampleRate: w.SampleRate}
	case TypeInterrupt:
		var w interruptWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		e = Event{Type: w.Type, Sequence: w.Sequence}
	case TypeStatus:
		var w statusWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		e = Event{Type: w.Type, Sequence: w.Sequence, Level: w.Level, Message: w.Message}
	case "":
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if e.Sequence == 0 {
		return Event{}, fmt.Errorf("%w: missing sequence", ErrInvalidEvent)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
