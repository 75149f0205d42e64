package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/relay"
)

var (
	originalLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")).Bold(true)
	translatedLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98")).Bold(true)
	interimStyle    = lipgloss.NewStyle().Faint(true)
	interruptStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
	infoStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#B0B0B0"))
	warnStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	keyStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
)

// transcriptRenderer prints transcript lines as they finish. Fragments are
// buffered per transcript type; with interim set each fragment is also
// echoed faint as it arrives.
type transcriptRenderer struct {
	out     io.Writer
	interim bool
	pending map[protocol.Type]*strings.Builder
	mu      sync.Mutex
}

func newTranscriptRenderer(out io.Writer, interim bool) *transcriptRenderer {
	return &transcriptRenderer{
		out:     out,
		interim: interim,
		pending: make(map[protocol.Type]*strings.Builder),
	}
}

// Render prints one event
func (r *transcriptRenderer) Render(event protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case event.IsTranscript():
		b, ok := r.pending[event.Type]
		if !ok {
			b = &strings.Builder{}
			r.pending[event.Type] = b
		}
		b.WriteString(event.Text)

		if !event.Finished {
			if r.interim && event.Text != "" {
				fmt.Fprintln(r.out, interimStyle.Render("… "+event.Text))
			}
			return
		}

		text := strings.TrimSpace(b.String())
		b.Reset()
		if text != "" {
			fmt.Fprintln(r.out, transcriptLabel(event.Type)+" "+text)
		}

	case event.Type == protocol.TypeInterrupt:
		fmt.Fprintln(r.out, interruptStyle.Render("(interrupted)"))

	case event.Type == protocol.TypeStatus:
		fmt.Fprintln(r.out, statusStyle(event.Level).Render(fmt.Sprintf("[%s] %s", event.Level, event.Message)))
	}
}

func transcriptLabel(t protocol.Type) string {
	if t == protocol.TypeTranscriptOriginal {
		return originalLabel.Render("original  ")
	}
	return translatedLabel.Render("translated")
}

func statusStyle(level protocol.Level) lipgloss.Style {
	switch level {
	case protocol.LevelWarn:
		return warnStyle
	case protocol.LevelError:
		return errorStyle
	default:
		return infoStyle
	}
}

// renderCredentials formats a new room's credentials for the speaker
func renderCredentials(creds relay.Credentials, relayURL string) string {
	lines := []string{
		keyStyle.Render("room:   ") + " " + creds.ID,
		keyStyle.Render("secret: ") + " " + creds.Secret,
		keyStyle.Render("expires:") + " " + creds.ExpiresAt.Local().Format(time.DateTime),
		"",
		"listen with: interpreter listen --relay " + relayURL + " --room " + creds.ID,
	}
	return strings.Join(lines, "\n")
}
