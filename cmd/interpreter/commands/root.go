package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/skypro1111/live-interpreter/internal/config"
)

const (
	serviceName    = "live-interpreter"
	serviceVersion = "1.0.0"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	relayURL  string

	// Global state, set up before any command runs
	appConfig *config.Config
	logger    *slog.Logger
	logOutput io.Closer
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "interpreter",
	Short: "Live speech translation with an ordered broadcast relay",
	Long: `Live interpreter - translate a speaker in real time and broadcast the
translation to any number of listeners.

One process runs the relay ('serve'). A speaker publishes translated
transcripts and audio to a room ('speak'), and listeners follow the room
('listen') to read the transcript and hear the translated speech.

Backend credentials are never read from flags. Set GEMINI_API_KEY, or
reference an environment variable from the config file:

  backend:
    api_key: ${MY_SHORT_LIVED_TOKEN}

Examples:
  # Run the relay
  interpreter serve --config config.yaml

  # Create a room and speak into it from the default microphone
  interpreter speak --ffmpeg "-f pulse -i default" --from en --to fr

  # Follow the room and record the translation
  interpreter listen --room 4c1d... --record translation.wav
`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOutput != nil {
			logOutput.Close()
		}
	},
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format (json, text, console)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (default from speaker.relay_url)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(speakCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(roomCmd)
}

// setup loads configuration and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if relayURL != "" {
		cfg.Speaker.RelayURL = relayURL
	}
	// Client commands keep stdout for transcripts and audio
	if cmd != serveCmd && cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	l, closer, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	appConfig, logger, logOutput = cfg, l, closer
	return nil
}

// newLogger creates the structured logger described by cfg. The console
// format renders through charmbracelet/log for people watching a terminal.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		output io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		output, closer = file, file
	}

	var handler slog.Handler
	switch cfg.Format {
	case "console":
		consoleLevel, err := log.ParseLevel(cfg.Level)
		if err != nil {
			consoleLevel = log.InfoLevel
		}
		handler = log.NewWithOptions(output, log.Options{
			Level:           consoleLevel,
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			ReportCaller:    level == slog.LevelDebug,
		})
	case "text":
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug})
	}

	return slog.New(handler), closer, nil
}
