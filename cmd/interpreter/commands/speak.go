package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/live-interpreter/internal/audio"
	"github.com/skypro1111/live-interpreter/internal/config"
	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/pipeline"
	"github.com/skypro1111/live-interpreter/internal/relay"
	"github.com/skypro1111/live-interpreter/internal/sequence"
	"github.com/skypro1111/live-interpreter/internal/stream"
	"github.com/skypro1111/live-interpreter/internal/translation"
)

var (
	errInputFinished = errors.New("input finished")
	errSessionEnded  = errors.New("session ended")
)

var speakCmd = &cobra.Command{
	Use:   "speak",
	Short: "Translate speech and publish it to a room",
	Long: `Capture speech, translate it live and publish transcripts and
translated audio to a room.

Without --room a new room is created and its id and writer secret are
printed. Passing --room and --key of an existing room takes over as its
writer; any previous writer is disconnected and numbering continues.

Audio input, one of:
  --input file.wav        WAV file (any rate, mono PCM16)
  --input file.raw        raw PCM16 mono at --rate
  --input -               raw PCM16 mono on stdin at --rate
  --ffmpeg "<args>"       anything ffmpeg can open, for example
                          "-f pulse -i default" or "-i rtmp://host/live"

Examples:
  interpreter speak --ffmpeg "-f avfoundation -i :0" --from en --to uk
  arecord -f S16_LE -r 16000 -c 1 | interpreter speak --input - --realtime
  interpreter speak --input talk.wav --mode decoupled --room ID --key SECRET`,
	RunE: runSpeak,
}

func init() {
	f := speakCmd.Flags()
	f.String("room", "", "existing room id (a new room is created when empty)")
	f.String("key", "", "writer secret of the existing room")
	f.String("input", "", "audio file path, or - for stdin")
	f.String("ffmpeg", "", "ffmpeg input arguments for live capture")
	f.Int("rate", 0, "sample rate of raw input (default audio.capture_sample_rate)")
	f.Bool("realtime", false, "raw input is paced by a capture device")
	f.String("from", "", "source language (default speaker.source_language)")
	f.String("to", "", "target language (default speaker.target_language)")
	f.String("mode", "", "backend mode: live or decoupled (default backend.mode)")
	f.Duration("linger", 5*time.Second, "how long to wait for output after file input ends")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// audioInput is an opened audio source
type audioInput struct {
	reader   io.Reader
	rate     int
	realtime bool
	closer   io.Closer
}

// openInput opens the audio source selected by the flags
func openInput(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*audioInput, error) {
	input, _ := cmd.Flags().GetString("input")
	ffmpegArgs, _ := cmd.Flags().GetString("ffmpeg")
	rate, _ := cmd.Flags().GetInt("rate")
	realtime, _ := cmd.Flags().GetBool("realtime")
	if rate == 0 {
		rate = cfg.Audio.CaptureSampleRate
	}

	switch {
	case input != "" && ffmpegArgs != "":
		return nil, fmt.Errorf("--input and --ffmpeg are mutually exclusive")
	case ffmpegArgs != "":
		capture, err := audio.StartCapture(ctx, strings.Fields(ffmpegArgs), rate)
		if err != nil {
			return nil, err
		}
		return &audioInput{reader: capture, rate: rate, realtime: true, closer: capture}, nil
	case input == "-":
		return &audioInput{reader: os.Stdin, rate: rate, realtime: realtime}, nil
	case input != "":
		file, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		if !strings.EqualFold(filepath.Ext(input), ".wav") {
			return &audioInput{reader: file, rate: rate, realtime: realtime, closer: file}, nil
		}
		format, pcm, err := audio.ReadWAV(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &audioInput{reader: pcm, rate: format.SampleRate, closer: file}, nil
	default:
		return nil, fmt.Errorf("no audio input, use --input or --ffmpeg")
	}
}

// joinRoom creates a room unless one was given
func joinRoom(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (string, string, error) {
	roomID, _ := cmd.Flags().GetString("room")
	secret, _ := cmd.Flags().GetString("key")
	if roomID != "" {
		if secret == "" {
			return "", "", fmt.Errorf("--key is required with --room")
		}
		return roomID, secret, nil
	}

	control := relay.NewControlClient(cfg.Speaker.RelayURL, cfg.Server.GetReadTimeoutDuration())
	creds, err := control.CreateRoom(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to create room: %w", err)
	}

	fmt.Fprintln(os.Stderr, renderCredentials(creds, cfg.Speaker.RelayURL))
	return creds.ID, creds.Secret, nil
}

// newBackend builds the live backend wrapped in the connect policy
func newBackend(ctx context.Context, cfg config.BackendConfig) (translation.Backend, error) {
	live, err := translation.NewLiveBackend(ctx, translation.LiveConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.LiveModel,
		Voice:      cfg.Voice,
		APIVersion: cfg.APIVersion,
	})
	if err != nil {
		return nil, err
	}
	return translation.NewDialer(live, translation.DialerConfig{
		ConnectTimeout: cfg.GetConnectTimeoutDuration(),
		MaxRetries:     cfg.MaxRetries,
	}, logger.With(slog.String("component", "backend"))), nil
}

// newPipeline builds the decoupled translate and synthesize stage
func newPipeline(ctx context.Context, cfg *config.Config, langs translation.Languages,
	emitter pipeline.Emitter, m *metrics.Metrics) (*pipeline.Pipeline, error) {

	client, err := translation.NewGeminiClient(ctx, cfg.Backend.APIKey)
	if err != nil {
		return nil, err
	}
	gemini := translation.GeminiConfig{
		APIKey:         cfg.Backend.APIKey,
		TranslateModel: cfg.Backend.TranslateModel,
		SpeechModel:    cfg.Backend.SpeechModel,
		Voice:          cfg.Backend.Voice,
		Timeout:        cfg.Backend.GetCallTimeoutDuration(),
		MaxConcurrent:  cfg.Backend.MaxConcurrent,
	}

	return pipeline.New(
		translation.NewGeminiTranslator(client, gemini),
		translation.NewGeminiSynthesizer(client, gemini),
		emitter,
		pipeline.Config{
			Languages:     langs,
			MaxConcurrent: cfg.Backend.MaxConcurrent,
			UnitTimeout:   cfg.Backend.GetCallTimeoutDuration(),
			ChunkDuration: cfg.Audio.GetChunkDuration(),
		},
		m, logger,
	)
}

// serveMetrics exposes the speaker's metrics until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", slog.String("error", err.Error()))
		}
	}()
}

func runSpeak(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if from, _ := cmd.Flags().GetString("from"); from != "" {
		cfg.Speaker.SourceLanguage = from
	}
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		cfg.Speaker.TargetLanguage = to
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Backend.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := cfg.Backend.RequireKey(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
		serveMetrics(ctx, addr, reg)
	}

	input, err := openInput(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	if input.closer != nil {
		defer input.closer.Close()
	}

	source, err := audio.NewFrameSource(input.reader, audio.FrameSourceConfig{
		InputRate:     input.rate,
		FrameDuration: cfg.Audio.GetFrameDuration(),
		Realtime:      input.realtime,
	}, logger.With(slog.String("component", "frames")))
	if err != nil {
		return err
	}

	roomID, secret, err := joinRoom(ctx, cmd, cfg)
	if err != nil {
		return err
	}

	writer, err := relay.DialWriter(ctx, cfg.Speaker.RelayURL, roomID, secret, logger)
	if err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	defer writer.Close()

	// Every event leaves through this one numbering point
	sequencer := sequence.NewSequencer(writer, writer.LastSequence())
	defer sequencer.Close()

	backend, err := newBackend(ctx, cfg.Backend)
	if err != nil {
		return err
	}

	langs := translation.Languages{Source: cfg.Speaker.SourceLanguage, Target: cfg.Speaker.TargetLanguage}
	sessionConfig := stream.Config{
		Languages:        langs,
		StartSensitivity: translation.Sensitivity(cfg.Speaker.StartSensitivity),
		EndSensitivity:   translation.Sensitivity(cfg.Speaker.EndSensitivity),
		SilenceDuration:  cfg.Speaker.GetSilenceDuration(),
		Instruction:      cfg.Speaker.Instruction,
		IdleTimeout:      cfg.Speaker.GetIdleTimeoutDuration(),
		QueueSize:        cfg.Speaker.QueueSize,
		VADThreshold:     cfg.Speaker.VADThreshold,
		VADSmoothing:     cfg.Speaker.VADSmoothing,
	}

	var decoupled *pipeline.Pipeline
	if cfg.Backend.Mode == config.ModeDecoupled {
		decoupled, err = newPipeline(ctx, cfg, langs, sequencer, m)
		if err != nil {
			return err
		}
		sessionConfig.Submitter = decoupled
	}

	session, err := stream.NewSession(backend, sequencer, sessionConfig, m, logger)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start translation: %w", err)
	}

	logger.Info("Speaking",
		slog.String("room_id", roomID),
		slog.String("languages", langs.String()),
		slog.String("mode", cfg.Backend.Mode),
	)

	linger, _ := cmd.Flags().GetDuration("linger")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := source.Run(gctx, session.PushFrame); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("audio input failed: %w", err)
		}
		logger.Info("Input finished, waiting for the last translations", slog.Duration("linger", linger))
		select {
		case <-time.After(linger):
		case <-gctx.Done():
		}
		return errInputFinished
	})

	g.Go(func() error {
		select {
		case <-session.Done():
			if err := session.Err(); err != nil {
				return err
			}
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		select {
		case <-writer.Done():
			if err := writer.Err(); err != nil {
				return fmt.Errorf("relay closed the room connection: %w", err)
			}
			return fmt.Errorf("relay closed the room connection")
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	session.Stop()

	info := session.Info()
	frames := source.Stats()
	logger.Info("Speaker stopped",
		slog.String("room_id", roomID),
		slog.Uint64("last_sequence", sequencer.Last()),
		slog.Uint64("events_emitted", info.EventsEmitted),
		slog.Uint64("frames_sent", info.FramesSent),
		slog.Uint64("frames_dropped", info.FramesDropped+frames.Dropped),
		slog.Float64("voice_percentage", info.VoicePercentage),
	)
	if decoupled != nil {
		stats := decoupled.GetStats()
		logger.Info("Pipeline statistics",
			slog.Uint64("submitted", stats.Submitted),
			slog.Uint64("succeeded", stats.Succeeded),
			slog.Uint64("failed", stats.Failed),
		)
	}

	if errors.Is(err, errInputFinished) || errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}
