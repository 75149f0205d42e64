package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/live-interpreter/internal/audio"
	"github.com/skypro1111/live-interpreter/internal/playback"
	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/relay"
)

var errRoomClosed = errors.New("room connection closed")

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow a room's transcripts and translated audio",
	Long: `Join a room as a listener and print its transcripts as they finish.

Translated audio is scheduled back to back on a playback timeline, and
interruptions discard whatever has not been played yet. Audio output:
  --record out.wav   write the timeline to a WAV file
  --play             write raw PCM16 mono (24 kHz) to stdout, for example
                     interpreter listen --room ID --play | aplay -f S16_LE -r 24000

With --play transcripts are printed to stderr.`,
	RunE: runListen,
}

func init() {
	f := listenCmd.Flags()
	f.String("room", "", "room id to join")
	f.String("record", "", "record translated audio to this WAV file")
	f.Bool("play", false, "write translated audio to stdout as raw PCM")
	f.Bool("interim", false, "print transcript fragments as they arrive")
	listenCmd.MarkFlagRequired("room")
}

// audioOutput opens the requested audio destinations. A nil writer means
// text only.
func audioOutput(record string, play bool) (io.Writer, func() error, error) {
	var (
		writers []io.Writer
		wav     *audio.WAVWriter
		file    *os.File
	)

	if record != "" {
		var err error
		file, err = os.Create(record)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create recording: %w", err)
		}
		wav, err = audio.NewWAVWriter(file, protocol.OutputSampleRate)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		writers = append(writers, wav)
	}
	if play {
		writers = append(writers, os.Stdout)
	}

	closeFn := func() error {
		if wav == nil {
			return nil
		}
		logger.Info("Recording saved",
			slog.String("path", record),
			slog.Float64("duration_seconds", wav.Duration()),
		)
		if err := wav.Close(); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	}

	switch len(writers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return writers[0], closeFn, nil
	default:
		return io.MultiWriter(writers...), closeFn, nil
	}
}

// waitDrained blocks until the scheduler has played everything queued
func waitDrained(ctx context.Context, scheduler *playback.Scheduler) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for scheduler.Pending() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	roomID, _ := cmd.Flags().GetString("room")
	record, _ := cmd.Flags().GetString("record")
	play, _ := cmd.Flags().GetBool("play")
	interim, _ := cmd.Flags().GetBool("interim")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, closeOutput, err := audioOutput(record, play)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOutput(); err != nil {
			logger.Error("Failed to finish recording", slog.String("error", err.Error()))
		}
	}()

	var scheduler *playback.Scheduler
	if out != nil {
		scheduler = playback.NewScheduler(playback.NewWriterSink(out), nil, logger)
	}

	textOut := io.Writer(os.Stdout)
	if play {
		textOut = os.Stderr
	}
	dispatcher := playback.NewDispatcher(scheduler, newTranscriptRenderer(textOut, interim), logger)

	listener, err := relay.DialListener(ctx, appConfig.Speaker.RelayURL, roomID, logger)
	if err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	defer listener.Close()

	logger.Info("Listening", slog.String("room_id", roomID), slog.Bool("audio", scheduler != nil))

	g, gctx := errgroup.WithContext(ctx)

	if scheduler != nil {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := dispatcher.Run(gctx, listener.Events()); err != nil {
			return err
		}
		if scheduler != nil {
			waitDrained(gctx, scheduler)
		}
		if err := listener.Err(); err != nil {
			return fmt.Errorf("lost room connection: %w", err)
		}
		return errRoomClosed
	})

	err = g.Wait()

	stats := dispatcher.GetStats()
	attrs := []any{
		slog.Uint64("last_sequence", stats.Sequence.LastSequence),
		slog.Uint64("gaps", stats.Sequence.Gaps),
		slog.Uint64("missing", stats.Sequence.Missing),
		slog.Uint64("stale", stats.Sequence.Stale),
	}
	if stats.Scheduler != nil {
		attrs = append(attrs,
			slog.Uint64("chunks_played", stats.Scheduler.Played),
			slog.Uint64("chunks_discarded", stats.Scheduler.Discarded),
		)
	}
	logger.Info("Listener stopped", attrs...)

	if errors.Is(err, errRoomClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
