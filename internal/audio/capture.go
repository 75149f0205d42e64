package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// Capture is a running ffmpeg process decoding an input into PCM16 mono
type Capture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

// StartCapture launches ffmpeg with the given input arguments (for example
// "-f pulse -i default" or "-i https://host/stream.m3u8") and returns its
// raw s16le output at sampleRate.
func StartCapture(ctx context.Context, inputArgs []string, sampleRate int) (*Capture, error) {
	if len(inputArgs) == 0 {
		return nil, fmt.Errorf("ffmpeg input arguments cannot be empty")
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+nobuffer",
		"-flags", "+low_delay",
	}
	args = append(args, inputArgs...)
	args = append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-flush_packets", "1",
		"-",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &Capture{cmd: cmd, stdout: stdout}, nil
}

// Read reads captured PCM
func (c *Capture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Close stops ffmpeg and reaps the process
func (c *Capture) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.cmd.Process.Kill()
		_ = c.stdout.Close()
		if werr := c.cmd.Wait(); werr != nil {
			if _, killed := werr.(*exec.ExitError); !killed {
				err = werr
			}
		}
	})
	return err
}
