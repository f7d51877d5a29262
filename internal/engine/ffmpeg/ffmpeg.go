// Package ffmpeg implements [engine.Transcoder] by shelling out to ffmpeg
// and ffprobe.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spokenlab/phonoscore/internal/engine"
)

// CanonicalSampleRate is the sample rate every input is converted to before
// feature extraction.
const CanonicalSampleRate = 16000

// Transcoder converts audio via ffmpeg. The zero value uses the binaries
// found on PATH.
type Transcoder struct {
	// FFmpegPath overrides the ffmpeg binary. Default "ffmpeg".
	FFmpegPath string

	// FFprobePath overrides the ffprobe binary. Default "ffprobe".
	FFprobePath string
}

var _ engine.Transcoder = (*Transcoder)(nil)

func (t *Transcoder) ffmpeg() string {
	if t.FFmpegPath != "" {
		return t.FFmpegPath
	}
	return "ffmpeg"
}

func (t *Transcoder) ffprobe() string {
	if t.FFprobePath != "" {
		return t.FFprobePath
	}
	return "ffprobe"
}

// Probe reports whether path contains a decodable audio stream.
func (t *Transcoder) Probe(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, t.ffprobe(),
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=noprint_wrappers=1",
		path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: probe %q: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	if !bytes.Contains(out, []byte("codec_name=")) {
		return fmt.Errorf("ffmpeg: probe %q: no audio stream found", path)
	}
	return nil
}

// Transcode converts src to single-channel 16-bit PCM at the canonical
// sample rate, overwriting dst.
func (t *Transcoder) Transcode(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-y",
		"-v", "error",
		"-i", src,
		"-ac", "1",
		"-ar", fmt.Sprint(CanonicalSampleRate),
		"-c:a", "pcm_s16le",
		dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: transcode %q: %w: %s", src, err, strings.TrimSpace(string(out)))
	}
	return nil
}
