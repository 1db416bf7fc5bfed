/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package decode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// transcodeTimeout bounds a single FFmpeg run.
const transcodeTimeout = 2 * time.Minute

// Transcoder converts container formats the decoders do not handle into
// temp WAV files. Temp files are keyed by the stream that opened them and
// must be removed on stream free, including error paths.
type Transcoder struct {
	FFmpegBin  string
	Extensions []string
}

// ShouldTranscode reports whether the extension is in the configured set.
func (t *Transcoder) ShouldTranscode(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, e := range t.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ToWAV transcodes src into a temp WAV and returns its path. The caller
// owns the temp file.
func (t *Transcoder) ToWAV(src string) (string, error) {
	tmp, err := os.CreateTemp("", "sara-transcode-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), transcodeTimeout)
	defer cancel()

	bin := t.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", src,
		"-acodec", "pcm_s16le",
		"-f", "wav", tmpPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ffmpeg transcode %s: %w: %s", src, err, strings.TrimSpace(string(out)))
	}
	return tmpPath, nil
}
