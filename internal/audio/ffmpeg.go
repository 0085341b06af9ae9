//go:build !linux

package audio

import "strconv"

// ffmpegArgs builds FFmpeg arguments that write mono s16le at rate Hz to stdout.
func ffmpegArgs(inputFormat, device string, rate int) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	}
}
