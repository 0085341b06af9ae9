package audio

import "errors"

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// CaptureConfig describes how the current platform captures mono s16le PCM.
type CaptureConfig struct {
	// Command is the executable name ("arecord" or "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg reports whether Command may be replaced by a configured FFmpeg path.
	UsesFFmpeg bool

	// BuildArgs returns the arguments that write raw mono PCM at rate Hz to stdout.
	BuildArgs func(device string, rate int) []string
}

// BuildCaptureCommand returns the command and arguments for single-channel
// capture at rate Hz. An empty device falls back to the platform default and
// then to the first listed device.
func BuildCaptureCommand(device, ffmpegPath string, rate int) (cmd string, args []string, err error) {
	cfg := platformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}
	if device == "" {
		devices := Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}
	return command, cfg.BuildArgs(device, rate), nil
}
