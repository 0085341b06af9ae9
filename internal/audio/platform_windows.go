//go:build windows

package audio

import (
	"regexp"
	"strings"
)

func platformConfig() CaptureConfig {
	return CaptureConfig{
		Command:    "ffmpeg",
		UsesFFmpeg: true,
		BuildArgs: func(device string, rate int) []string {
			return ffmpegArgs("dshow", device, rate)
		},
	}
}

// Matches lines like: [dshow @ addr] "Device Name" (audio)
var dshowPattern = regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`)

func listDevices() []Device {
	return scanDevices(deviceScan{
		Command: []string{"ffmpeg", "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
		Pattern: dshowPattern,
		Parse: func(m []string) *Device {
			if len(m) < 2 {
				return nil
			}
			name := strings.TrimSpace(m[1])
			return &Device{ID: "audio=" + name, Name: name}
		},
	})
}
