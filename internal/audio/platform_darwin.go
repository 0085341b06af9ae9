//go:build darwin

package audio

import "regexp"

func platformConfig() CaptureConfig {
	return CaptureConfig{
		Command:       "ffmpeg",
		DefaultDevice: ":0",
		UsesFFmpeg:    true,
		BuildArgs: func(device string, rate int) []string {
			return ffmpegArgs("avfoundation", device, rate)
		},
	}
}

var avfoundationPattern = regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`)

func listDevices() []Device {
	return scanDevices(deviceScan{
		Command: []string{"ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
		Start:   "AVFoundation audio devices:",
		Stop:    "AVFoundation video devices:",
		Pattern: avfoundationPattern,
		Parse: func(m []string) *Device {
			if len(m) < 3 {
				return nil
			}
			return &Device{ID: ":" + m[1], Name: m[2]}
		},
	})
}
