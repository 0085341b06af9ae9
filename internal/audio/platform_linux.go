//go:build linux

package audio

import (
	"regexp"
	"strconv"
)

func platformConfig() CaptureConfig {
	return CaptureConfig{
		Command:       "arecord",
		DefaultDevice: "default",
		BuildArgs:     arecordArgs,
	}
}

func arecordArgs(device string, rate int) []string {
	return []string{
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(rate),
		"-c", "1",
		"-t", "raw",
		"-q",
		"-",
	}
}

var arecordCardPattern = regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\]`)

func listDevices() []Device {
	return scanDevices(deviceScan{
		Command: []string{"arecord", "-l"},
		Pattern: arecordCardPattern,
		Parse: func(m []string) *Device {
			if len(m) < 4 {
				return nil
			}
			return &Device{ID: "plughw:CARD=" + m[2], Name: m[3]}
		},
		Fallback: []Device{{ID: "default", Name: "System default"}},
	})
}
