package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Devices returns the audio input devices of the current platform.
func Devices() []Device {
	return listDevices()
}

// deviceScan describes how to find input devices in a listing command's output.
type deviceScan struct {
	Command  []string
	Start    string // Optional line marking the start of the audio section
	Stop     string // Optional line marking its end
	Pattern  *regexp.Regexp
	Parse    func(matches []string) *Device
	Fallback []Device
}

func scanDevices(s deviceScan) []Device {
	if len(s.Command) == 0 {
		return s.Fallback
	}
	output, err := exec.Command(s.Command[0], s.Command[1:]...).CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Error("failed to list audio devices", "error", err)
		return s.Fallback
	}
	if devices := parseDevices(string(output), s); len(devices) > 0 {
		return devices
	}
	return s.Fallback
}

// parseDevices extracts devices from listing output.
func parseDevices(output string, s deviceScan) []Device {
	var devices []Device
	inSection := s.Start == ""
	for line := range strings.Lines(output) {
		switch {
		case s.Start != "" && strings.Contains(line, s.Start):
			inSection = true
			continue
		case s.Stop != "" && strings.Contains(line, s.Stop):
			inSection = false
			continue
		}
		if !inSection || s.Pattern == nil || s.Parse == nil || strings.Contains(line, "Alternative name") {
			continue
		}
		if m := s.Pattern.FindStringSubmatch(line); m != nil {
			if dev := s.Parse(m); dev != nil {
				devices = append(devices, *dev)
			}
		}
	}
	return devices
}
