package util

import (
	"fmt"
	"regexp"
	"time"
)

// stampPattern matches the YYYY-MM-DD-HH-MM-SS stamp in capture file names.
var stampPattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})(?:-(\d{2}-\d{2}-\d{2}))?`)

// StampLayout is the time layout embedded in capture file names.
const StampLayout = "2006-01-02-15-04-05"

// TimeFromName returns the capture time embedded in a file name. Names that
// carry only a date resolve to midnight; the time is in loc.
func TimeFromName(name string, loc *time.Location) (time.Time, bool) {
	m := stampPattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	if m[2] != "" {
		if t, err := time.ParseInLocation(StampLayout, m[1]+"-"+m[2], loc); err == nil {
			return t, true
		}
	}
	t, err := time.ParseInLocation(time.DateOnly, m[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// humanTimeFormat is the layout of build times shown by /healthz.
const humanTimeFormat = "2 Jan 2006 15:04 MST"

// FormatHumanTime renders an RFC 3339 build time in local time. Unparseable
// input is returned unchanged.
func FormatHumanTime(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatUptime renders d as "45s", "2m 34s" or "1h 23m".
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
