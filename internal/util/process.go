package util

import "os/exec"

// LookupTool resolves the binary of an external capture tool. A configured
// path wins when it is executable; otherwise name is searched in PATH. The
// empty string means the tool is unavailable.
func LookupTool(configured, name string) string {
	candidate := name
	if configured != "" {
		candidate = configured
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return ""
	}
	return path
}
