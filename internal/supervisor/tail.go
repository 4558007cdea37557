package supervisor

import (
	"os"
	"strings"
)

// Tail returns the last n non-empty lines of the file at path, joined by
// " | ". It is used to explain why a process died at start. Read errors
// yield an empty string.
func Tail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
