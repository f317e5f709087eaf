package input

import (
	"bufio"
	"os"
	"strings"

	"github.com/bo-li/abiflow/internal/flow"
)

// completionMarker is the terminal line the external program writes once a
// run reached a valid final state.
const completionMarker = "Calculation completed."

// ewcContext is the number of lines captured after a marker line.
const ewcContext = 5

// IsComplete reports whether the output file carries the completion marker.
// Missing or unreadable files are not complete.
func IsComplete(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.Contains(s.Text(), completionMarker) {
			return true
		}
	}
	return false
}

// ParseEWC extracts ERROR, WARNING and COMMENT messages from an output or
// log file. Each message is the marker line plus up to five following lines.
func ParseEWC(path string) (flow.EWC, error) {
	var ewc flow.EWC
	f, err := os.Open(path)
	if err != nil {
		return ewc, err
	}
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return ewc, err
	}

	for i, line := range lines {
		kind := classify(line)
		if kind == "" {
			continue
		}
		end := i + 1 + ewcContext
		if end > len(lines) {
			end = len(lines)
		}
		msg := strings.Join(lines[i:end], "\n")
		switch kind {
		case "ERROR":
			ewc.Errors = append(ewc.Errors, msg)
		case "WARNING":
			ewc.Warnings = append(ewc.Warnings, msg)
		case "COMMENT":
			ewc.Comments = append(ewc.Comments, msg)
		}
	}
	return ewc, nil
}

// classify returns the marker kind of a line, or "" when it carries none.
// Markers are standalone uppercase tokens, optionally with a trailing colon.
func classify(line string) string {
	for _, tok := range strings.Fields(line) {
		tok = strings.TrimSuffix(tok, ":")
		tok = strings.TrimPrefix(tok, "!")
		switch tok {
		case "ERROR", "BUG":
			return "ERROR"
		case "WARNING":
			return "WARNING"
		case "COMMENT":
			return "COMMENT"
		}
	}
	return ""
}
