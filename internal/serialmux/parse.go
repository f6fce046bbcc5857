package serialmux

import "strings"

// LineKind classifies a line read from a controller.
type LineKind string

const (
	LineReading LineKind = "reading" // JSON sample
	LineStatus  LineKind = "status"  // "# ..." diagnostics from firmware
	LineAck     LineKind = "ack"     // OK / ERR replies to commands
	LineUnknown LineKind = "unknown"
)

// ClassifyLine inspects a raw line without decoding it.
func ClassifyLine(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "{"):
		return LineReading
	case strings.HasPrefix(line, "#"):
		return LineStatus
	case line == "OK", strings.HasPrefix(line, "OK "), strings.HasPrefix(line, "ERR"):
		return LineAck
	default:
		return LineUnknown
	}
}
