// Package format provides human-readable formatting for the
// quantities the Engine logs at init and per step: byte counts
// (HumanBytes), element counts (HumanNumber), and step/load durations
// (ExactDuration). Adapted from ollama/ollama/format, with the
// chat/registry-facing helpers (relative timestamps, parameter-count
// suffixes not used by this engine) trimmed.
package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

func HumanBytes(b int64) string {
	var value float64
	var unit string
	switch {
	case b >= TeraByte:
		value, unit = float64(b)/TeraByte, "TB"
	case b >= GigaByte:
		value, unit = float64(b)/GigaByte, "GB"
	case b >= MegaByte:
		value, unit = float64(b)/MegaByte, "MB"
	case b >= KiloByte:
		value, unit = float64(b)/KiloByte, "KB"
	default:
		return fmt.Sprintf("%d B", b)
	}
	if value < 10 && value != float64(int64(value)) {
		return fmt.Sprintf("%.1f %s", value, unit)
	}
	return fmt.Sprintf("%d %s", int64(value), unit)
}
