package cmd

import (
	"fmt"
	"strings"
)

// formatDurationMS formats a millisecond duration: "850ms" below a second,
// seconds with one decimal otherwise.
func formatDurationMS(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// orDash returns "-" for empty values in table output.
func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
