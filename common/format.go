package common

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	SymbolCheck = "✓"
	SymbolWarn  = "⚠️"
	SymbolCross = "✗"
)

// FormatFileSize renders a byte count for reports
func FormatFileSize(size int64) string {
	if size < 0 {
		return "unknown"
	}
	return fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(size)), size)
}

// FormatOperationResults formats the per-strategy outcomes of one unpack run
func FormatOperationResults(title string, results []*OperationResult) string {
	if len(results) == 0 {
		return "No strategies attempted"
	}

	var sb strings.Builder
	sb.WriteString(title)
	for _, r := range results {
		prefix := "   " + SymbolCross + " "
		if r.Applied {
			prefix = "   " + SymbolCheck + " "
		}
		sb.WriteString("\n" + prefix + r.String())
	}
	return sb.String()
}

// FormatOffset renders a stream offset the way trace output does
func FormatOffset(off int64) string {
	return fmt.Sprintf("0x%08X", off)
}
