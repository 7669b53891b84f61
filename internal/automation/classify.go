package automation

import "strings"

// Keywords that mark a report line as diagnostic. "command:" catches the
// console echoing the instruction that blew up, which is usually the most
// useful context a caller gets.
var reportKeywords = []string{
	"error",
	"invalid",
	"unknown",
	"nil",
	"bad argument",
	"exception",
	"failed",
	"; expected",
	"command:",
}

const (
	maxDiagnosticLines = 15
	fallbackTailBytes  = 1500
)

// Classify mines an execution report for diagnostic lines. It scans line by
// line, case-insensitively, for the known keywords and returns the last 15
// matching lines. When nothing matches it falls back to the last 1500
// characters of the raw report as a single entry, preferring over-inclusion
// to an uninformative truncation. A blank report yields nil.
//
// This is a best-effort heuristic over free text; not every remote failure
// mode is guaranteed to be captured.
func Classify(report string) []string {
	var hits []string
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimRight(line, "\r")
		lower := strings.ToLower(line)
		for _, kw := range reportKeywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, line)
				break
			}
		}
	}

	if len(hits) > maxDiagnosticLines {
		hits = hits[len(hits)-maxDiagnosticLines:]
	}
	if len(hits) > 0 {
		return hits
	}

	tail := report
	if len(tail) > fallbackTailBytes {
		tail = tail[len(tail)-fallbackTailBytes:]
	}
	if strings.TrimSpace(tail) == "" {
		return nil
	}
	return []string{tail}
}
