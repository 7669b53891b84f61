package automation

import (
	"fmt"
	"strings"
	"testing"
)

func TestClassifyPicksKeywordLines(t *testing.T) {
	report := strings.Join([]string{
		"AutoCAD Core Console",
		"Regenerating model.",
		"Command: _.LINE",
		"Error: bad argument type",
		"Drawing saved.",
	}, "\n")

	got := Classify(report)
	if len(got) != 2 {
		t.Fatalf("got %d diagnostic lines, want 2: %v", len(got), got)
	}
	if got[0] != "Command: _.LINE" || got[1] != "Error: bad argument type" {
		t.Fatalf("unexpected diagnostics: %v", got)
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	got := Classify("SOMETHING INVALID HAPPENED\nall good here")
	if len(got) != 1 || got[0] != "SOMETHING INVALID HAPPENED" {
		t.Fatalf("unexpected diagnostics: %v", got)
	}
}

func TestClassifyKeepsLastFifteenMatches(t *testing.T) {
	var lines []string
	for i := 1; i <= 40; i++ {
		lines = append(lines, fmt.Sprintf("Error: failure %d", i))
	}
	got := Classify(strings.Join(lines, "\n"))
	if len(got) != 15 {
		t.Fatalf("got %d lines, want 15", len(got))
	}
	if got[0] != "Error: failure 26" || got[14] != "Error: failure 40" {
		t.Fatalf("wrong window: first=%q last=%q", got[0], got[14])
	}
}

func TestClassifyFallsBackToRawTail(t *testing.T) {
	report := strings.Repeat("x", 2000)
	got := Classify(report)
	if len(got) != 1 {
		t.Fatalf("want single fallback entry, got %d", len(got))
	}
	if len(got[0]) != 1500 {
		t.Fatalf("fallback length = %d, want 1500", len(got[0]))
	}
}

func TestClassifyExpectedMarkerAndCRLF(t *testing.T) {
	got := Classify("value was 12; expected 10\r\nnothing here\r\n")
	if len(got) != 1 || got[0] != "value was 12; expected 10" {
		t.Fatalf("unexpected diagnostics: %v", got)
	}
}

func TestClassifyBlankReport(t *testing.T) {
	if got := Classify("   \n \n"); got != nil {
		t.Fatalf("blank report should classify to nil, got %v", got)
	}
}
