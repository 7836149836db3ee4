package provider

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	separatorLine = regexp.MustCompile(`(?m)^\s*-{3,}\s*$`)
	numberedItem  = regexp.MustCompile(`^\s*\d+\s*[.)]\s*(.+)$`)
	scoreLabel    = regexp.MustCompile(`(?i)score\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	scoreOutOfTen = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*10`)
	anyNumber     = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// parseVariations splits a generation response into variation blocks. The
// primary format is "---" separator lines; responses without separators fall
// back to blank-line paragraphs.
func parseVariations(raw string) []string {
	blocks := separatorLine.Split(raw, -1)
	if len(blocks) < 2 {
		blocks = strings.Split(raw, "\n\n")
	}
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// parseTestCases extracts test inputs from a numbered list. Lines that do
// not match the numbered format are ignored; if nothing matches, non-empty
// lines are used as-is.
func parseTestCases(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if m := numberedItem.FindStringSubmatch(line); m != nil {
			item := strings.TrimSpace(m[1])
			if item != "" {
				out = append(out, item)
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// extractScore pulls a 0-10 score out of evaluator prose. It tries a
// labeled "Score: X" first, then an "X/10" form, then the first bare number.
// Unparseable responses score 7.0. Results clamp to [0,10].
func extractScore(raw string) float64 {
	var num string
	if m := scoreLabel.FindStringSubmatch(raw); m != nil {
		num = m[1]
	} else if m := scoreOutOfTen.FindStringSubmatch(raw); m != nil {
		num = m[1]
	} else {
		num = anyNumber.FindString(raw)
	}
	if num == "" {
		return 7.0
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 7.0
	}
	return clampScore(v)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
