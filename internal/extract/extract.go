// Package extract pulls catalog identifiers out of free text, one per line,
// and reports lines that yield nothing or repeat an earlier identifier.
package extract

import (
	"bufio"
	"regexp"
	"sort"
	"strings"
)

var codePattern = regexp.MustCompile(`([a-zA-Z]+)-(\d+)`)

// LineStatus classifies one input line.
type LineStatus string

// Line statuses.
const (
	StatusNormal    LineStatus = "normal"
	StatusError     LineStatus = "error"
	StatusDuplicate LineStatus = "duplicate"
	StatusSelected  LineStatus = "selected"
)

// Line is the outcome for one input line. Number is 1-based.
type Line struct {
	Number int        `json:"line_number"`
	Text   string     `json:"original_text"`
	Code   string     `json:"extracted_content,omitempty"`
	Status LineStatus `json:"status"`
}

// Result is the output of Process.
type Result struct {
	Lines []Line `json:"input_lines"`
	// Codes are the unique identifiers, sorted.
	Codes []string `json:"output_lines"`
	// Duplicates maps an identifier to every line it appeared on, for
	// identifiers seen more than once.
	Duplicates map[string][]int `json:"duplicate_groups"`
}

// Code returns the first identifier in line, upper-cased, or "".
func Code(line string) string {
	return strings.ToUpper(codePattern.FindString(line))
}

// Process scans text line by line.
func Process(text string) Result {
	res := Result{Lines: []Line{}, Codes: []string{}, Duplicates: map[string][]int{}}
	seen := make(map[string][]int)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		raw := strings.TrimSuffix(scanner.Text(), "\r")
		line := Line{Number: n, Text: raw, Status: StatusError}
		if code := Code(raw); code != "" {
			line.Code = code
			line.Status = StatusNormal
			seen[code] = append(seen[code], n)
		}
		res.Lines = append(res.Lines, line)
	}

	for code, numbers := range seen {
		res.Codes = append(res.Codes, code)
		if len(numbers) < 2 {
			continue
		}
		res.Duplicates[code] = numbers
		for _, num := range numbers {
			res.Lines[num-1].Status = StatusDuplicate
		}
	}
	sort.Strings(res.Codes)
	return res
}

// ToggleSelection flips the lines of a duplicate group between duplicate and
// selected. Unknown codes leave the result unchanged.
func (r *Result) ToggleSelection(code string) {
	numbers, ok := r.Duplicates[strings.ToUpper(code)]
	if !ok || len(numbers) == 0 {
		return
	}
	next := StatusSelected
	if r.Lines[numbers[0]-1].Status == StatusSelected {
		next = StatusDuplicate
	}
	for _, num := range numbers {
		r.Lines[num-1].Status = next
	}
}

// ErrorLines counts lines without an identifier.
func (r Result) ErrorLines() int {
	count := 0
	for _, l := range r.Lines {
		if l.Status == StatusError {
			count++
		}
	}
	return count
}
