package report

import (
	"encoding/json"
	"fmt"

	"github.com/nsf/jsondiff"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// normalized drops timestamps so two runs of the same program compare equal.
func normalized(d *Document) ([]byte, error) {
	c := *d
	c.Messages = make([]Message, len(d.Messages))
	for i, m := range d.Messages {
		m.Time = 0
		c.Messages[i] = m
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}

// Diff renders the differences between two reports in gojsondiff's ascii
// format. It returns "" when they match.
func Diff(a, b *Document, coloring bool) (string, error) {
	left, err := normalized(a)
	if err != nil {
		return "", err
	}
	right, err := normalized(b)
	if err != nil {
		return "", err
	}

	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("diff reports: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", fmt.Errorf("diff reports: %w", err)
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       coloring,
	})
	out, err := f.Format(delta)
	if err != nil {
		return "", fmt.Errorf("format diff: %w", err)
	}
	return out, nil
}

type Match int

const (
	FullMatch Match = iota
	// SupersetMatch means b contains everything a does, and more.
	SupersetMatch
	NoMatch
	Invalid
)

func (m Match) String() string {
	switch m {
	case FullMatch:
		return "full match"
	case SupersetMatch:
		return "superset"
	case NoMatch:
		return "no match"
	}
	return "invalid"
}

// Compare classifies b against a.
func Compare(a, b *Document) (Match, error) {
	left, err := normalized(a)
	if err != nil {
		return Invalid, err
	}
	right, err := normalized(b)
	if err != nil {
		return Invalid, err
	}
	opts := jsondiff.DefaultConsoleOptions()
	switch diff, _ := jsondiff.Compare(right, left, &opts); diff {
	case jsondiff.FullMatch:
		return FullMatch, nil
	case jsondiff.SupersetMatch:
		return SupersetMatch, nil
	case jsondiff.NoMatch:
		return NoMatch, nil
	}
	return Invalid, fmt.Errorf("compare reports: invalid json")
}
