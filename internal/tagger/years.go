package tagger

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Years is a list of publication years used to split or filter the corpus.
//
// In YAML it may be a comma-separated string ("2016,2017", "2016-2018"), a
// single integer, or a sequence of either.
type Years []int

// ParseYears parses a comma-separated year list. Entries are trimmed; an
// inclusive range is written "2016-2018". Duplicates are dropped, first
// occurrence wins. An empty string yields nil.
func ParseYears(s string) (Years, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out Years
	seen := make(map[int]bool)
	add := func(y int) {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err := parseYear(lo)
			if err != nil {
				return nil, err
			}
			to, err := parseYear(hi)
			if err != nil {
				return nil, err
			}
			if to < from {
				return nil, fmt.Errorf("year range %q is reversed", part)
			}
			for y := from; y <= to; y++ {
				add(y)
			}
			continue
		}
		y, err := parseYear(part)
		if err != nil {
			return nil, err
		}
		add(y)
	}
	return out, nil
}

func parseYear(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid year %q: want four digits", s)
	}
	y, err := strconv.Atoi(s)
	if err != nil || y < 1000 {
		return 0, fmt.Errorf("invalid year %q: want four digits", s)
	}
	return y, nil
}

// String renders the years comma-separated, as grants-tagger expects.
func (y Years) String() string {
	parts := make([]string, len(y))
	for i, v := range y {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Contains reports whether year is in the list.
func (y Years) Contains(year int) bool {
	for _, v := range y {
		if v == year {
			return true
		}
	}
	return false
}

// Overlap returns the years present in both lists, in y's order.
func (y Years) Overlap(other Years) Years {
	var out Years
	for _, v := range y {
		if other.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// UnmarshalYAML accepts a scalar list or a sequence.
func (y *Years) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := ParseYears(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*y = parsed
		return nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: years must be scalars", item.Line)
			}
			parts = append(parts, item.Value)
		}
		parsed, err := ParseYears(strings.Join(parts, ","))
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*y = parsed
		return nil
	default:
		return fmt.Errorf("line %d: years must be a string or a list", value.Line)
	}
}

// MarshalYAML renders the comma-separated form.
func (y Years) MarshalYAML() (any, error) {
	return y.String(), nil
}
