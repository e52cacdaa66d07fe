package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PageRange is an inclusive 1-based page interval.
type PageRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r PageRange) Len() int {
	return r.To - r.From + 1
}

func (r PageRange) Contains(page int) bool {
	return page >= r.From && page <= r.To
}

func (r PageRange) String() string {
	if r.From == r.To {
		return strconv.Itoa(r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// ValidatePartition checks that ranges cover 1..total in order with no gaps
// or overlaps.
func ValidatePartition(ranges []PageRange, total int) error {
	if total <= 0 {
		return fmt.Errorf("page count must be positive, got %d", total)
	}
	if len(ranges) == 0 {
		return fmt.Errorf("no page ranges")
	}
	next := 1
	for i, r := range ranges {
		if r.From > r.To {
			return fmt.Errorf("range %d (%s) is inverted", i, r)
		}
		if r.From != next {
			if r.From < next {
				return fmt.Errorf("range %d (%s) overlaps the previous range", i, r)
			}
			return fmt.Errorf("gap before range %d (%s): page %d is not covered", i, r, next)
		}
		next = r.To + 1
	}
	if next != total+1 {
		if next > total+1 {
			return fmt.Errorf("ranges extend past page %d", total)
		}
		return fmt.Errorf("pages %d-%d are not covered", next, total)
	}
	return nil
}

// ParsePageRanges parses "1-2,3,4-6". The result is sorted by From but not
// otherwise validated.
func ParsePageRanges(s string) ([]PageRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []PageRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		from, to, found := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("invalid page range %q", part)
		}
		b := a
		if found {
			if b, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
				return nil, fmt.Errorf("invalid page range %q", part)
			}
		}
		if a < 1 || b < a {
			return nil, fmt.Errorf("invalid page range %q", part)
		}
		out = append(out, PageRange{From: a, To: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

// FormatPageRanges is the inverse of ParsePageRanges.
func FormatPageRanges(ranges []PageRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
