// Package cron parses five-field cron expressions and computes their next firing time in UTC.
//
// Every field must match for an instant to be selected, including day-of-month and
// day-of-week when both are restricted. Searches are bounded to SearchWindow so a
// malformed or impossible expression fails loudly instead of scanning forever.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SearchWindow bounds how far ahead Next looks for a matching minute.
const SearchWindow = 366 * 24 * time.Hour

var (
	// ErrInvalidExpression is returned for expressions that cannot be parsed.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrNoMatch is returned when no instant within SearchWindow matches.
	ErrNoMatch = errors.New("no matching time within search window")
)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Schedule is a parsed cron expression with every field expanded to an explicit set.
type Schedule struct {
	expr    string
	minutes set
	hours   set
	doms    set
	months  set
	dows    set
}

type set map[int]struct{}

func (s set) has(v int) bool {
	_, ok := s[v]

	return ok
}

// Parse parses a five-field expression: minute hour day-of-month month day-of-week.
// Each field accepts "*", comma lists, ranges "a-b" and steps "*/n" or "a/n" / "a-b/n".
// Day-of-week is 0-6 with 0 as Sunday; 7 is accepted as Sunday too.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d in %q", ErrInvalidExpression, len(fields), expr)
	}

	sets := make([]set, 5)

	for i, field := range fields {
		s, err := parseField(field, fieldBounds[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s field %q: %v", ErrInvalidExpression, fieldBounds[i].name, field, err)
		}

		sets[i] = s
	}

	if sets[4].has(7) {
		delete(sets[4], 7)
		sets[4][0] = struct{}{}
	}

	return &Schedule{
		expr:    expr,
		minutes: sets[0],
		hours:   sets[1],
		doms:    sets[2],
		months:  sets[3],
		dows:    sets[4],
	}, nil
}

// Next parses expr and returns its first firing strictly after after.
func Next(expr string, after time.Time) (time.Time, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(after)
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the earliest minute strictly after after (seconds truncated) whose
// UTC fields all belong to the schedule.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	start := after.UTC().Truncate(time.Minute)
	limit := start.Add(SearchWindow)
	t := start.Add(time.Minute)

	for !t.After(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)

			continue
		}

		if !s.doms.has(t.Day()) || !s.dows.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)

			continue
		}

		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)

			continue
		}

		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)

			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoMatch, s.expr, after.UTC().Format(time.RFC3339))
}

func parseField(field string, b bounds) (set, error) {
	result := make(set)

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, errors.New("empty list element")
		}

		if err := expandPart(part, b, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func expandPart(part string, b bounds, into set) error {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", stepPart)
		}

		step = n
	}

	var lo, hi int

	switch {
	case rangePart == "*":
		lo, hi = b.min, b.max
	case strings.Contains(rangePart, "-"):
		loStr, hiStr, _ := strings.Cut(rangePart, "-")

		var err error

		if lo, err = parseValue(loStr, b); err != nil {
			return err
		}

		if hi, err = parseValue(hiStr, b); err != nil {
			return err
		}

		if lo > hi {
			return fmt.Errorf("range start %d after end %d", lo, hi)
		}
	default:
		v, err := parseValue(rangePart, b)
		if err != nil {
			return err
		}

		lo, hi = v, v

		if hasStep {
			hi = b.max
		}
	}

	for v := lo; v <= hi; v += step {
		into[v] = struct{}{}
	}

	return nil
}

func parseValue(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}

	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", v, b.min, b.max)
	}

	return v, nil
}
