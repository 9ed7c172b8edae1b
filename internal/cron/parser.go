// Package cron evaluates pipeline cron expressions at second granularity.
//
// Both standard 5-field expressions and the 6-field form with a leading
// seconds field are accepted. "?" is treated as "*" and a trailing Quartz
// year field is accepted only when it is "*".
//
// An expression written in the Quartz dialect (it contains "?" or has a year
// field) numbers days of the week 1=SUN..7=SAT. Numeric days in such an
// expression are shifted to the 0=SUN..6=SAT numbering used otherwise.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxInvalidScan bounds the search for the next invalid second. An
// expression that matches every second would otherwise never terminate.
const maxInvalidScan = 24 * 60 * 60

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse parses expression for evaluation in the named IANA time zone.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return p.ParseIn(expression, loc)
}

// ParseIn parses expression for evaluation in loc.
func (p *Parser) ParseIn(expression string, loc *time.Location) (Schedule, error) {
	normalized, err := normalize(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	sched, err := p.parser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if loc == nil {
		loc = time.UTC
	}
	return &schedule{sched: sched, loc: loc}, nil
}

func normalize(expression string) (string, error) {
	fields := strings.Fields(expression)
	quartz := strings.Contains(expression, "?")
	if len(fields) == 7 {
		if fields[6] != "*" {
			return "", fmt.Errorf("year field %q is not supported", fields[6])
		}
		fields = fields[:6]
		quartz = true
	}
	if quartz && len(fields) >= 5 {
		dow, err := quartzDayOfWeek(fields[len(fields)-1])
		if err != nil {
			return "", err
		}
		fields[len(fields)-1] = dow
	}
	return strings.Join(fields, " "), nil
}

// quartzDayOfWeek rewrites numeric days in a Quartz day-of-week field
// (1=SUN..7=SAT) to 0=SUN..6=SAT. Names, "*" and "?" are left alone, as are
// step sizes.
func quartzDayOfWeek(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		bounds := strings.Split(base, "-")
		for j, bound := range bounds {
			n, err := strconv.Atoi(bound)
			if err != nil {
				continue
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("day of week %d out of range 1-7", n)
			}
			bounds[j] = strconv.Itoa(n - 1)
		}
		parts[i] = strings.Join(bounds, "-")
		if hasStep {
			parts[i] += "/" + step
		}
	}
	return strings.Join(parts, ","), nil
}

type Schedule interface {
	// Next returns the first fire time strictly after the given instant,
	// or the zero time if there is none.
	Next(after time.Time) time.Time

	// NextInvalidAfter returns the first second, at or after t truncated to
	// the second plus one second, that is not itself a fire time.
	NextInvalidAfter(t time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

func (s *schedule) NextInvalidAfter(t time.Time) time.Time {
	last := t.In(s.loc).Truncate(time.Second)
	for i := 0; i < maxInvalidScan; i++ {
		next := s.sched.Next(last)
		if next.IsZero() || next.Sub(last) != time.Second {
			break
		}
		last = next
	}
	return last.Add(time.Second)
}
