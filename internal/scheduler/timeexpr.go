package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Legich55555/mp710Ctrl/internal/geo"
)

// BaseTimeType represents the type of base time for an expression
type BaseTimeType int

const (
	BaseTimeFixed BaseTimeType = iota
	BaseTimeDawn
	BaseTimeSunrise
	BaseTimeNoon
	BaseTimeSunset
	BaseTimeDusk
)

// TimeExpr represents a parsed time expression
type TimeExpr struct {
	Raw       string
	BaseTime  BaseTimeType
	FixedHour int // For fixed times (0-23)
	FixedMin  int // For fixed times (0-59)
	Offset    time.Duration
}

var (
	// Match patterns like "@dawn", "@sunset", "@noon + 30m", "@sunrise - 1h30m"
	astroPattern = regexp.MustCompile(`^@(\w+)\s*([+-]\s*\d+[hms]+(?:\d+[ms]+)?)?$`)
	// Match patterns like "22:15", "06:30"
	fixedPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// ParseTimeExpr parses a time expression string
func ParseTimeExpr(expr string) (*TimeExpr, error) {
	expr = strings.TrimSpace(expr)

	if matches := fixedPattern.FindStringSubmatch(expr); matches != nil {
		hour, _ := strconv.Atoi(matches[1])
		minute, _ := strconv.Atoi(matches[2])

		if hour > 23 {
			return nil, fmt.Errorf("invalid hour: %d", hour)
		}
		if minute > 59 {
			return nil, fmt.Errorf("invalid minute: %d", minute)
		}

		return &TimeExpr{
			Raw:       expr,
			BaseTime:  BaseTimeFixed,
			FixedHour: hour,
			FixedMin:  minute,
		}, nil
	}

	if matches := astroPattern.FindStringSubmatch(expr); matches != nil {
		var baseTime BaseTimeType
		switch strings.ToLower(matches[1]) {
		case "dawn":
			baseTime = BaseTimeDawn
		case "sunrise":
			baseTime = BaseTimeSunrise
		case "noon":
			baseTime = BaseTimeNoon
		case "sunset":
			baseTime = BaseTimeSunset
		case "dusk":
			baseTime = BaseTimeDusk
		default:
			return nil, fmt.Errorf("unknown astronomical time: %s", matches[1])
		}

		offset, err := parseOffset(strings.ReplaceAll(matches[2], " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid offset: %w", err)
		}

		return &TimeExpr{
			Raw:      expr,
			BaseTime: baseTime,
			Offset:   offset,
		}, nil
	}

	return nil, fmt.Errorf("invalid time expression: %s", expr)
}

// parseOffset parses a signed duration like "+30m", "-1h" or "+1h30m"
func parseOffset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s[1:])
	if err != nil {
		return 0, err
	}
	if s[0] == '-' {
		d = -d
	}
	return d, nil
}

// IsFixed returns true if this is a fixed time expression
func (te *TimeExpr) IsFixed() bool {
	return te.BaseTime == BaseTimeFixed
}

// String returns the original expression string
func (te *TimeExpr) String() string {
	return te.Raw
}

// Evaluate calculates the time of this expression on date's day. It returns
// false when the sun event does not happen that day.
func (te *TimeExpr) Evaluate(date time.Time, astro *geo.AstroTimes, tz *time.Location) (time.Time, bool) {
	var base time.Time

	switch te.BaseTime {
	case BaseTimeFixed:
		date = date.In(tz)
		base = time.Date(date.Year(), date.Month(), date.Day(), te.FixedHour, te.FixedMin, 0, 0, tz)
	case BaseTimeDawn:
		base = pick(astro, func(a *geo.AstroTimes) time.Time { return a.Dawn })
	case BaseTimeSunrise:
		base = pick(astro, func(a *geo.AstroTimes) time.Time { return a.Sunrise })
	case BaseTimeNoon:
		base = pick(astro, func(a *geo.AstroTimes) time.Time { return a.Noon })
	case BaseTimeSunset:
		base = pick(astro, func(a *geo.AstroTimes) time.Time { return a.Sunset })
	case BaseTimeDusk:
		base = pick(astro, func(a *geo.AstroTimes) time.Time { return a.Dusk })
	}

	if base.IsZero() {
		return time.Time{}, false
	}
	return base.Add(te.Offset), true
}

func pick(astro *geo.AstroTimes, field func(*geo.AstroTimes) time.Time) time.Time {
	if astro == nil {
		return time.Time{}
	}
	return field(astro)
}

// Evaluator resolves time expressions in a timezone. Sun-relative expressions
// need a calculator.
type Evaluator struct {
	calc *geo.Calculator
	tz   *time.Location
}

// NewEvaluator creates an evaluator. calc may be nil for fixed times only.
func NewEvaluator(calc *geo.Calculator, tz *time.Location) *Evaluator {
	if tz == nil {
		tz = time.UTC
	}
	return &Evaluator{calc: calc, tz: tz}
}

// SupportsAstronomical reports whether sun-relative expressions can be evaluated.
func (e *Evaluator) SupportsAstronomical() bool {
	return e.calc != nil
}

// Timezone returns the evaluator's timezone
func (e *Evaluator) Timezone() *time.Location {
	return e.tz
}

// Evaluate evaluates a time expression for a given date
func (e *Evaluator) Evaluate(expr *TimeExpr, date time.Time) (time.Time, bool) {
	var astro *geo.AstroTimes
	if !expr.IsFixed() {
		if e.calc == nil {
			return time.Time{}, false
		}
		astro = e.calc.Times(date, e.tz)
	}
	return expr.Evaluate(date, astro, e.tz)
}

// Next finds the first occurrence strictly after the given time.
func (e *Evaluator) Next(expr *TimeExpr, after time.Time) (time.Time, bool) {
	// Start a day early: a negative offset can move tomorrow's event into today.
	date := after.In(e.tz).AddDate(0, 0, -1)

	// Up to a year ahead covers polar seasons.
	for i := 0; i < 367; i++ {
		t, ok := e.Evaluate(expr, date.AddDate(0, 0, i))
		if ok && t.After(after) {
			return t, true
		}
	}
	return time.Time{}, false
}

// Prev finds the last occurrence strictly before the given time.
func (e *Evaluator) Prev(expr *TimeExpr, before time.Time) (time.Time, bool) {
	date := before.In(e.tz).AddDate(0, 0, 1)

	for i := 0; i < 367; i++ {
		t, ok := e.Evaluate(expr, date.AddDate(0, 0, -i))
		if ok && t.Before(before) {
			return t, true
		}
	}
	return time.Time{}, false
}
