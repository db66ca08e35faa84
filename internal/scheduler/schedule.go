// Package scheduler starts named transitions at fixed or sun-relative times of day.
package scheduler

import (
	"fmt"
	"time"
)

// Occurrence represents a specific firing point of a schedule
type Occurrence struct {
	ScheduleID string
	Time       time.Time
}

// DailySchedule runs one transition every day at a time expression
// (e.g. "06:30", "@sunrise - 30m").
type DailySchedule struct {
	id         string
	timeExpr   *TimeExpr
	evaluator  *Evaluator
	transition string
	duration   time.Duration
}

// NewDailySchedule parses the expression and binds it to the evaluator.
func NewDailySchedule(id, timeExpr, transition string, duration time.Duration, evaluator *Evaluator) (*DailySchedule, error) {
	expr, err := ParseTimeExpr(timeExpr)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}

	// Fail early if using astronomical times without a location
	if !expr.IsFixed() && !evaluator.SupportsAstronomical() {
		return nil, fmt.Errorf("schedule %s: %q needs geo.lat and geo.lon", id, timeExpr)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("schedule %s: duration must be positive", id)
	}

	return &DailySchedule{
		id:         id,
		timeExpr:   expr,
		evaluator:  evaluator,
		transition: transition,
		duration:   duration,
	}, nil
}

func (s *DailySchedule) ID() string              { return s.id }
func (s *DailySchedule) Transition() string      { return s.transition }
func (s *DailySchedule) Duration() time.Duration { return s.duration }
func (s *DailySchedule) Expr() string            { return s.timeExpr.String() }

// Next returns the next occurrence after the given time, or nil if none.
func (s *DailySchedule) Next(after time.Time) *Occurrence {
	t, ok := s.evaluator.Next(s.timeExpr, after)
	if !ok {
		return nil
	}
	return &Occurrence{ScheduleID: s.id, Time: t}
}

// Prev returns the previous occurrence before the given time, or nil if none.
func (s *DailySchedule) Prev(before time.Time) *Occurrence {
	t, ok := s.evaluator.Prev(s.timeExpr, before)
	if !ok {
		return nil
	}
	return &Occurrence{ScheduleID: s.id, Time: t}
}
