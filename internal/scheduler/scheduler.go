package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner starts named transitions. *control.Service implements it.
type Runner interface {
	StartTransition(name string, duration time.Duration, source string) error
}

// Scheduler fires daily schedules in time order.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*DailySchedule

	runner    Runner
	evaluator *Evaluator
	now       func() time.Time

	reschedule chan struct{}
}

// New creates a scheduler.
func New(runner Runner, evaluator *Evaluator) *Scheduler {
	return &Scheduler{
		schedules:  make(map[string]*DailySchedule),
		runner:     runner,
		evaluator:  evaluator,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
}

// Evaluator returns the time expression evaluator.
func (s *Scheduler) Evaluator() *Evaluator {
	return s.evaluator
}

// Register adds or replaces a schedule.
func (s *Scheduler) Register(sched *DailySchedule) {
	s.mu.Lock()
	s.schedules[sched.ID()] = sched
	s.mu.Unlock()

	log.Debug().
		Str("id", sched.ID()).
		Str("at", sched.Expr()).
		Str("transition", sched.Transition()).
		Msg("Schedule registered")

	s.notifyReschedule()
}

// Define creates and registers a daily schedule.
func (s *Scheduler) Define(id, timeExpr, transition string, duration time.Duration) error {
	sched, err := NewDailySchedule(id, timeExpr, transition, duration, s.evaluator)
	if err != nil {
		return err
	}
	s.Register(sched)
	return nil
}

// Unregister removes a schedule
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	delete(s.schedules, id)
	s.mu.Unlock()
	s.notifyReschedule()
}

func (s *Scheduler) notifyReschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// Run fires schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Msg("Scheduler started")

	for {
		occ, sched := s.nextOccurrence(s.now())

		sleepDuration := time.Hour // default if no schedules
		if occ != nil {
			sleepDuration = max(occ.Time.Sub(s.now()), 0)
		}

		log.Debug().Dur("sleep_duration", sleepDuration).Msg("Scheduler sleeping")

		timer := time.NewTimer(sleepDuration)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopping")
			return nil

		case <-s.reschedule:
			timer.Stop()
			log.Debug().Msg("Schedule changed, recomputing")

		case <-timer.C:
			if sched != nil {
				s.fire(sched, sched.Duration(), "schedule")
			}
		}
	}
}

// ResumeInProgress restarts the latest schedule whose transition would still be
// running now, with only the remaining time. It returns the resumed schedule ID.
func (s *Scheduler) ResumeInProgress() (string, bool) {
	s.mu.RLock()
	now := s.now()

	var winner *DailySchedule
	var winnerPrev *Occurrence
	for _, sched := range s.schedules {
		prev := sched.Prev(now)
		if prev == nil || !prev.Time.Add(sched.Duration()).After(now) {
			continue
		}
		if winnerPrev == nil || prev.Time.After(winnerPrev.Time) {
			winner, winnerPrev = sched, prev
		}
	}
	s.mu.RUnlock()

	if winner == nil {
		return "", false
	}

	remaining := winnerPrev.Time.Add(winner.Duration()).Sub(now)
	log.Info().
		Str("schedule", winner.ID()).
		Time("started_at", winnerPrev.Time).
		Dur("remaining", remaining).
		Msg("Resuming scheduled transition")

	s.fire(winner, remaining, "schedule_resume")
	return winner.ID(), true
}

// nextOccurrence finds the earliest next occurrence across all schedules
func (s *Scheduler) nextOccurrence(after time.Time) (*Occurrence, *DailySchedule) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var earliest *Occurrence
	var source *DailySchedule

	for _, sched := range s.schedules {
		if occ := sched.Next(after); occ != nil {
			if earliest == nil || occ.Time.Before(earliest.Time) {
				earliest = occ
				source = sched
			}
		}
	}

	return earliest, source
}

func (s *Scheduler) fire(sched *DailySchedule, duration time.Duration, source string) {
	log.Info().
		Str("schedule", sched.ID()).
		Str("transition", sched.Transition()).
		Dur("duration", duration).
		Msg("Firing schedule")

	if err := s.runner.StartTransition(sched.Transition(), duration, source+":"+sched.ID()); err != nil {
		log.Error().Err(err).Str("schedule", sched.ID()).Msg("Scheduled transition failed")
	}
}

// Entry is one occurrence for display.
type Entry struct {
	ID         string
	Expr       string
	Time       time.Time
	Transition string
	Duration   time.Duration
	IsPast     bool
}

// Day returns every occurrence on day's calendar date, in time order.
func (s *Scheduler) Day(day time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tz := s.evaluator.Timezone()
	now := s.now()
	d := day.In(tz)
	startOfDay := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, tz)
	endOfDay := startOfDay.AddDate(0, 0, 1)

	var entries []Entry
	for _, sched := range s.schedules {
		occ := sched.Next(startOfDay.Add(-time.Second))
		if occ == nil || !occ.Time.Before(endOfDay) {
			continue
		}
		entries = append(entries, Entry{
			ID:         sched.ID(),
			Expr:       sched.Expr(),
			Time:       occ.Time,
			Transition: sched.Transition(),
			Duration:   sched.Duration(),
			IsPast:     occ.Time.Before(now),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time.Equal(entries[j].Time) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries
}

// FormatDay returns a human-readable schedule for a specific day.
func (s *Scheduler) FormatDay(day time.Time) string {
	entries := s.Day(day)
	tz := s.evaluator.Timezone()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Schedule for %s (timezone: %s)\n", day.In(tz).Format("2006-01-02"), tz)
	fmt.Fprintf(&sb, "%-3s %-20s %-20s %-10s %-12s %s\n", "", "ID", "AT", "TIME", "TRANSITION", "DURATION")
	sb.WriteString(strings.Repeat("-", 80) + "\n")

	for _, e := range entries {
		status := " "
		if e.IsPast {
			status = "✓"
		}
		fmt.Fprintf(&sb, "%-3s %-20s %-20s %-10s %-12s %s\n",
			status, e.ID, e.Expr, e.Time.In(tz).Format("15:04:05"), e.Transition, e.Duration)
	}

	if len(entries) == 0 {
		sb.WriteString("No occurrences for this day\n")
	}
	return sb.String()
}
