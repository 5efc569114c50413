// Package schedule computes which declarative recurring jobs are due and runs
// them under a hard timeout. Due-ness is a pure function of the job, its last
// run, and the clock; all comparisons happen in UTC so DST transitions are a
// non-issue.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"vigil/internal/model"
)

type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekdays Frequency = "weekdays"
	FreqDays     Frequency = "days"
	FreqWeekly   Frequency = "weekly"
	FreqHourly   Frequency = "hourly"
	FreqInterval Frequency = "interval"
)

// Func is the bound action callback of a job. It returns a human-readable
// detail for the audit record.
type Func func(ctx context.Context) (string, error)

// Job is a validated, runnable schedule entry.
type Job struct {
	Name            string
	Frequency       Frequency
	Days            []time.Weekday
	Hour            int
	Minute          int
	HasTimeOfDay    bool
	IntervalMinutes int
	Priority        model.Priority
	Enabled         bool
	Timeout         time.Duration
	Run             Func
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// FromConfig validates a declarative job definition and binds it to run.
func FromConfig(cfg model.JobConfig, run Func) (Job, error) {
	job := Job{
		Name:      cfg.Name,
		Frequency: Frequency(cfg.Frequency),
		Priority:  model.ParsePriority(cfg.Priority),
		Enabled:   cfg.Enabled,
		Run:       run,
	}
	if cfg.Name == "" {
		return Job{}, fmt.Errorf("job has no name")
	}
	if cfg.TimeoutSec > 0 {
		job.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	if cfg.TimeOfDay != "" {
		var err error
		job.Hour, job.Minute, err = parseTimeOfDay(cfg.TimeOfDay)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", cfg.Name, err)
		}
		job.HasTimeOfDay = true
	}

	for _, name := range cfg.Days {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return Job{}, fmt.Errorf("job %s: unknown weekday %q", cfg.Name, name)
		}
		job.Days = append(job.Days, wd)
	}

	switch job.Frequency {
	case FreqDaily, FreqWeekdays, FreqHourly:
	case FreqDays:
		if len(job.Days) == 0 {
			return Job{}, fmt.Errorf("job %s: frequency %q requires days", cfg.Name, job.Frequency)
		}
	case FreqWeekly:
		if len(job.Days) != 1 {
			return Job{}, fmt.Errorf("job %s: frequency %q requires exactly one day", cfg.Name, job.Frequency)
		}
	case FreqInterval:
		if cfg.IntervalMinutes <= 0 {
			return Job{}, fmt.Errorf("job %s: frequency %q requires interval_minutes > 0", cfg.Name, job.Frequency)
		}
		job.IntervalMinutes = cfg.IntervalMinutes
	default:
		return Job{}, fmt.Errorf("job %s: unknown frequency %q", cfg.Name, cfg.Frequency)
	}

	return job, nil
}

// IsDue reports whether job should fire at now given its last run. The rule
// only checks whether the job has run since the last qualifying boundary, so
// any number of missed firings during downtime collapses into a single one.
func IsDue(job Job, lastRun *time.Time, now time.Time) bool {
	if !job.Enabled {
		return false
	}
	now = now.UTC()

	switch job.Frequency {
	case FreqDaily:
		return timeOfDayPassed(job, now) && !ranOn(lastRun, now)
	case FreqWeekdays:
		wd := now.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		return timeOfDayPassed(job, now) && !ranOn(lastRun, now)
	case FreqDays:
		if !containsWeekday(job.Days, now.Weekday()) {
			return false
		}
		return timeOfDayPassed(job, now) && !ranOn(lastRun, now)
	case FreqWeekly:
		if now.Weekday() != job.Days[0] {
			return false
		}
		return timeOfDayPassed(job, now) && !ranThisWeek(lastRun, now)
	case FreqHourly:
		return lastRun == nil || now.Sub(lastRun.UTC()) >= time.Hour
	case FreqInterval:
		return lastRun == nil || now.Sub(lastRun.UTC()) >= time.Duration(job.IntervalMinutes)*time.Minute
	default:
		return false
	}
}

// DueJobs returns the due subset ordered by priority, then registration order,
// so one tick's execution order is deterministic.
func DueJobs(jobs []Job, lastRuns map[string]time.Time, now time.Time) []Job {
	var due []Job
	for _, job := range jobs {
		var last *time.Time
		if t, ok := lastRuns[job.Name]; ok {
			last = &t
		}
		if IsDue(job, last, now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Priority.Rank() < due[j].Priority.Rank()
	})
	return due
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time_of_day %q (want HH:MM)", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time_of_day %q out of range", s)
	}
	return hour, minute, nil
}

// timeOfDayPassed reports whether now is at or past the job's time of day.
// Jobs without a time of day are due from midnight.
func timeOfDayPassed(job Job, now time.Time) bool {
	if !job.HasTimeOfDay {
		return true
	}
	return now.Hour() > job.Hour || (now.Hour() == job.Hour && now.Minute() >= job.Minute)
}

func ranOn(lastRun *time.Time, now time.Time) bool {
	if lastRun == nil {
		return false
	}
	ly, lm, ld := lastRun.UTC().Date()
	ny, nm, nd := now.Date()
	return ly == ny && lm == nm && ld == nd
}

func ranThisWeek(lastRun *time.Time, now time.Time) bool {
	if lastRun == nil {
		return false
	}
	ly, lw := lastRun.UTC().ISOWeek()
	ny, nw := now.ISOWeek()
	return ly == ny && lw == nw
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}
