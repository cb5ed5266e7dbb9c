package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// cronParser accepts standard 5-field cron expressions (minute hour dom
// month dow), matching the MONTHLY_BACKUP_CRON / RETENTION_CHECK_CRON
// config strings (spec.md §6).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// OnceConfig is the schedule_config shape for schedule_type=once.
type OnceConfig struct {
	Datetime time.Time `json:"datetime"`
}

// IntervalConfig is the schedule_config shape for schedule_type=interval.
type IntervalConfig struct {
	Interval int    `json:"interval"`
	Unit     string `json:"unit"` // seconds, minutes, hours, days
}

func (c IntervalConfig) duration() time.Duration {
	unit := time.Second
	switch c.Unit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	}
	return time.Duration(c.Interval) * unit
}

// DailyConfig is the schedule_config shape for schedule_type=daily.
type DailyConfig struct {
	Time string `json:"time"` // "HH:MM:SS"
}

// WeeklyConfig is the schedule_config shape for schedule_type=weekly.
type WeeklyConfig struct {
	DayOfWeek int    `json:"day_of_week"` // 0=Sunday..6=Saturday
	Time      string `json:"time"`
}

// MonthlyConfig is the schedule_config shape for schedule_type=monthly.
type MonthlyConfig struct {
	DayOfMonth int    `json:"day_of_month"`
	Time       string `json:"time"`
}

// YearlyConfig is the schedule_config shape for schedule_type=yearly.
type YearlyConfig struct {
	Month int    `json:"month"`
	Day   int    `json:"day"`
	Time  string `json:"time"`
}

// CronConfig is the schedule_config shape for schedule_type=cron.
type CronConfig struct {
	Expression string `json:"expression"`
}

func parseClock(s string) (hour, min, sec int, err error) {
	if s == "" {
		return 0, 0, 0, nil
	}
	_, err = fmt.Sscanf(s, "%d:%d:%d", &hour, &min, &sec)
	if err != nil {
		// Allow "HH:MM" without seconds.
		sec = 0
		if _, err2 := fmt.Sscanf(s, "%d:%d", &hour, &min); err2 != nil {
			return 0, 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
		}
		err = nil
	}
	return hour, min, sec, nil
}

func atClock(day time.Time, hour, min, sec int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, sec, 0, day.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ComputeNextRun implements spec.md §4.1's next-run-time math for every
// schedule_type. now is injected for testability. lastSuccessTime is only
// consulted for schedule_type=monthly's never-run special case.
func ComputeNextRun(scheduleType models.ScheduleType, config string, now time.Time, lastRunTime, lastSuccessTime *time.Time) (*time.Time, error) {
	switch scheduleType {
	case models.ScheduleOnce:
		var c OnceConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid once config: %v", err)
		}
		if !c.Datetime.After(now) {
			return nil, nil
		}
		t := c.Datetime
		return &t, nil

	case models.ScheduleInterval:
		var c IntervalConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid interval config: %v", err)
		}
		d := c.duration()
		if lastRunTime == nil {
			t := now.Add(d)
			return &t, nil
		}
		candidate := lastRunTime.Add(d)
		if !candidate.After(now) {
			candidate = now.Add(d)
		}
		return &candidate, nil

	case models.ScheduleDaily:
		var c DailyConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid daily config: %v", err)
		}
		hour, min, sec, err := parseClock(c.Time)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		next := atClock(now, hour, min, sec)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case models.ScheduleWeekly:
		var c WeeklyConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid weekly config: %v", err)
		}
		hour, min, sec, err := parseClock(c.Time)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		candidate := atClock(now, hour, min, sec)
		daysAhead := (c.DayOfWeek - int(now.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, daysAhead)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return &candidate, nil

	case models.ScheduleMonthly:
		if lastSuccessTime == nil {
			t := now.Add(1 * time.Minute)
			return &t, nil
		}
		var c MonthlyConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid monthly config: %v", err)
		}
		hour, min, sec, err := parseClock(c.Time)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		day := c.DayOfMonth
		if d := daysInMonth(now.Year(), now.Month()); day > d {
			day = d
		}
		candidate := time.Date(now.Year(), now.Month(), day, hour, min, sec, 0, now.Location())
		if !candidate.After(now) {
			nextMonth := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
			day = c.DayOfMonth
			if d := daysInMonth(nextMonth.Year(), nextMonth.Month()); day > d {
				day = d
			}
			candidate = time.Date(nextMonth.Year(), nextMonth.Month(), day, hour, min, sec, 0, now.Location())
		}
		return &candidate, nil

	case models.ScheduleYearly:
		var c YearlyConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid yearly config: %v", err)
		}
		hour, min, sec, err := parseClock(c.Time)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		candidate := yearlyClamped(now.Year(), c.Month, c.Day, hour, min, sec, now.Location())
		if !candidate.After(now) {
			candidate = yearlyClamped(now.Year()+1, c.Month, c.Day, hour, min, sec, now.Location())
		}
		return &candidate, nil

	case models.ScheduleCron:
		var c CronConfig
		if err := json.Unmarshal([]byte(config), &c); err != nil {
			return nil, apperr.Validation("invalid cron config: %v", err)
		}
		sched, err := cronParser.Parse(c.Expression)
		if err != nil {
			return nil, apperr.Validation("invalid cron expression %q: %v", c.Expression, err)
		}
		t := sched.Next(now)
		return &t, nil

	default:
		return nil, apperr.Validation("unknown schedule_type %q", scheduleType)
	}
}

// yearlyClamped builds month/day in year, falling back from Feb 29 to Feb 28
// in non-leap years.
func yearlyClamped(year, month, day, hour, min, sec int, loc *time.Location) time.Time {
	if month == 2 && day == 29 && daysInMonth(year, time.February) == 28 {
		day = 28
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, loc)
}

// ParseCron validates a cron expression.
func ParseCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
