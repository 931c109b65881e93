package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// fallbackInterval is what NextRunTime adds when an expression does not parse
const fallbackInterval = time.Hour

// cronParser takes 5-field lines, 6-field lines with leading seconds, and
// descriptors such as @hourly or @every 30m
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// clockInterval matches intervals written as hours:minutes, e.g. 01:30
var clockInterval = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// Expr is a validated schedule: either a cron line or a fixed interval
type Expr struct {
	Cron  string
	Every time.Duration
}

func (e Expr) IsInterval() bool {
	return e.Every > 0
}

// Schedule converts the expression into a cron schedule
func (e Expr) Schedule() (cron.Schedule, error) {
	if e.IsInterval() {
		return cron.Every(e.Every), nil
	}
	return cronParser.Parse(e.Cron)
}

// ParseSchedule accepts a cron expression ("*/15 * * * *", "0 30 9 * * *",
// "@every 30m"), a Go duration ("45m") or an hours:minutes interval ("01:30").
func ParseSchedule(raw string) (Expr, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return Expr{}, errors.New("empty schedule")
	}
	if strings.HasPrefix(expr, "@") || strings.ContainsAny(expr, " \t") {
		if _, err := cronParser.Parse(expr); err != nil {
			return Expr{}, fmt.Errorf("bad cron expression %q: %w", expr, err)
		}
		return Expr{Cron: expr}, nil
	}

	every, err := parseInterval(expr)
	if err != nil {
		return Expr{}, err
	}
	return Expr{Every: every}, nil
}

func parseInterval(s string) (time.Duration, error) {
	var every time.Duration
	if m := clockInterval.FindStringSubmatch(s); m != nil {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		every = time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("schedule %q is neither a cron expression nor an interval", s)
		}
		every = d
	}
	if every <= 0 {
		return 0, fmt.Errorf("schedule %q: interval must be positive", s)
	}
	return every, nil
}

// NextRunTime returns when expr fires next after from. An expression that
// does not parse yields from plus one hour.
func NextRunTime(expr string, from time.Time) time.Time {
	e, err := ParseSchedule(expr)
	if err != nil {
		return from.Add(fallbackInterval)
	}
	if e.IsInterval() {
		return from.Add(e.Every)
	}
	sched, err := e.Schedule()
	if err != nil {
		return from.Add(fallbackInterval)
	}
	if next := sched.Next(from); !next.IsZero() {
		return next
	}
	return from.Add(fallbackInterval)
}
