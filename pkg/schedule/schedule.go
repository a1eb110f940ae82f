package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next activation after a given time. A parsed
// cron.Schedule satisfies it as is.
type Schedule interface {
	Next(from time.Time) time.Time
}

// Interval fires a fixed duration after the previous activation.
type Interval time.Duration

// Next implements Schedule.
func (i Interval) Next(from time.Time) time.Time {
	return from.Add(time.Duration(i))
}

// Every returns an Interval schedule.
func Every(d time.Duration) Schedule {
	return Interval(d)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse reads a Go duration ("90s", "5m"), a five-field cron expression
// or a descriptor such as "@hourly" or "@every 5m". Cron expressions may
// carry a "CRON_TZ=Asia/Kolkata " prefix.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule: interval %q must be positive", expr)
		}
		return Interval(d), nil
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	return s, nil
}

// Cron is Parse for expressions written in code; it panics on error.
func Cron(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}
