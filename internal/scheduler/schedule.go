package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions plus @descriptors
// such as @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseCron validates the expression and resolves the timezone it should be
// evaluated in. An empty timezone means UTC.
func parseCron(expr, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return sched, loc, nil
}

// nextCronTime computes the first firing instant strictly after now.
func nextCronTime(expr, timezone string, now time.Time) (time.Time, error) {
	sched, loc, err := parseCron(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}
