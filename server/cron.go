package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrCronTimezone rejects schedules that carry their own timezone. All
// print schedules run in UTC.
var ErrCronTimezone = errors.New("cron expression must be UTC-only (timezone prefixes are not allowed)")

// printCronParser accepts five-field expressions plus descriptors such as
// @daily or @every 15m.
var printCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parsePrintCron parses a schedule expression. Empty expressions and TZ
// prefixes are rejected.
func parsePrintCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("cron expression is required")
	}
	if upper := strings.ToUpper(clean); strings.HasPrefix(upper, "TZ=") || strings.HasPrefix(upper, "CRON_TZ=") {
		return nil, ErrCronTimezone
	}
	sched, err := printCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", clean, err)
	}
	return sched, nil
}

// nextPrintRun returns the first tick strictly after now, in UTC.
func nextPrintRun(sched cron.Schedule, now time.Time) time.Time {
	return sched.Next(now.UTC()).UTC()
}
