// Package cronsched computes scheduled-reconnection wait times: a
// cron-spec "next fire" contract (parsed by robfig/cron/v3, the
// cron-spec parser spec.md names as an external collaborator whose
// arithmetic is not respecified) plus the fixed-delay/jitter rules the
// MQTT session manager layers on top.
package cronsched

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// Aliases the original agent recognized in place of a raw cron spec.
var Aliases = map[string]string{
	"all":       "* * * * *",
	"weekdays":  "* * * * 1-5",
	"workhours": "* 9-17 * * 1-5",
	"midnight":  "* 0 * * *",
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Resolve expands an alias if present, otherwise returns spec unchanged.
func Resolve(spec string) string {
	if alias, ok := Aliases[spec]; ok {
		return alias
	}
	return spec
}

// Parse compiles a cron spec (after alias expansion) into a reusable
// Schedule.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(Resolve(spec))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.BadArgs, "cronsched", "Parse", err)
	}
	return sched, nil
}

// Until returns the duration from t until the schedule's next fire
// (zero when t itself is a fire time).
// Used directly by the boundary tests in spec.md §8: "* * * * *" must
// always be < 60s away; "midnight" at 23:59:30 must be exactly 30s away.
func Until(sched cron.Schedule, t time.Time) time.Duration {
	// Next returns the first fire strictly after its argument, so ask from
	// one second earlier to let a fire at exactly t count.
	next := sched.Next(t.Add(-time.Second))
	d := next.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// NextWait computes the total reconnection wait: time until the next
// cron fire, plus a fixed minimum delay since the last disconnect, plus
// uniform jitter in [0, jitterMax). A non-positive result means "connect
// immediately".
func NextWait(sched cron.Schedule, now, lastDisconnect time.Time, minDelay, jitterMax time.Duration) time.Duration {
	cronWait := Until(sched, now)

	sinceDisconnect := now.Sub(lastDisconnect)
	minWait := minDelay - sinceDisconnect
	if minWait < 0 {
		minWait = 0
	}

	wait := cronWait
	if minWait > wait {
		wait = minWait
	}

	if jitterMax > 0 {
		wait += time.Duration(rand.Int63n(int64(jitterMax)))
	}

	return wait
}
