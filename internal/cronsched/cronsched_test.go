package cronsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllSpecAlwaysUnderOneMinute(t *testing.T) {
	sched, err := Parse("all")
	require.NoError(t, err)

	for _, hhmm := range []string{"00:00:00", "00:00:59", "12:34:56", "23:59:59"} {
		ts, err := time.Parse("15:04:05", hhmm)
		require.NoError(t, err)
		d := Until(sched, ts)
		require.Less(t, d, 60*time.Second)
	}
}

func TestMidnightAt235930Returns30Seconds(t *testing.T) {
	sched, err := Parse("midnight")
	require.NoError(t, err)

	ts := time.Date(2026, 7, 31, 23, 59, 30, 0, time.UTC)
	d := Until(sched, ts)
	require.Equal(t, 30*time.Second, d)
}
