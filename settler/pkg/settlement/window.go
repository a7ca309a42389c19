package settlement

import "time"

// WindowBounds returns the most recent fully elapsed window of the given
// period at now. Windows are half-open [start, end) aligned to period
// boundaries in UTC, so an hourly tick at 11:07 settles [10:00, 11:00).
func WindowBounds(now time.Time, period time.Duration) (start, end time.Time) {
	end = now.UTC().Truncate(period)
	return end.Add(-period), end
}

// ExpectedSamples returns how many fixed-cadence samples a window of the given
// length should contain. Used to detect gappy score data; fewer observed
// samples than expected is degraded, not fatal.
func ExpectedSamples(start, end time.Time, cadence time.Duration) int {
	if cadence <= 0 || !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / cadence)
}
