package queue

import "time"

// MaxBackoff caps the delay between retries.
const MaxBackoff = 600 * time.Second

// Backoff returns the delay before the retry-th retry (1-indexed):
// min(600, 3^retry) seconds.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	secs := 1
	for i := 0; i < retry; i++ {
		secs *= 3
		if time.Duration(secs)*time.Second >= MaxBackoff {
			return MaxBackoff
		}
	}
	return time.Duration(secs) * time.Second
}

// BackoffSchedule lists the delays for a budget of tries retries.
func BackoffSchedule(tries int) []time.Duration {
	schedule := make([]time.Duration, 0, tries)
	for i := 1; i <= tries; i++ {
		schedule = append(schedule, Backoff(i))
	}
	return schedule
}
