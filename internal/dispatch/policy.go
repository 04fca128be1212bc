package dispatch

import "time"

// RetryPolicy bounds how long a single Dispatch may block: at most
// NumRetries+1 transport attempts of up to Timeout each, separated by
// Backoff(retry) waits. Peer-requested retries (AGAIN) do not count.
type RetryPolicy struct {
	// NumRetries is the number of retries after the first attempt.
	NumRetries int

	// Timeout bounds each transport attempt. Zero means no per-attempt limit.
	Timeout time.Duration

	// Backoff returns the wait before retry number attempt (1-based).
	// nil means DefaultBackoff.
	Backoff func(attempt int) time.Duration

	// AgainWait is the fixed wait after a peer answered AGAIN.
	AgainWait time.Duration
}

// DefaultRetryPolicy is used when neither the request nor the dispatcher
// configuration provides one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NumRetries: 10,
		Timeout:    30 * time.Second,
		Backoff:    DefaultBackoff,
		AgainWait:  5 * time.Second,
	}
}

// NoBackoff retries immediately. Tests use it to avoid waiting.
func NoBackoff(int) time.Duration { return 0 }

var backoffTable = []struct {
	upTo int
	wait time.Duration
}{
	{0, 0},
	{3, 500 * time.Millisecond},
	{6, 2 * time.Second},
	{12, 5 * time.Second},
	{24, 20 * time.Second},
}

// DefaultBackoff looks the wait up in a fixed table: short waits for the first
// few retries to ride out a restarting peer, long waits once the peer is
// evidently gone.
//
//	attempt   0     1-3     4-6   7-12   13-24   25+
//	wait      0   500ms      2s     5s     20s   60s
func DefaultBackoff(attempt int) time.Duration {
	for _, b := range backoffTable {
		if attempt <= b.upTo {
			return b.wait
		}
	}
	return 60 * time.Second
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Backoff == nil {
		return DefaultBackoff(attempt)
	}
	return p.Backoff(attempt)
}

func (p RetryPolicy) isZero() bool {
	return p.NumRetries == 0 && p.Timeout == 0 && p.Backoff == nil && p.AgainWait == 0
}
