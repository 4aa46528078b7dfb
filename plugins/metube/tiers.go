package metube

import "time"

// Poll interval tiers by elapsed time since submission. Fresh jobs
// finish quickly and get near-real-time checks; long-tail jobs decay
// to one check a day until the hard 72h cutoff.
const (
	tierFastCutoff   = 3 * time.Minute
	tierMediumCutoff = 10 * time.Minute
	tierSlowCutoff   = 50 * time.Minute
	tierIdleCutoff   = 2 * time.Hour
	tierExpireCutoff = 72 * time.Hour
)

// NextInterval maps elapsed time since submission to the next poll
// interval. ok=false means the task crossed the 72h cutoff and must
// stop being polled. Boundaries are inclusive-low/exclusive-high.
func NextInterval(elapsed time.Duration) (next time.Duration, ok bool) {
	switch {
	case elapsed < tierFastCutoff:
		return 10 * time.Second, true
	case elapsed < tierMediumCutoff:
		return 60 * time.Second, true
	case elapsed < tierSlowCutoff:
		return 300 * time.Second, true
	case elapsed < tierIdleCutoff:
		return 600 * time.Second, true
	case elapsed < tierExpireCutoff:
		return 86400 * time.Second, true
	default:
		return 0, false
	}
}
