package metube

import (
	"testing"
	"time"
)

func TestNextIntervalTiers(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
		alive   bool
	}{
		{0, 10 * time.Second, true},
		{2*time.Minute + 59*time.Second, 10 * time.Second, true},
		{3 * time.Minute, 60 * time.Second, true},
		{9 * time.Minute, 60 * time.Second, true},
		{10 * time.Minute, 300 * time.Second, true},
		{49 * time.Minute, 300 * time.Second, true},
		{50 * time.Minute, 600 * time.Second, true},
		{2*time.Hour - time.Second, 600 * time.Second, true},
		{2 * time.Hour, 86400 * time.Second, true},
		{71 * time.Hour, 86400 * time.Second, true},
		{72 * time.Hour, 0, false},
		{100 * time.Hour, 0, false},
	}
	for _, tc := range cases {
		got, alive := NextInterval(tc.elapsed)
		if got != tc.want || alive != tc.alive {
			t.Errorf("NextInterval(%v) = (%v, %v), want (%v, %v)",
				tc.elapsed, got, alive, tc.want, tc.alive)
		}
	}
}
