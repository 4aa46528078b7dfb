package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleCron(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "55 * * * *", "@hourly", "@every 55m", "cron:0 0 * * *"} {
		ps, err := ParseSchedule(spec)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", spec, err)
		}
		if ps.Kind != SpecCron {
			t.Fatalf("ParseSchedule(%q): want cron, got interval", spec)
		}
	}
}

func TestParseScheduleInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"55m", 55 * time.Minute},
		{"2h30m", 2*time.Hour + 30*time.Minute},
		{"00:50", 50 * time.Minute},
		{"02:30", 2*time.Hour + 30*time.Minute},
		{"interval:10s", 10 * time.Second},
		{"every:01:00", time.Hour},
	}
	for _, c := range cases {
		ps, err := ParseSchedule(c.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", c.in, err)
		}
		if ps.Kind != SpecInterval || ps.Every != c.want {
			t.Fatalf("ParseSchedule(%q) = %v, want %v", c.in, ps.Every, c.want)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, spec := range []string{"", "bogus", "0s", "-5m", "cron:", "01:99"} {
		if _, err := ParseSchedule(spec); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", spec)
		}
	}
}

func TestRunStateGatesOverlap(t *testing.T) {
	var st RunState
	if !st.tryAcquire() {
		t.Fatalf("first acquire should succeed")
	}
	if st.tryAcquire() {
		t.Fatalf("second acquire should be gated")
	}
	st.release()
	if !st.tryAcquire() {
		t.Fatalf("acquire after release should succeed")
	}
}
