package collector

import (
	"testing"
	"time"
)

func TestThroughput_FirstSampleIsZero(t *testing.T) {
	var tp Throughput
	down, up := tp.Observe(5_000_000, 7_000_000, time.Now())
	if down != 0 || up != 0 {
		t.Errorf("first sample = %v/%v, want 0/0", down, up)
	}
}

func TestThroughput_Rate(t *testing.T) {
	var tp Throughput
	start := time.Unix(1_700_000_000, 0)
	tp.Observe(10_000, 20_000, start)

	down, up := tp.Observe(10_000+2_097_152, 20_000+1_048_576, start.Add(2*time.Second))
	if down != 1.0 || up != 0.5 {
		t.Errorf("rates = %v down / %v up, want 1.0 / 0.5", down, up)
	}
}

func TestThroughput_CounterResetReportsZero(t *testing.T) {
	var tp Throughput
	start := time.Unix(1_700_000_000, 0)
	tp.Observe(50<<20, 50<<20, start)

	down, up := tp.Observe(1<<20, 52<<20, start.Add(time.Second))
	if down != 0 {
		t.Errorf("download after reset = %v, want 0", down)
	}
	if up != 2 {
		t.Errorf("upload = %v, want 2", up)
	}

	down, _ = tp.Observe(3<<20, 52<<20, start.Add(2*time.Second))
	if down != 2 {
		t.Errorf("download after new baseline = %v, want 2", down)
	}
}

func TestThroughput_NonPositiveElapsed(t *testing.T) {
	var tp Throughput
	at := time.Unix(1_700_000_000, 0)
	tp.Observe(0, 0, at)
	if down, up := tp.Observe(1<<20, 1<<20, at); down != 0 || up != 0 {
		t.Errorf("same-instant sample = %v/%v, want 0/0", down, up)
	}
}

func TestActiveTime_AccruesWhileFocused(t *testing.T) {
	a := NewActiveTime(0)
	start := time.Date(2024, 5, 10, 14, 0, 0, 0, time.Local)

	a.Observe(start, true)
	if got := a.Observe(start.Add(10*time.Second), true); got != 10 {
		t.Errorf("after 10s focused = %d, want 10", got)
	}
	if got := a.Observe(start.Add(20*time.Second), false); got != 10 {
		t.Errorf("unfocused interval should not accrue, got %d", got)
	}
	if got := a.Observe(start.Add(25*time.Second), true); got != 15 {
		t.Errorf("got %d, want 15", got)
	}
}

func TestActiveTime_CapsLongGaps(t *testing.T) {
	a := NewActiveTime(90 * time.Second)
	start := time.Date(2024, 5, 10, 14, 0, 0, 0, time.Local)
	a.Observe(start, true)
	if got := a.Observe(start.Add(time.Hour), true); got != 90 {
		t.Errorf("suspend gap = %d, want capped 90", got)
	}
}

func TestActiveTime_ResetsOnDateChange(t *testing.T) {
	a := NewActiveTime(90 * time.Second)
	evening := time.Date(2024, 5, 10, 23, 59, 0, 0, time.Local)

	a.Observe(evening, true)
	if got := a.Observe(evening.Add(50*time.Second), true); got != 50 {
		t.Fatalf("before midnight = %d, want 50", got)
	}
	if got := a.Observe(evening.Add(80*time.Second), true); got != 30 {
		t.Errorf("after midnight = %d, want 30 (reset, then elapsed added)", got)
	}
}
