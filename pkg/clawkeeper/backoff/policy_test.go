package backoff

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	min := 1000 * time.Millisecond
	max := 60000 * time.Millisecond

	t.Run("doubles until capped", func(t *testing.T) {
		want := []time.Duration{
			1000 * time.Millisecond,
			2000 * time.Millisecond,
			4000 * time.Millisecond,
			8000 * time.Millisecond,
			16000 * time.Millisecond,
			32000 * time.Millisecond,
			60000 * time.Millisecond,
			60000 * time.Millisecond,
			60000 * time.Millisecond,
		}
		for n, w := range want {
			if got := Delay(min, max, n); got != w {
				t.Errorf("Delay(n=%d) = %v, want %v", n, got, w)
			}
		}
	})

	t.Run("never exceeds max", func(t *testing.T) {
		for n := 0; n < 200; n++ {
			if got := Delay(min, max, n); got > max {
				t.Fatalf("Delay(n=%d) = %v exceeds max %v", n, got, max)
			}
		}
	})

	t.Run("survives huge n without overflow", func(t *testing.T) {
		if got := Delay(min, max, 1<<30); got != max {
			t.Errorf("Delay(huge n) = %v, want %v", got, max)
		}
	})

	t.Run("negative n treated as zero", func(t *testing.T) {
		if got := Delay(min, max, -3); got != min {
			t.Errorf("Delay(-3) = %v, want %v", got, min)
		}
	})

	t.Run("max below min clamps to min", func(t *testing.T) {
		if got := Delay(5*time.Second, time.Second, 4); got != 5*time.Second {
			t.Errorf("got %v, want 5s", got)
		}
	})
}

func TestPolicyDecide(t *testing.T) {
	p := Policy{Min: time.Second, Max: time.Minute, MaxFailures: 3}

	t.Run("first failure waits min", func(t *testing.T) {
		d := p.Decide(1)
		if d.Escalate {
			t.Fatal("unexpected escalation on first failure")
		}
		if d.Delay != time.Second {
			t.Errorf("delay = %v, want 1s", d.Delay)
		}
	})

	t.Run("second failure doubles", func(t *testing.T) {
		d := p.Decide(2)
		if d.Escalate {
			t.Fatal("unexpected escalation on second failure")
		}
		if d.Delay != 2*time.Second {
			t.Errorf("delay = %v, want 2s", d.Delay)
		}
	})

	t.Run("escalates exactly at threshold", func(t *testing.T) {
		if !p.Decide(3).Escalate {
			t.Error("expected escalation at threshold")
		}
		if !p.Decide(4).Escalate {
			t.Error("expected escalation past threshold")
		}
	})

	t.Run("zero policy falls back to defaults", func(t *testing.T) {
		var zero Policy
		d := zero.Decide(1)
		if d.Escalate {
			t.Fatal("unexpected escalation")
		}
		if d.Delay != DefaultMin {
			t.Errorf("delay = %v, want %v", d.Delay, DefaultMin)
		}
		if !zero.Decide(DefaultMaxFailures).Escalate {
			t.Error("expected escalation at default threshold")
		}
	})
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{Min: 10 * time.Second, Max: time.Second, MaxFailures: 0}.Normalized()
	if p.Max != p.Min {
		t.Errorf("max = %v, want clamped to min %v", p.Max, p.Min)
	}
	if p.MaxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want default %d", p.MaxFailures, DefaultMaxFailures)
	}
}
