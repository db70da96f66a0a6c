package backoff

import (
	"sync"
	"testing"
	"time"
)

func fixed(v float64) RandomSource {
	return func() float64 { return v }
}

func TestDelayFirstRetryWithinJitterWindow(t *testing.T) {
	base := time.Second
	low := Delay(base, 1, WithRandom(fixed(0)))
	if low != time.Second {
		t.Fatalf("expected 1s without jitter, got %s", low)
	}
	high := Delay(base, 1, WithRandom(fixed(0.999)))
	if high < time.Second || high >= 2*time.Second {
		t.Fatalf("expected delay in [1s, 2s), got %s", high)
	}
}

func TestDelayGrowsMonotonicallyAndStaysBounded(t *testing.T) {
	base := time.Second
	prev := time.Duration(0)
	for retry := 1; retry <= 20; retry++ {
		got := Delay(base, retry, WithRandom(fixed(0)))
		if got < prev {
			t.Fatalf("retry %d: delay %s decreased from %s", retry, got, prev)
		}
		if got > DefaultMax {
			t.Fatalf("retry %d: delay %s exceeds max", retry, got)
		}
		prev = got
	}
}

func TestDelayClampsAtDefaultMax(t *testing.T) {
	if got := Delay(time.Second, 10, WithRandom(fixed(0.5))); got != DefaultMax {
		t.Fatalf("expected clamp at %s, got %s", DefaultMax, got)
	}
}

func TestDelayHonorsCustomMax(t *testing.T) {
	if got := Delay(time.Second, 4, WithMax(3*time.Second), WithRandom(fixed(0))); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
}

func TestDelayTreatsNonPositiveRetryAsFirst(t *testing.T) {
	if got := Delay(500*time.Millisecond, 0, WithRandom(fixed(0))); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", got)
	}
}

func TestDelayHugeRetryCountDoesNotOverflow(t *testing.T) {
	if got := Delay(time.Second, 5000, WithRandom(fixed(0))); got != DefaultMax {
		t.Fatalf("expected %s, got %s", DefaultMax, got)
	}
}

func TestCalculatorUsesConfiguredValues(t *testing.T) {
	calc := Calculator{Base: 200 * time.Millisecond, Max: time.Second, Random: fixed(0)}
	if got := calc.Delay(2); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", got)
	}
	if got := calc.Delay(6); got != time.Second {
		t.Fatalf("expected clamp at 1s, got %s", got)
	}
}

func TestDelayDefaultJitterIsSafeForConcurrentCallers(t *testing.T) {
	base := 100 * time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got := Delay(base, 3)
				if got < 4*base || got >= 5*base {
					t.Errorf("delay %s outside [%s, %s)", got, 4*base, 5*base)
					return
				}
			}
		}()
	}
	wg.Wait()
}
