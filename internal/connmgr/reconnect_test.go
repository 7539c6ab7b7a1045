package connmgr

import (
	"math/rand"
	"testing"
	"time"
)

func TestExponentialDelayDoublesAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 10 * time.Second
	cfg.BackoffMultiplier = 2.0

	if got := exponentialDelay(cfg, 1); got != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %s", got)
	}
	if got := exponentialDelay(cfg, 2); got != 2*time.Second {
		t.Fatalf("attempt 2: expected 2s, got %s", got)
	}
	if got := exponentialDelay(cfg, 10); got != cfg.MaxDelay {
		t.Fatalf("attempt 10: expected cap at %s, got %s", cfg.MaxDelay, got)
	}
}

func TestBaseDelayLinearStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.LinearIncrement = 500 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second

	got := baseDelay(cfg, StrategyLinear, 3, 10, nil)
	want := time.Second + time.Second // 1s + 2*0.5s
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBaseDelayFixedStrategyIgnoresAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FixedDelay = 3 * time.Second

	if got := baseDelay(cfg, StrategyFixed, 1, 10, nil); got != 3*time.Second {
		t.Fatalf("attempt 1: expected 3s, got %s", got)
	}
	if got := baseDelay(cfg, StrategyFixed, 5, 10, nil); got != 3*time.Second {
		t.Fatalf("attempt 5: expected 3s, got %s", got)
	}
}

func TestLoadFactorStepsWithConnectionCount(t *testing.T) {
	cases := []struct {
		total int
		want  float64
	}{
		{10, 1.0},
		{200, 1.2},
		{600, 1.5},
		{1500, 2.0},
	}
	for _, c := range cases {
		if got := loadFactor(c.total); got != c.want {
			t.Errorf("loadFactor(%d) = %f, want %f", c.total, got, c.want)
		}
	}
}

func TestNetworkQualityFactorCapsAtThree(t *testing.T) {
	qualities := make([]Quality, 20)
	for i := range qualities {
		qualities[i] = QualityCritical
	}
	if got := networkQualityFactor(qualities); got > 3.0 {
		t.Fatalf("expected factor capped at 3.0, got %f", got)
	}
}

func TestApplyJitterStaysWithinBounds(t *testing.T) {
	src := rand.New(rand.NewSource(42))
	delay := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := applyJitter(delay, true, 0.5, src)
		if got < jitterFloor {
			t.Fatalf("jittered delay %s below floor %s", got, jitterFloor)
		}
		// 1 - 0.5 = 0.5 lower bound, 1 + 0.5 = 1.5 upper bound.
		if got > delay+delay/2 {
			t.Fatalf("jittered delay %s exceeds expected upper bound", got)
		}
	}
}

func TestApplyJitterDisabledReturnsFloorOrDelay(t *testing.T) {
	src := rand.New(rand.NewSource(1))
	if got := applyJitter(10*time.Millisecond, false, 0.5, src); got != jitterFloor {
		t.Fatalf("expected floor for sub-floor delay, got %s", got)
	}
	if got := applyJitter(time.Second, false, 0.5, src); got != time.Second {
		t.Fatalf("expected unmodified delay when jitter disabled, got %s", got)
	}
}
