package connmgr

import "testing"

func TestScoreQualityThresholds(t *testing.T) {
	cases := []struct {
		missed  int
		latency float64
		want    Quality
	}{
		{0, 100, QualityExcellent},
		{0, 600, QualityGood},
		{0, 1500, QualityPoor},
		{2, 100, QualityPoor},
		{3, 100, QualityCritical},
	}
	for _, c := range cases {
		got := scoreQuality(c.missed, c.latency)
		if got != c.want {
			t.Errorf("scoreQuality(%d, %f) = %s, want %s", c.missed, c.latency, got, c.want)
		}
	}
}

func TestSmoothLatencySeedsOnFirstSample(t *testing.T) {
	ema, jitter := smoothLatency(0, 0, 200)
	if ema != 200 {
		t.Fatalf("expected first sample to seed EMA, got %f", ema)
	}
	if jitter != 0 {
		t.Fatalf("expected zero jitter on first sample, got %f", jitter)
	}
}

func TestSmoothLatencyConvergesTowardSample(t *testing.T) {
	ema, _ := smoothLatency(200, 0, 200)
	ema2, _ := smoothLatency(ema, 0, 1000)
	if ema2 <= ema {
		t.Fatalf("expected EMA to move toward higher sample, got %f after %f", ema2, ema)
	}
	if ema2 >= 1000 {
		t.Fatalf("expected EMA to stay below raw sample due to smoothing, got %f", ema2)
	}
}
