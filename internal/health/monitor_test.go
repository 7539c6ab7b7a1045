package health

import (
	"testing"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/connmgr"
)

type fakeSource struct {
	stats connmgr.Stats
}

func (f fakeSource) Stats() connmgr.Stats { return f.stats }

func hasAlert(alerts []Alert, id string) bool {
	for _, a := range alerts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func TestComputeSampleErrorRateUsesFailedAndSuspended(t *testing.T) {
	stats := connmgr.Stats{
		Total: 10,
		ByStatus: map[connmgr.Status]int{
			connmgr.StatusConnected:    6,
			connmgr.StatusFailed:       2,
			connmgr.StatusSuspended:    1,
			connmgr.StatusReconnecting: 1,
		},
		ByQuality: map[connmgr.Quality]int{
			connmgr.QualityExcellent: 4,
			connmgr.QualityGood:      2,
			connmgr.QualityPoor:      3,
			connmgr.QualityCritical:  1,
		},
	}
	sample := computeSample(stats, time.Now())
	if sample.ErrorRate != 0.3 {
		t.Fatalf("expected errorRate 0.3, got %f", sample.ErrorRate)
	}
	if sample.ReconnectionRate != 0.1 {
		t.Fatalf("expected reconnectionRate 0.1, got %f", sample.ReconnectionRate)
	}
	if sample.HealthyConnections != 6 {
		t.Fatalf("expected 6 healthy (EXCELLENT+GOOD by quality, not status), got %d", sample.HealthyConnections)
	}
}

func TestSampleRaisesAlertAndRetainsUntilAcknowledged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{stats: connmgr.Stats{
		Total:     10,
		ByStatus:  map[connmgr.Status]int{connmgr.StatusFailed: 5},
		ByQuality: map[connmgr.Quality]int{connmgr.QualityCritical: 10},
	}}
	clock := now
	m := New(source, nil, nil, WithClock(func() time.Time { return clock }))

	m.Sample()
	alerts := m.ActiveAlerts()
	if len(alerts) == 0 {
		t.Fatal("expected errorRate alert to be raised at 50% failed")
	}
	var alertID string
	for _, a := range alerts {
		if a.Type == AlertHighErrorRate {
			alertID = a.ID
		}
	}
	if alertID == "" {
		t.Fatal("expected a HIGH_ERROR_RATE alert")
	}

	// The breach clears, but the alert is not acknowledged: it must stay active.
	source.stats = connmgr.Stats{Total: 10, ByStatus: map[connmgr.Status]int{connmgr.StatusConnected: 10}, ByQuality: map[connmgr.Quality]int{connmgr.QualityExcellent: 10}}
	m.Sample()
	if !hasAlert(m.ActiveAlerts(), alertID) {
		t.Fatal("expected alert to remain active until acknowledged")
	}

	if err := m.Acknowledge(alertID); err != nil {
		t.Fatalf("unexpected error acknowledging alert: %v", err)
	}

	// Still within the retention grace period: the alert should remain.
	clock = now.Add(30 * time.Minute)
	m.Sample()
	if !hasAlert(m.ActiveAlerts(), alertID) {
		t.Fatal("expected acknowledged alert to remain within the 1h grace period")
	}

	// Past the grace period: Sample should sweep it out.
	clock = now.Add(2 * time.Hour)
	m.Sample()
	if hasAlert(m.ActiveAlerts(), alertID) {
		t.Fatal("expected acknowledged alert to be swept after the 1h grace period")
	}
}

func TestSampleRaisesLatencyAndQualityAlertsTogether(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := fakeSource{stats: connmgr.Stats{
		Total:            10,
		ByStatus:         map[connmgr.Status]int{connmgr.StatusConnected: 10},
		ByQuality:        map[connmgr.Quality]int{connmgr.QualityCritical: 10},
		AverageLatencyMs: 1500,
	}}
	m := New(source, nil, nil, WithClock(func() time.Time { return now }))

	m.Sample()
	var sawLatency, sawQuality bool
	for _, a := range m.ActiveAlerts() {
		if a.Type == AlertHighLatency && a.Severity == SeverityHigh {
			sawLatency = true
		}
		if a.Type == AlertLowConnectionQuality && a.Severity == SeverityMedium {
			sawQuality = true
		}
	}
	if !sawLatency {
		t.Fatal("expected a HIGH_LATENCY/HIGH alert for 1500ms average latency")
	}
	if !sawQuality {
		t.Fatal("expected a LOW_CONNECTION_QUALITY/MEDIUM alert for an all-CRITICAL fleet")
	}
}

func TestSampleRaisesSystemOverloadFromEitherMetric(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := fakeSource{stats: connmgr.Stats{
		Total:     10,
		ByStatus:  map[connmgr.Status]int{connmgr.StatusReconnecting: 3, connmgr.StatusConnected: 7},
		ByQuality: map[connmgr.Quality]int{connmgr.QualityExcellent: 10},
	}}
	m := New(source, nil, nil, WithClock(func() time.Time { return now }))

	m.Sample()
	var sawOverload bool
	for _, a := range m.ActiveAlerts() {
		if a.Type == AlertSystemOverload {
			sawOverload = true
		}
	}
	if !sawOverload {
		t.Fatal("expected a SYSTEM_OVERLOAD alert from an elevated reconnection rate")
	}
}

func TestTrendDetectsDegradingErrorRate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(fakeSource{}, nil, nil, WithClock(func() time.Time { return now }))

	rates := []float64{0.01, 0.01, 0.01, 0.01, 0.5, 0.5, 0.5, 0.5}
	for i, r := range rates {
		m.history = append(m.history, Sample{Timestamp: now.Add(time.Duration(i) * time.Minute), ErrorRate: r})
	}

	if got := m.Trend(); got != TrendDegrading {
		t.Fatalf("expected DEGRADING trend, got %s", got)
	}
}

func TestTrendStableWithoutEnoughHistory(t *testing.T) {
	m := New(fakeSource{}, nil, nil)
	if got := m.Trend(); got != TrendStable {
		t.Fatalf("expected STABLE with no history, got %s", got)
	}
}
