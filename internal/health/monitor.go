// Package health implements the Health Monitor: a periodic sampler over
// the Connection Manager's aggregate stats, threshold alerting, and a 1h
// trend computation.
package health

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-platform/realtime-fabric/internal/bus"
	"github.com/apix-platform/realtime-fabric/internal/connmgr"
	"github.com/apix-platform/realtime-fabric/internal/logging"
)

// Trend classifies the direction of recent sample history.
type Trend string

const (
	TrendImproving Trend = "IMPROVING"
	TrendStable    Trend = "STABLE"
	TrendDegrading Trend = "DEGRADING"
)

// Thresholds bounds the metrics the monitor alerts on, per spec §4.E.
type Thresholds struct {
	MinHealthyRatio     float64
	MaxAverageLatencyMs float64
	MaxReconnectionRate float64
	MaxErrorRate        float64
	MaxSystemLoad       float64
}

// DefaultThresholds mirrors spec §4.E's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHealthyRatio:     0.8,
		MaxAverageLatencyMs: 1000,
		MaxReconnectionRate: 0.2,
		MaxErrorRate:        0.1,
		MaxSystemLoad:       0.8,
	}
}

// Sample is one periodic snapshot of fleet health.
type Sample struct {
	Timestamp          time.Time
	Total              int
	HealthyConnections int
	AverageLatencyMs   float64
	ReconnectionRate   float64
	ErrorRate          float64
	SystemLoad         float64
}

// HealthyRatio is HealthyConnections/Total, clamped to 1 when Total is 0
// (no connections is not itself a degraded-ratio condition).
func (s Sample) HealthyRatio() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.HealthyConnections) / float64(s.Total)
}

// AlertType enumerates spec §4.E's four alert kinds.
type AlertType string

const (
	AlertHighLatency          AlertType = "HIGH_LATENCY"
	AlertHighErrorRate        AlertType = "HIGH_ERROR_RATE"
	AlertLowConnectionQuality AlertType = "LOW_CONNECTION_QUALITY"
	AlertSystemOverload       AlertType = "SYSTEM_OVERLOAD"
)

// Severity grades how urgently an Alert needs attention.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Alert is a threshold breach, per spec §4.E's
// {id,type,severity,message,metrics,timestamp,acknowledged} shape. Kept
// in the active set until acknowledged, and for 1h after acknowledgment.
type Alert struct {
	ID             string
	Type           AlertType
	Severity       Severity
	Message        string
	Metrics        map[string]float64
	Timestamp      time.Time
	Acknowledged   bool
	AcknowledgedAt *time.Time

	metric string
}

// connectionsSource is the narrow view of connmgr.Manager the monitor needs.
type connectionsSource interface {
	Stats() connmgr.Stats
}

// Monitor samples connectionsSource on a fixed interval, maintaining a
// rolling 1h history and raising/clearing threshold alerts.
type Monitor struct {
	mu         sync.Mutex
	source     connectionsSource
	thresholds Thresholds
	interval   time.Duration
	now        func() time.Time
	log        *logging.Logger
	bus        *bus.Bus

	history []Sample
	active  map[string]*Alert

	gauges *metricsSet
}

// alertRetention is how long an acknowledged alert is kept in the active
// set after acknowledgment, per spec §4.E ("kept until acknowledged plus
// 1h grace").
const alertRetention = time.Hour

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithClock overrides the Monitor's time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithInterval overrides the sampling cadence; default 30s.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThresholds overrides the default alert thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// New constructs a Monitor over source.
func New(source connectionsSource, b *bus.Bus, logger *logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.L()
	}
	m := &Monitor{
		source:     source,
		thresholds: DefaultThresholds(),
		interval:   30 * time.Second,
		now:        time.Now,
		log:        logger,
		bus:        b,
		active:     make(map[string]*Alert),
		gauges:     newMetricsSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run drives the sampling loop until ctx is cancelled, mirroring the
// teacher's ticker-driven periodic-push idiom in timesync.Service.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	//1.- Sample once immediately so health is visible before the first tick.
	m.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//2.- Sample at the configured cadence thereafter.
			m.Sample()
		}
	}
}

// Sample takes one snapshot, records it into history, updates exported
// metrics, and evaluates alert thresholds.
func (m *Monitor) Sample() Sample {
	stats := m.source.Stats()
	sample := computeSample(stats, m.now())

	m.mu.Lock()
	m.history = append(m.history, sample)
	m.trimHistoryLocked()
	swept := m.sweepAcknowledgedLocked(sample.Timestamp)
	m.mu.Unlock()

	for _, alert := range swept {
		m.log.Info("health alert retention expired, clearing", logging.String("alert_id", alert.ID), logging.String("type", string(alert.Type)))
		if m.bus != nil {
			m.bus.Publish(bus.TopicHealthAlertResolved, bus.HealthAlert{AlertID: alert.ID, Type: string(alert.Type), Severity: string(alert.Severity), Metric: alert.metric})
		}
	}

	m.gauges.observe(sample)
	m.evaluateThresholds(sample)
	return sample
}

// sweepAcknowledgedLocked drops alerts whose acknowledgment grace period
// (spec §4.E's "acknowledged plus 1h") has elapsed, returning the ones
// removed. Callers must hold m.mu.
func (m *Monitor) sweepAcknowledgedLocked(now time.Time) []*Alert {
	var swept []*Alert
	for key, alert := range m.active {
		if alert.Acknowledged && alert.AcknowledgedAt != nil && now.Sub(*alert.AcknowledgedAt) > alertRetention {
			swept = append(swept, alert)
			delete(m.active, key)
		}
	}
	return swept
}

func computeSample(stats connmgr.Stats, now time.Time) Sample {
	// Spec §4.E: healthyConnections is a quality measure, not a status
	// measure — sessions with quality EXCELLENT or GOOD, regardless of
	// their connmgr.Status.
	healthy := stats.ByQuality[connmgr.QualityExcellent] + stats.ByQuality[connmgr.QualityGood]
	unhealthy := stats.ByStatus[connmgr.StatusFailed] + stats.ByStatus[connmgr.StatusSuspended]
	reconnecting := stats.ByStatus[connmgr.StatusReconnecting]

	var errorRate, reconnectionRate float64
	if stats.Total > 0 {
		// Spec's corrected definition: errorRate is unhealthy/total,
		// evaluated independently of reconnectionRate rather than the
		// source's precedence bug where the two shared one expression.
		errorRate = float64(unhealthy) / float64(stats.Total)
		reconnectionRate = float64(reconnecting) / float64(stats.Total)
	}

	systemLoad := computeSystemLoad(stats)

	return Sample{
		Timestamp:          now,
		Total:              stats.Total,
		HealthyConnections: healthy,
		AverageLatencyMs:    stats.AverageLatencyMs,
		ReconnectionRate:    reconnectionRate,
		ErrorRate:           errorRate,
		SystemLoad:          systemLoad,
	}
}

// computeSystemLoad is the mean of heap usage (HeapInuse/HeapSys), the
// connection count scaled against 1000 connections, and the reconnecting
// ratio, clamped to [0,1]. An empty fleet reports 0.
func computeSystemLoad(stats connmgr.Stats) float64 {
	if stats.Total == 0 {
		return 0
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heap := 0.0
	if mem.HeapSys > 0 {
		heap = float64(mem.HeapInuse) / float64(mem.HeapSys)
	}
	connections := math.Min(float64(stats.Total)/1000, 1)
	reconnecting := float64(stats.ByStatus[connmgr.StatusReconnecting]) / float64(stats.Total)
	load := (heap + connections + reconnecting) / 3
	return math.Max(0, math.Min(load, 1))
}

func (m *Monitor) trimHistoryLocked() {
	cutoff := m.now().Add(-time.Hour)
	i := 0
	for ; i < len(m.history); i++ {
		if m.history[i].Timestamp.After(cutoff) {
			break
		}
	}
	m.history = m.history[i:]
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// Trend buckets the relative change between the two halves of the last
// ten samples at ±10%, per spec §4.E.
func (m *Monitor) Trend() Trend {
	m.mu.Lock()
	history := append([]Sample(nil), m.history...)
	m.mu.Unlock()

	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	if len(history) < 2 {
		return TrendStable
	}

	mid := len(history) / 2
	firstHalf, secondHalf := history[:mid], history[mid:]

	firstAvg := averageErrorRate(firstHalf)
	secondAvg := averageErrorRate(secondHalf)

	if firstAvg == 0 {
		if secondAvg == 0 {
			return TrendStable
		}
		return TrendDegrading
	}

	delta := (secondAvg - firstAvg) / firstAvg
	switch {
	case delta > 0.1:
		return TrendDegrading
	case delta < -0.1:
		return TrendImproving
	default:
		return TrendStable
	}
}

func averageErrorRate(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.ErrorRate
	}
	return sum / float64(len(samples))
}

// sampleMetrics snapshots the fields of sample into the map an Alert
// carries, per spec §4.E's {..., metrics, ...} alert shape.
func sampleMetrics(sample Sample) map[string]float64 {
	return map[string]float64{
		"total":              float64(sample.Total),
		"healthyConnections": float64(sample.HealthyConnections),
		"healthyRatio":       sample.HealthyRatio(),
		"averageLatencyMs":   sample.AverageLatencyMs,
		"reconnectionRate":   sample.ReconnectionRate,
		"errorRate":          sample.ErrorRate,
		"systemLoad":         sample.SystemLoad,
	}
}

// evaluateThresholds checks every spec §4.E threshold, mapping each of the
// five configured bounds onto one of the four alert types. reconnectionRate
// and systemLoad both surface as SYSTEM_OVERLOAD — a reconnection storm and
// a high load figure are the same underlying condition (the fleet is
// struggling to stay connected) viewed from two metrics, and the spec names
// only four alert types for five thresholds.
func (m *Monitor) evaluateThresholds(sample Sample) {
	m.checkMetric("averageLatencyMs", AlertHighLatency, SeverityHigh, sample.AverageLatencyMs, m.thresholds.MaxAverageLatencyMs, sample, false,
		fmt.Sprintf("average latency %.0fms exceeds threshold %.0fms", sample.AverageLatencyMs, m.thresholds.MaxAverageLatencyMs))
	m.checkMetric("errorRate", AlertHighErrorRate, SeverityHigh, sample.ErrorRate, m.thresholds.MaxErrorRate, sample, false,
		fmt.Sprintf("error rate %.2f exceeds threshold %.2f", sample.ErrorRate, m.thresholds.MaxErrorRate))
	m.checkMetric("healthyRatio", AlertLowConnectionQuality, SeverityMedium, sample.HealthyRatio(), m.thresholds.MinHealthyRatio, sample, true,
		fmt.Sprintf("healthy connection ratio %.2f below threshold %.2f", sample.HealthyRatio(), m.thresholds.MinHealthyRatio))
	m.checkMetric("systemLoad", AlertSystemOverload, SeverityHigh, sample.SystemLoad, m.thresholds.MaxSystemLoad, sample, false,
		fmt.Sprintf("system load %.2f exceeds threshold %.2f", sample.SystemLoad, m.thresholds.MaxSystemLoad))
	m.checkMetric("reconnectionRate", AlertSystemOverload, SeverityHigh, sample.ReconnectionRate, m.thresholds.MaxReconnectionRate, sample, false,
		fmt.Sprintf("reconnection rate %.2f exceeds threshold %.2f", sample.ReconnectionRate, m.thresholds.MaxReconnectionRate))
}

// checkMetric raises or refreshes an alert for metric. When lowerBoundBreach
// is true, a value below threshold is the breach condition (e.g. too low a
// healthy-connection ratio); otherwise a value above threshold breaches.
// A raised alert is never deleted on breach-clear alone; per spec §4.E it
// is retained until acknowledged, and for alertRetention after that.
func (m *Monitor) checkMetric(metric string, alertType AlertType, severity Severity, value, threshold float64, sample Sample, lowerBoundBreach bool, message string) {
	breached := value > threshold
	if lowerBoundBreach {
		breached = value < threshold
	}

	m.mu.Lock()
	existing, active := m.active[metric]
	if breached && !active {
		m.active[metric] = &Alert{
			ID: uuid.NewString(), Type: alertType, Severity: severity, Message: message,
			Metrics: sampleMetrics(sample), Timestamp: sample.Timestamp, metric: metric,
		}
	} else if breached && active {
		existing.Message = message
		existing.Metrics = sampleMetrics(sample)
	}
	m.mu.Unlock()

	if breached && !active {
		m.log.Warn("health threshold breached", logging.String("metric", metric), logging.String("type", string(alertType)), logging.Float64("value", value), logging.Float64("threshold", threshold))
		if m.bus != nil {
			m.bus.Publish(bus.TopicHealthAlertRaised, bus.HealthAlert{Type: string(alertType), Severity: string(severity), Metric: metric, Threshold: threshold, Value: value})
		}
	} else if !breached && active && !existing.Acknowledged {
		m.log.Info("health threshold condition cleared, alert remains pending acknowledgment", logging.String("metric", metric), logging.Float64("value", value))
	}
}

// Acknowledge marks alertID acknowledged; it is retained for alertRetention
// past this call, then swept on the next Sample.
func (m *Monitor) Acknowledge(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.active {
		if alert.ID == alertID {
			if !alert.Acknowledged {
				alert.Acknowledged = true
				ackedAt := m.now()
				alert.AcknowledgedAt = &ackedAt
			}
			return nil
		}
	}
	return fmt.Errorf("health: no active alert with id %s", alertID)
}

// ActiveAlerts returns every currently-retained alert.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}
