package connmgr

import "time"

const emaAlpha = 0.1

const adaptiveHysteresis = 5 * time.Second

// smoothLatency applies the spec's α=0.1 EMA to latency and jitter
// (jitter is the EMA of |latency − EMA|), following the teacher's
// BandwidthRegulator clock-injected smoothing style.
func smoothLatency(previousEMA, previousJitter, sample float64) (ema, jitter float64) {
	if previousEMA == 0 {
		return sample, 0
	}
	ema = emaAlpha*sample + (1-emaAlpha)*previousEMA
	deviation := sample - ema
	if deviation < 0 {
		deviation = -deviation
	}
	jitter = emaAlpha*deviation + (1-emaAlpha)*previousJitter
	return ema, jitter
}

// scoreQuality implements spec §4.D's quality-scoring table.
func scoreQuality(missedHeartbeats int, latencyMs float64) Quality {
	switch {
	case missedHeartbeats > 2:
		return QualityCritical
	case missedHeartbeats > 1:
		return QualityPoor
	case latencyMs > 1000:
		return QualityPoor
	case latencyMs > 500:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// adaptiveInterval scales the base heartbeat interval per current
// quality, only applying the change when the delta exceeds 5s (spec
// §4.D's adaptive-frequency hysteresis).
func adaptiveInterval(base time.Duration, quality Quality) time.Duration {
	var factor float64
	switch quality {
	case QualityCritical:
		factor = 0.5
	case QualityPoor:
		factor = 0.75
	case QualityExcellent:
		factor = 1.5
	default:
		factor = 1.0
	}
	candidate := time.Duration(float64(base) * factor)
	delta := candidate - base
	if delta < 0 {
		delta = -delta
	}
	if delta <= adaptiveHysteresis {
		return base
	}
	return candidate
}
