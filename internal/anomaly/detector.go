package anomaly

import (
	"fmt"
)

// Detector flags implausible noise levels against a device's recent history.
// Findings are advisory: callers record the measurement regardless.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
	historyWindow             int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection, historyWindow int) *Detector {
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
		historyWindow:             historyWindow,
	}
}

// HistoryWindow is how many recent means callers should supply
func (d *Detector) HistoryWindow() int {
	return d.historyWindow
}

// Level is a single min/max/mean triple
type Level struct {
	Min  float64
	Max  float64
	Mean float64
}

// Check inspects a measurement against the device's recent means and returns
// a human readable reason for every finding.
func (d *Detector) Check(level Level, recentMeans []float64) []string {
	var reasons []string

	if level.Min > level.Max {
		reasons = append(reasons, fmt.Sprintf("min %.3f is greater than max %.3f", level.Min, level.Max))
	}
	if level.Mean < level.Min || level.Mean > level.Max {
		reasons = append(reasons, fmt.Sprintf("mean %.3f is outside min/max range", level.Mean))
	}
	if spike, reason := d.DetectAnomaly(level.Mean, recentMeans); spike {
		reasons = append(reasons, reason)
	}

	return reasons
}

// DetectAnomaly checks if the value is anomalous based on historical data
func (d *Detector) DetectAnomaly(value float64, historicalValues []float64) (bool, string) {
	if value < 0 {
		return true, "negative value"
	}

	if d.spikeThreshold <= 0 || len(historicalValues) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalValues {
		sum += v
	}
	average := sum / float64(len(historicalValues))

	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: mean %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
