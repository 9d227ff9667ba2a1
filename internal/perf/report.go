package perf

import (
	"fmt"
	"time"
)

// Report is the operator-facing performance report.
type Report struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	Summary         GlobalMetrics   `json:"summary"`
	Tools           []ToolMetrics   `json:"tools"`
	Resources       ResourceMetrics `json:"resources"`
	Recommendations []string        `json:"recommendations"`
	Alerts          []string        `json:"alerts"`
}

// Recommendation thresholds. These gate advisory strings only; alerting
// proper lives in the monitoring package.
const (
	slowP95ThresholdMS    = 1000.0
	highMemoryThresholdMB = 1024.0
	highErrorRate         = 0.05
	criticalErrorRate     = 0.10
	slowToolAvgMS         = 2000.0
)

// GenerateReport snapshots the monitor and derives recommendations and
// alert strings from threshold crossings.
func (m *Monitor) GenerateReport() Report {
	snapshot := m.GetSnapshot()

	report := Report{
		GeneratedAt: snapshot.Timestamp,
		Summary:     snapshot.Global,
		Tools:       snapshot.Tools,
		Resources:   snapshot.Resources,
	}

	if snapshot.Global.P95MS > slowP95ThresholdMS {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("p95 latency is %.0fms; consider caching frequent queries or raising cache TTLs", snapshot.Global.P95MS))
	}
	if snapshot.Resources.ResidentMemoryMB > highMemoryThresholdMB {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("resident memory is %.0fMB; optimize memory usage or lower cache.memory.max_keys", snapshot.Resources.ResidentMemoryMB))
	}
	if snapshot.Global.ErrorRate > highErrorRate {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("error rate is %.1f%%; inspect failing source adapters and circuit breaker states", snapshot.Global.ErrorRate*100))
	}
	for _, tool := range snapshot.Tools {
		if tool.AvgMS > slowToolAvgMS {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("tool %s averages %.0fms; review its adapter fan-out and timeouts", tool.Tool, tool.AvgMS))
		}
	}

	if snapshot.Global.ErrorRate > criticalErrorRate {
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", snapshot.Global.ErrorRate*100, criticalErrorRate*100))
	}

	return report
}
