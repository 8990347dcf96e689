package usecase

import "context"

// MetricsSummary represents aggregated liveness outcomes.
type MetricsSummary struct {
	TotalSessions     int64   `json:"total_sessions"`
	PassedSessions    int64   `json:"passed_sessions"`
	PassRate          float64 `json:"pass_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	ActiveSessions    int     `json:"active_sessions"`
}

// GetMetricsSummary aggregates persisted session results.
func (uc *LivenessUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSessions:     aggregation.TotalCount,
		PassedSessions:    aggregation.PassedCount,
		AverageDurationMs: aggregation.AverageDurationMs,
		ActiveSessions:    uc.activeCount(),
	}
	if aggregation.TotalCount > 0 {
		summary.PassRate = float64(aggregation.PassedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
