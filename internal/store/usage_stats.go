package store

import (
	"time"
)

// AggregatedStats summarizes a slice of request logs.
type AggregatedStats struct {
	RequestCount      int     `json:"request_count"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	AvgDurationMs     int     `json:"avg_duration_ms"`
	SuccessRate       float64 `json:"success_rate"`
}

// DailyStats is one day of traffic.
type DailyStats struct {
	Date         string `json:"date"`
	RequestCount int    `json:"request_count"`
	SuccessCount int    `json:"success_count"`
	TotalTokens  int    `json:"total_tokens"`
}

// GlobalStats is the admin overview.
type GlobalStats struct {
	TotalRequests int                         `json:"total_requests"`
	TotalTokens   int                         `json:"total_tokens"`
	ByOrigin      map[string]*AggregatedStats `json:"by_origin"`
	ByModel       map[string]*AggregatedStats `json:"by_model"`
	ByAccount     map[string]*AggregatedStats `json:"by_account"`
}

const aggregateSelect = `
	COUNT(*) as request_count,
	COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) as success_count,
	COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) as error_count,
	COALESCE(SUM(input_tokens), 0) as total_input_tokens,
	COALESCE(SUM(output_tokens), 0) as total_output_tokens,
	COALESCE(SUM(input_tokens + output_tokens), 0) as total_tokens,
	COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0) as avg_duration_ms`

// GetAccountStats aggregates one account's traffic over a window.
func (s *Store) GetAccountStats(accountID string, from, to time.Time) (*AggregatedStats, error) {
	query := `SELECT ` + aggregateSelect + `
		FROM request_logs
		WHERE account_id = ? AND request_at >= ? AND request_at <= ?`

	var stats AggregatedStats
	err := s.db.QueryRow(query, accountID, from, to).Scan(
		&stats.RequestCount, &stats.SuccessCount, &stats.ErrorCount,
		&stats.TotalInputTokens, &stats.TotalOutputTokens, &stats.TotalTokens,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, err
	}
	fillRate(&stats)
	return &stats, nil
}

// GetDailyTrend returns per-day traffic for the last n days.
func (s *Store) GetDailyTrend(days int) ([]*DailyStats, error) {
	query := `SELECT
		date(request_at) as day,
		COUNT(*) as request_count,
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) as success_count,
		COALESCE(SUM(input_tokens + output_tokens), 0) as total_tokens
		FROM request_logs
		WHERE request_at >= date('now', '-' || ? || ' days')
		GROUP BY day
		ORDER BY day ASC`

	rows, err := s.db.Query(query, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trends []*DailyStats
	for rows.Next() {
		var trend DailyStats
		if err := rows.Scan(&trend.Date, &trend.RequestCount, &trend.SuccessCount, &trend.TotalTokens); err != nil {
			return nil, err
		}
		trends = append(trends, &trend)
	}
	return trends, rows.Err()
}

// GetGlobalOverview aggregates the whole fleet over a window, broken down by
// origin, model, and account.
func (s *Store) GetGlobalOverview(from, to time.Time) (*GlobalStats, error) {
	stats := &GlobalStats{
		ByOrigin:  make(map[string]*AggregatedStats),
		ByModel:   make(map[string]*AggregatedStats),
		ByAccount: make(map[string]*AggregatedStats),
	}

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM request_logs
		WHERE request_at >= ? AND request_at <= ?`
	if err := s.db.QueryRow(query, from, to).Scan(&stats.TotalRequests, &stats.TotalTokens); err != nil {
		return nil, err
	}

	for _, group := range []struct {
		column string
		dest   map[string]*AggregatedStats
	}{
		{"origin", stats.ByOrigin},
		{"model", stats.ByModel},
		{"COALESCE(account_id, '')", stats.ByAccount},
	} {
		if err := s.groupedStats(group.column, from, to, group.dest); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (s *Store) groupedStats(column string, from, to time.Time, dest map[string]*AggregatedStats) error {
	query := `SELECT ` + column + `, ` + aggregateSelect + `
		FROM request_logs
		WHERE request_at >= ? AND request_at <= ?
		GROUP BY ` + column

	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var agg AggregatedStats
		err := rows.Scan(&key, &agg.RequestCount, &agg.SuccessCount, &agg.ErrorCount,
			&agg.TotalInputTokens, &agg.TotalOutputTokens, &agg.TotalTokens,
			&agg.AvgDurationMs)
		if err != nil {
			return err
		}
		fillRate(&agg)
		if key != "" {
			dest[key] = &agg
		}
	}
	return rows.Err()
}

func fillRate(stats *AggregatedStats) {
	if stats.RequestCount > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.RequestCount) * 100
	}
}
