package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RequestLog is one served (or failed) Messages request.
type RequestLog struct {
	ID           string         `json:"id"`
	AccountID    sql.NullString `json:"account_id"`
	ClientKey    sql.NullString `json:"client_key"`
	Origin       string         `json:"origin"` // oauth, web, canned
	Model        string         `json:"model"`
	Stream       bool           `json:"stream"`
	RequestAt    time.Time      `json:"request_at"`
	DurationMs   sql.NullInt64  `json:"duration_ms"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Estimated    bool           `json:"estimated"`
	StatusCode   int            `json:"status_code"`
	Success      bool           `json:"success"`
	ErrorKind    sql.NullString `json:"error_kind"`
}

// RequestLogFilter narrows ListRequestLogs.
type RequestLogFilter struct {
	AccountID string
	Origin    string
	Model     string
	Success   *bool
	FromDate  *time.Time
	ToDate    *time.Time
	Page      int
	Limit     int
}

func (s *Store) CreateRequestLog(l *RequestLog) error {
	query := `INSERT INTO request_logs (
		id, account_id, client_key, origin, model, stream,
		request_at, duration_ms, input_tokens, output_tokens, estimated,
		status_code, success, error_kind
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		l.ID, l.AccountID, l.ClientKey, l.Origin, l.Model, l.Stream,
		l.RequestAt, l.DurationMs, l.InputTokens, l.OutputTokens, l.Estimated,
		l.StatusCode, l.Success, l.ErrorKind,
	)
	return err
}

// ListRequestLogs pages through logs, newest first.
func (s *Store) ListRequestLogs(filter RequestLogFilter) ([]*RequestLog, int, error) {
	var conditions []string
	var args []interface{}

	if filter.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Origin != "" {
		conditions = append(conditions, "origin = ?")
		args = append(args, filter.Origin)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, *filter.Success)
	}
	if filter.FromDate != nil {
		conditions = append(conditions, "request_at >= ?")
		args = append(args, *filter.FromDate)
	}
	if filter.ToDate != nil {
		conditions = append(conditions, "request_at <= ?")
		args = append(args, *filter.ToDate)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM request_logs %s", whereClause)
	var total int
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Page < 0 {
		filter.Page = 0
	}
	offset := filter.Page * filter.Limit

	query := fmt.Sprintf(`SELECT
		id, account_id, client_key, origin, model, stream,
		request_at, duration_ms, input_tokens, output_tokens, estimated,
		status_code, success, error_kind
		FROM request_logs %s
		ORDER BY request_at DESC
		LIMIT ? OFFSET ?`, whereClause)

	args = append(args, filter.Limit, offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		var l RequestLog
		err := rows.Scan(
			&l.ID, &l.AccountID, &l.ClientKey, &l.Origin, &l.Model, &l.Stream,
			&l.RequestAt, &l.DurationMs, &l.InputTokens, &l.OutputTokens, &l.Estimated,
			&l.StatusCode, &l.Success, &l.ErrorKind,
		)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, &l)
	}

	return logs, total, rows.Err()
}

// DeleteOldRequestLogs trims logs older than daysToKeep.
func (s *Store) DeleteOldRequestLogs(daysToKeep int) (int64, error) {
	query := `DELETE FROM request_logs WHERE request_at < datetime('now', '-' || ? || ' days')`
	result, err := s.db.Exec(query, daysToKeep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
