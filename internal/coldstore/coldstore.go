// Package coldstore reads records that have aged out of the hot cache from
// the Postgres table populated by the upstream archiver. Access is read-only.
package coldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

const DefaultTable = "log_entries"

// Querier is the subset of pgxpool.Pool used by Store.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store answers filtered lookups against the cold table.
type Store struct {
	db    Querier
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
}

// Open creates a connection pool for dsn. The pool connects lazily, so an
// unreachable database is reported per query rather than here.
func Open(ctx context.Context, dsn, table string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cold store dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cold store pool: %w", err)
	}
	s := New(pool, table, logger)
	s.pool = pool

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		s.log.Warn("cold store not reachable yet", "error", err)
	}
	return s, nil
}

// New wraps an existing querier.
func New(db Querier, table string, logger *slog.Logger) *Store {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{db: db, table: table, log: logger.With("component", "coldstore")}
}

// Close releases the pool opened by Open.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// The cold table is the upstream archiver's log_entries: indexed columns for
// the common filters plus the original record body in the log_data JSON
// column. Fields without a column of their own are read from log_data.
const (
	tsColumn       = `"timestamp"`
	hasErrorExpr   = `(lower(COALESCE(log_data->>'hasError', log_data->'response'->>'hasError', '')) = 'true' OR upper(COALESCE(log_level, '')) = 'ERROR')`
	requestExpr    = `COALESCE(log_data->'requestPayload', log_data->'request')`
	responseExpr   = `COALESCE(log_data->'responsePayload', log_data->'response')`
	urlExpr        = `COALESCE(log_data->>'url', '')`
	sourceFileExpr = `COALESCE(log_data->>'file_name', '')`
)

var columns = strings.Join([]string{
	"correlation_id",
	tsColumn,
	"COALESCE(log_level, '')",
	"COALESCE(api_name, '')",
	"COALESCE(service_name, '')",
	"COALESCE(session_id, '')",
	requestExpr + "::text",
	responseExpr + "::text",
	hasErrorExpr,
	"COALESCE(error_message, '')",
	"COALESCE(error_trace, '')",
	"COALESCE(duration_ms, 0)",
	urlExpr,
	sourceFileExpr,
}, ", ")

// buildQuery renders f as one statement returning at most limit rows newest
// first, each carrying the overall match count.
func buildQuery(table string, f model.QueryFilter, limit int) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.APIName != "" {
		add("api_name = $%d", f.APIName)
	}
	if f.ServiceName != "" {
		add("service_name = $%d", f.ServiceName)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.LogLevel != "" {
		add("upper(log_level) = upper($%d)", f.LogLevel)
	}
	if f.HasError != nil {
		if *f.HasError {
			where = append(where, hasErrorExpr)
		} else {
			where = append(where, "NOT "+hasErrorExpr)
		}
	}
	if !f.StartTime.IsZero() {
		add(tsColumn+" >= $%d", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		add(tsColumn+" <= $%d", f.EndTime)
	}
	// Query has already rejected an invalid expression.
	if expr, _ := f.Expr(); expr != nil {
		where = append(where, renderExpr(expr, func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(columns)
	sb.WriteString(", count(*) OVER () FROM ")
	sb.WriteString(pgx.Identifier{table}.Sanitize())
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY %s DESC, correlation_id ASC LIMIT $%d", tsColumn, len(args))
	return sb.String(), args
}

// Query returns the newest limit matches of f and the overall match count.
func (s *Store) Query(ctx context.Context, f model.QueryFilter, limit int) ([]model.LogRecord, int, error) {
	if _, err := f.Expr(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", model.ErrInvalidFilter, err)
	}
	sql, args := buildQuery(s.table, f, limit)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer rows.Close()

	recs := make([]model.LogRecord, 0, limit)
	total := 0
	for rows.Next() {
		var r model.LogRecord
		var req, resp *string
		if err := rows.Scan(&r.CorrelationID, &r.Timestamp, &r.LogLevel, &r.APIName, &r.ServiceName,
			&r.SessionID, &req, &resp, &r.HasError, &r.ErrorMessage, &r.ErrorTrace, &r.DurationMs,
			&r.URL, &r.SourceFile, &total); err != nil {
			return nil, 0, fmt.Errorf("scan cold record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		if req != nil {
			r.RequestPayload = json.RawMessage(*req)
		}
		if resp != nil {
			r.ResponsePayload = json.RawMessage(*resp)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}
	return recs, total, nil
}

// classify maps connection failures to model.ErrColdStoreUnreachable.
// Context errors pass through unchanged.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrColdStoreUnreachable, err)
	}
	return err
}
