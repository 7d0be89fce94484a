package coldstore

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/hotlog/internal/model"
)

func TestBuildQuery_NoFilter(t *testing.T) {
	sql, args := buildQuery("log_entries", model.QueryFilter{}, 50)
	assert.Contains(t, sql, `FROM "log_entries" ORDER BY "timestamp" DESC, correlation_id ASC LIMIT $1`)
	assert.Contains(t, sql, `COALESCE(log_data->'requestPayload', log_data->'request')::text`)
	assert.Contains(t, sql, `COALESCE(log_data->>'file_name', '')`)
	for _, invented := range []string{" ts ", "request_payload", "response_payload", "byte_offset", "source_file"} {
		assert.NotContains(t, sql, invented)
	}
	assert.NotContains(t, sql, "WHERE")
	assert.Equal(t, []any{50}, args)
}

func TestBuildQuery_AllConstraints(t *testing.T) {
	yes := true
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f := model.QueryFilter{
		CorrelationID: "c1",
		APIName:       "orders",
		ServiceName:   "create",
		SessionID:     "s1",
		LogLevel:      "warn",
		HasError:      &yes,
		StartTime:     start,
		EndTime:       end,
	}

	sql, args := buildQuery("logs", f, 10)

	assert.Contains(t, sql, "correlation_id = $1 AND api_name = $2 AND service_name = $3 AND session_id = $4")
	assert.Contains(t, sql, "upper(log_level) = upper($5)")
	assert.Contains(t, sql, "(lower(COALESCE(log_data->>'hasError', log_data->'response'->>'hasError', '')) = 'true' OR upper(COALESCE(log_level, '')) = 'ERROR')")
	assert.Contains(t, sql, `"timestamp" >= $6 AND "timestamp" <= $7`)
	assert.Contains(t, sql, "LIMIT $8")
	assert.Equal(t, []any{"c1", "orders", "create", "s1", "warn", start, end, 10}, args)
}

func TestBuildQuery_NotErrorAndQuotedTable(t *testing.T) {
	no := false
	sql, _ := buildQuery(`weird"name`, model.QueryFilter{HasError: &no}, 1)
	assert.Contains(t, sql, "NOT (lower(COALESCE(log_data->>'hasError'")
	assert.Contains(t, sql, `FROM "weird""name"`)
}

type failingQuerier struct{ err error }

func (q failingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, q.err
}

func TestQuery_ConnectionFailureIsUnreachable(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	s := New(failingQuerier{err: dial}, "", nil)

	_, _, err := s.Query(context.Background(), model.QueryFilter{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrColdStoreUnreachable)
}

func TestQuery_DeadlinePassesThrough(t *testing.T) {
	s := New(failingQuerier{err: context.DeadlineExceeded}, "", nil)

	_, _, err := s.Query(context.Background(), model.QueryFilter{}, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, model.ErrColdStoreUnreachable)
}

func TestQuery_OtherErrorsFail(t *testing.T) {
	s := New(failingQuerier{err: errors.New("relation does not exist")}, "", nil)

	_, _, err := s.Query(context.Background(), model.QueryFilter{}, 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrColdStoreUnreachable)
}

func TestBuildQuery_SearchExpression(t *testing.T) {
	f := model.QueryFilter{APIName: "orders", Query: `level:error AND NOT url~"50%_off"`}.Normalize()

	sql, args := buildQuery("logs", f, 5)

	assert.Contains(t, sql, "api_name = $1 AND ((lower(COALESCE(log_level, '')) = lower($2)) AND NOT (COALESCE(log_data->>'url', '') ILIKE $3))")
	assert.Contains(t, sql, "LIMIT $4")
	assert.Equal(t, []any{"orders", "error", `%50\%\_off%`, 5}, args)
}

func TestBuildQuery_FreeText(t *testing.T) {
	f := model.QueryFilter{Query: `"timeout" OR hasError:true`}.Normalize()

	sql, args := buildQuery("logs", f, 5)

	assert.Contains(t, sql, "COALESCE(error_message, '') ILIKE $1 OR COALESCE(error_trace, '') ILIKE $1")
	assert.Contains(t, sql, "COALESCE(COALESCE(log_data->'responsePayload', log_data->'response')::text, '') ILIKE $1)")
	assert.Contains(t, sql, "THEN 'true' ELSE 'false' END) = lower($2)")
	assert.Equal(t, []any{"%timeout%", "true", 5}, args)
}

func TestQuery_InvalidExpression(t *testing.T) {
	s := New(failingQuerier{err: errors.New("not reached")}, "", nil)

	_, _, err := s.Query(context.Background(), model.QueryFilter{Query: "api:"}, 10)
	assert.ErrorIs(t, err, model.ErrInvalidFilter)
}
