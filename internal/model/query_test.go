package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFilter_MatchStructured(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &LogRecord{CorrelationID: "c1", APIName: "orders", LogLevel: "error", Timestamp: now}
	yes, no := true, false

	assert.True(t, (&QueryFilter{}).Match(r))
	assert.True(t, (&QueryFilter{LogLevel: "ERROR"}).Match(r))
	assert.True(t, (&QueryFilter{HasError: &yes}).Match(r))
	assert.False(t, (&QueryFilter{HasError: &no}).Match(r))
	assert.False(t, (&QueryFilter{APIName: "payments"}).Match(r))
	assert.True(t, (&QueryFilter{StartTime: now, EndTime: now}).Match(r))
	assert.False(t, (&QueryFilter{StartTime: now.Add(time.Second)}).Match(r))
}

func TestQueryFilter_MatchExpression(t *testing.T) {
	r := &LogRecord{
		CorrelationID:  "c1",
		APIName:        "orders",
		LogLevel:       "INFO",
		DurationMs:     120,
		RequestPayload: []byte(`{"sku":"ABC-7"}`),
	}

	f := QueryFilter{Query: `api:orders AND "abc-7"`}.Normalize()
	assert.True(t, f.Match(r))

	f = QueryFilter{Query: "duration:120 AND NOT hasError:true"}.Normalize()
	assert.True(t, f.Match(r))

	// Not normalized: compiled on demand.
	assert.False(t, (&QueryFilter{Query: "level:DEBUG"}).Match(r))
}

func TestQueryFilter_Validate(t *testing.T) {
	ok := QueryFilter{}.Normalize()
	require.NoError(t, ok.Validate(MaxPageSize))

	bad := QueryFilter{Query: "(api:orders"}.Normalize()
	err := bad.Validate(MaxPageSize)
	assert.True(t, errors.Is(err, ErrInvalidFilter))
	assert.False(t, bad.Match(&LogRecord{APIName: "orders"}))

	big := QueryFilter{PageSize: MaxPageSize + 1}.Normalize()
	assert.ErrorIs(t, big.Validate(MaxPageSize), ErrInvalidFilter)

	start := time.Now()
	inverted := QueryFilter{StartTime: start, EndTime: start.Add(-time.Minute)}.Normalize()
	assert.ErrorIs(t, inverted.Validate(0), ErrInvalidFilter)
}

func TestTotalPages(t *testing.T) {
	assert.Equal(t, 0, TotalPages(0, 50))
	assert.Equal(t, 1, TotalPages(50, 50))
	assert.Equal(t, 3, TotalPages(101, 50))
	assert.Equal(t, 66.67, SuccessRatePct(2, 3))
}
