package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coffersTech/hotlog/internal/pkg/hql"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// QueryFilter selects records. Empty strings, nil pointers and zero times mean
// "no constraint".
type QueryFilter struct {
	CorrelationID string    `json:"correlationId,omitempty"`
	APIName       string    `json:"apiName,omitempty"`
	ServiceName   string    `json:"serviceName,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	LogLevel      string    `json:"logLevel,omitempty"`
	HasError      *bool     `json:"hasError,omitempty"`
	StartTime     time.Time `json:"startTime,omitempty"`
	EndTime       time.Time `json:"endTime,omitempty"`
	// Query is a free-form search expression, see package hql.
	Query         string    `json:"q,omitempty"`
	Page          int       `json:"page"`
	PageSize      int       `json:"pageSize"`

	expr    hql.Node
	exprErr error
}

// Normalize fills pagination defaults. Explicitly invalid values are left
// for Validate to reject.
func (f QueryFilter) Normalize() QueryFilter {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	f.Query = strings.TrimSpace(f.Query)
	f.expr, f.exprErr = hql.Parse(f.Query)
	return f
}

// Expr returns the compiled search expression, or nil when Query is empty.
func (f *QueryFilter) Expr() (hql.Node, error) {
	if f.expr == nil && f.exprErr == nil && f.Query != "" {
		return hql.Parse(f.Query)
	}
	return f.expr, f.exprErr
}

// Validate checks pagination and time-range invariants.
func (f QueryFilter) Validate(maxPageSize int) error {
	if f.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidFilter, f.Page)
	}
	if f.PageSize < 1 {
		return fmt.Errorf("%w: pageSize must be >= 1, got %d", ErrInvalidFilter, f.PageSize)
	}
	if maxPageSize > 0 && f.PageSize > maxPageSize {
		return fmt.Errorf("%w: pageSize must be <= %d, got %d", ErrInvalidFilter, maxPageSize, f.PageSize)
	}
	if !f.StartTime.IsZero() && !f.EndTime.IsZero() && f.EndTime.Before(f.StartTime) {
		return fmt.Errorf("%w: endTime before startTime", ErrInvalidFilter)
	}
	if _, err := f.Expr(); err != nil {
		return fmt.Errorf("%w: q: %w", ErrInvalidFilter, err)
	}
	return nil
}

// Match reports whether the record satisfies every constraint of the filter.
func (f *QueryFilter) Match(r *LogRecord) bool {
	if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
		return false
	}
	if f.APIName != "" && r.APIName != f.APIName {
		return false
	}
	if f.ServiceName != "" && r.ServiceName != f.ServiceName {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.LogLevel != "" && !strings.EqualFold(r.LogLevel, f.LogLevel) {
		return false
	}
	if f.HasError != nil && r.IsError() != *f.HasError {
		return false
	}
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	if f.Query != "" {
		expr, err := f.Expr()
		return err == nil && hql.Match(expr, r)
	}
	return true
}

// Offset returns the index of the first record on the requested page.
func (f *QueryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Provenance tells a caller which sources answered and whether the answer is
// complete.
type Provenance struct {
	FromCache       bool `json:"fromCache"`
	FromFileArchive bool `json:"fromFileArchive"`
	FromColdStore   bool `json:"fromColdStore"`
	// Partial is set when a consulted source timed out or failed.
	Partial bool `json:"partial"`
	// Truncated is set when a source had more matches than the merge cap.
	Truncated bool `json:"truncated"`
	// Skipped maps a source name to the reason its contribution is missing.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// MergedResult is one page of a routed query.
type MergedResult struct {
	Records    []LogRecord `json:"records"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalPages int         `json:"totalPages"`
	Provenance Provenance  `json:"provenance"`
}

// TotalPages computes the page count for total matches.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(pageSize)))
}

// StatsSnapshot is the rolling aggregate exposed to dashboards.
type StatsSnapshot struct {
	Total       int64     `json:"total"`
	Success     int64     `json:"success"`
	Error       int64     `json:"error"`
	SuccessRate float64   `json:"successRate"`
	Ingested    int64     `json:"ingested"`
	Evicted     int64     `json:"evicted"`
	Dropped     int64     `json:"dropped"`
	Quarantined int64     `json:"quarantined"`
	Discarded   int64     `json:"discarded"`
	AsOf        time.Time `json:"asOf"`
}

// SuccessRatePct returns success/total as a percentage rounded to two decimals.
func SuccessRatePct(success, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*10000) / 100
}

// FilterOptions lists the values currently represented in the hot cache.
type FilterOptions struct {
	APIs     []string `json:"apis"`
	Services []string `json:"services"`
}
