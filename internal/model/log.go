package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/hotlog/internal/pkg/hql"
)

// LogRecord is one fully framed log block extracted from a monitored file.
// Records are immutable once parsed.
type LogRecord struct {
	CorrelationID   string          `json:"correlationId"`
	Timestamp       time.Time       `json:"timestamp"`
	LogLevel        string          `json:"logLevel"`
	APIName         string          `json:"apiName"`
	ServiceName     string          `json:"serviceName"`
	SessionID       string          `json:"sessionId,omitempty"`
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`
	HasError        bool            `json:"hasError"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ErrorTrace      string          `json:"errorTrace,omitempty"`
	DurationMs      int64           `json:"durationMs"`
	URL             string          `json:"url,omitempty"`

	// Provenance, used for archive re-reads.
	SourceFile string `json:"sourceFile"`
	ByteOffset int64  `json:"byteOffset"`
}

// RecordKey uniquely identifies a record across all sources.
type RecordKey struct {
	CorrelationID string
	Timestamp     int64 // UnixNano
	SourceFile    string
}

// Key returns the identity used for deduplication.
func (r *LogRecord) Key() RecordKey {
	return RecordKey{
		CorrelationID: r.CorrelationID,
		Timestamp:     r.Timestamp.UnixNano(),
		SourceFile:    r.SourceFile,
	}
}

// IsError reports whether the record counts as a failed request.
func (r *LogRecord) IsError() bool {
	return r.HasError || strings.EqualFold(r.LogLevel, "ERROR")
}

// Field returns the string form of a search field.
func (r *LogRecord) Field(name string) string {
	switch name {
	case hql.FieldCorrelationID:
		return r.CorrelationID
	case hql.FieldAPIName:
		return r.APIName
	case hql.FieldServiceName:
		return r.ServiceName
	case hql.FieldSessionID:
		return r.SessionID
	case hql.FieldLogLevel:
		return r.LogLevel
	case hql.FieldURL:
		return r.URL
	case hql.FieldErrorMessage:
		return r.ErrorMessage
	case hql.FieldHasError:
		return strconv.FormatBool(r.IsError())
	case hql.FieldDurationMs:
		return strconv.FormatInt(r.DurationMs, 10)
	case hql.FieldSourceFile:
		return r.SourceFile
	}
	return ""
}

// Text returns the values searched by free-text terms.
func (r *LogRecord) Text() []string {
	return []string{
		r.ErrorMessage, r.ErrorTrace, r.URL, r.APIName, r.ServiceName, r.CorrelationID,
		string(r.RequestPayload), string(r.ResponsePayload),
	}
}

// Newer orders records by timestamp descending, breaking ties on the key so
// that merged output is deterministic.
func Newer(a, b *LogRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.CorrelationID != b.CorrelationID {
		return a.CorrelationID < b.CorrelationID
	}
	if a.SourceFile != b.SourceFile {
		return a.SourceFile < b.SourceFile
	}
	return a.ByteOffset < b.ByteOffset
}

// RejectKind classifies a quarantined block.
type RejectKind string

const (
	RejectMalformed RejectKind = "malformed_record"
	RejectUnmatched RejectKind = "unmatched_boundary"
	RejectOversized RejectKind = "oversized_block"
	RejectTruncated RejectKind = "truncated_pending"
)

// Rejected describes a block that was dropped instead of emitted.
type Rejected struct {
	Kind          RejectKind `json:"kind"`
	CorrelationID string     `json:"correlationId,omitempty"`
	SourceFile    string     `json:"sourceFile"`
	ByteOffset    int64      `json:"byteOffset"`
	Reason        string     `json:"reason"`
	Raw           []byte     `json:"raw,omitempty"`
	At            time.Time  `json:"at"`
}
