package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/coffersTech/hotlog/internal/model"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05",
}

// decode turns a block body into a LogRecord. Every returned error wraps
// model.ErrMalformedRecord.
func (p *Parser) decode(sourceFile, sentinelID string, offset int64, body []byte) (model.LogRecord, error) {
	fp := p.pool.Get()
	defer p.pool.Put(fp)

	v, err := fp.ParseBytes(bytes.TrimSpace(body))
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
	}
	if v.Type() != fastjson.TypeObject {
		return model.LogRecord{}, fmt.Errorf("%w: body is %s, not an object", model.ErrMalformedRecord, v.Type())
	}

	rec := model.LogRecord{
		CorrelationID: string(v.GetStringBytes("correlationId")),
		LogLevel:      strings.ToUpper(firstString(v, "logLevel", "level")),
		APIName:       string(v.GetStringBytes("apiName")),
		ServiceName:   string(v.GetStringBytes("serviceName")),
		SessionID:     string(v.GetStringBytes("sessionId")),
		ErrorMessage:  string(v.GetStringBytes("errorMessage")),
		ErrorTrace:    string(v.GetStringBytes("errorTrace")),
		URL:           string(v.GetStringBytes("url")),
		SourceFile:    sourceFile,
		ByteOffset:    offset,
	}

	switch {
	case rec.CorrelationID == "":
		rec.CorrelationID = sentinelID
	case rec.CorrelationID != sentinelID:
		return model.LogRecord{}, fmt.Errorf("%w: body correlationId %q does not match sentinel %q",
			model.ErrMalformedRecord, rec.CorrelationID, sentinelID)
	}
	if rec.APIName == "" {
		return model.LogRecord{}, fmt.Errorf("%w: missing apiName", model.ErrMalformedRecord)
	}
	if rec.ServiceName == "" {
		return model.LogRecord{}, fmt.Errorf("%w: missing serviceName", model.ErrMalformedRecord)
	}

	ts, err := parseTimestamp(v.Get("timestamp"))
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
	}
	rec.Timestamp = ts

	if d := v.Get("durationMs"); d != nil && d.Type() != fastjson.TypeNull {
		n, err := d.Int64()
		if err != nil {
			f, ferr := d.Float64()
			if ferr != nil {
				return model.LogRecord{}, fmt.Errorf("%w: durationMs: %v", model.ErrMalformedRecord, err)
			}
			n = int64(f)
		}
		if n < 0 {
			return model.LogRecord{}, fmt.Errorf("%w: negative durationMs %d", model.ErrMalformedRecord, n)
		}
		rec.DurationMs = n
	}

	rec.RequestPayload = rawValue(v, "requestPayload", "request")
	rec.ResponsePayload = rawValue(v, "responsePayload", "response")
	rec.HasError = truthy(v.Get("hasError")) || truthy(v.Get("response", "hasError"))

	return rec, nil
}

func firstString(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if b := v.GetStringBytes(k); len(b) > 0 {
			return string(b)
		}
	}
	return ""
}

// rawValue returns a copy of the first present key as raw JSON.
func rawValue(v *fastjson.Value, keys ...string) []byte {
	for _, k := range keys {
		if x := v.Get(k); x != nil && x.Type() != fastjson.TypeNull {
			return x.MarshalTo(nil)
		}
	}
	return nil
}

func truthy(v *fastjson.Value) bool {
	if v == nil {
		return false
	}
	switch v.Type() {
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeString:
		s := strings.ToLower(string(v.GetStringBytes()))
		return s == "true" || s == "1" || s == "yes"
	case fastjson.TypeNumber:
		n, _ := v.Int()
		return n != 0
	}
	return false
}

func parseTimestamp(v *fastjson.Value) (time.Time, error) {
	if v == nil {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %v", err)
		}
		if n < 1e12 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return time.Time{}, fmt.Errorf("timestamp has type %s", v.Type())
}
