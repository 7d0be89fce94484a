package server

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// parseTime accepts RFC3339 variants or epoch milliseconds.
func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised time %q", model.ErrInvalidFilter, v)
}

// parseInterval accepts a Go duration or a number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: bad interval %q", model.ErrInvalidFilter, v)
	}
	return d, nil
}

// filterFromQuery reads a QueryFilter from URL parameters. startTime and
// endTime also accept the start and end aliases.
func filterFromQuery(q url.Values) (model.QueryFilter, error) {
	f := model.QueryFilter{
		CorrelationID: q.Get("correlationId"),
		APIName:       q.Get("apiName"),
		ServiceName:   q.Get("serviceName"),
		SessionID:     q.Get("sessionId"),
		LogLevel:      q.Get("logLevel"),
		Query:         q.Get("q"),
	}
	var errs []error
	if v := q.Get("hasError"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("hasError: %q is not a boolean", v))
		} else {
			f.HasError = &b
		}
	}
	for _, p := range []struct {
		names []string
		dst   *time.Time
	}{
		{[]string{"startTime", "start"}, &f.StartTime},
		{[]string{"endTime", "end"}, &f.EndTime},
	} {
		for _, name := range p.names {
			if v := q.Get(name); v != "" {
				t, err := parseTime(v)
				if err != nil {
					errs = append(errs, err)
				}
				*p.dst = t
				break
			}
		}
	}
	var err error
	if f.Page, err = intParam(q, "page", 0); err != nil {
		errs = append(errs, err)
	}
	if f.PageSize, err = intParam(q, "pageSize", 0); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return f, errors.Join(append([]error{model.ErrInvalidFilter}, errs...)...)
	}
	return f, nil
}
