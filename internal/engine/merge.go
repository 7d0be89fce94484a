package engine

import (
	"fmt"

	"github.com/coffersTech/hotlog/internal/model"
)

// Source names, in precedence order.
const (
	SourceCache   = "cache"
	SourceArchive = "archive"
	SourceCold    = "cold"
)

// Status is the result class of one source lookup.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusTimeout
	StatusUnreachable
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusTimeout:
		return "timeout"
	case StatusUnreachable:
		return "unreachable"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is what one source contributed to a query.
type Outcome struct {
	Source string
	Status Status
	// Records are the newest matches, at most the requested limit.
	Records []model.LogRecord
	// Total counts all matches in the source, which may exceed len(Records).
	Total int
	// Capped is set when the source hit the merge cap.
	Capped bool
	Reason string
}

// Merge combines outcomes given in precedence order into one page of f.
// A record whose key was already taken from an earlier outcome is dropped.
// Merge has no side effects.
func Merge(f model.QueryFilter, outcomes ...Outcome) model.MergedResult {
	seen := make(map[model.RecordKey]struct{})
	var merged []model.LogRecord
	var prov model.Provenance
	hidden := 0

	for _, o := range outcomes {
		switch o.Status {
		case StatusOK:
			added := 0
			for i := range o.Records {
				k := o.Records[i].Key()
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				merged = append(merged, o.Records[i])
				added++
			}
			if added > 0 {
				markSource(&prov, o.Source)
			}
			if o.Total > len(o.Records) {
				hidden += o.Total - len(o.Records)
			}
			if o.Capped {
				prov.Truncated = true
			}
		case StatusSkipped:
			if o.Reason != "" {
				skip(&prov, o.Source, o.Reason)
			}
		default:
			prov.Partial = true
			reason := o.Status.String()
			if o.Reason != "" {
				reason += ": " + o.Reason
			}
			skip(&prov, o.Source, reason)
		}
	}

	sortNewest(merged)
	total := len(merged) + hidden
	return model.MergedResult{
		Records:    page(merged, f.Offset(), f.PageSize),
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalPages: model.TotalPages(total, f.PageSize),
		Provenance: prov,
	}
}

func markSource(p *model.Provenance, source string) {
	switch source {
	case SourceCache:
		p.FromCache = true
	case SourceArchive:
		p.FromFileArchive = true
	case SourceCold:
		p.FromColdStore = true
	}
}

func skip(p *model.Provenance, source, reason string) {
	if p.Skipped == nil {
		p.Skipped = make(map[string]string)
	}
	p.Skipped[source] = reason
}
