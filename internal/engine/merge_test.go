package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coffersTech/hotlog/internal/model"
)

func TestMerge_PrecedenceAndDedup(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	hot := rec("a", "orders", ts)
	hot.LogLevel = "WARN"
	archived := rec("a", "orders", ts) // same key, lower precedence
	other := rec("b", "orders", ts.Add(-time.Minute))

	f := model.QueryFilter{Page: 1, PageSize: 10}
	res := Merge(f,
		Outcome{Source: SourceCache, Status: StatusOK, Records: []model.LogRecord{hot}, Total: 1},
		Outcome{Source: SourceArchive, Status: StatusOK, Records: []model.LogRecord{archived, other}, Total: 2},
		Outcome{Source: SourceCold, Status: StatusOK, Records: []model.LogRecord{other}, Total: 1},
	)

	assert.Equal(t, []string{"a", "b"}, ids(res.Records))
	assert.Equal(t, "WARN", res.Records[0].LogLevel, "cache copy wins")
	assert.Equal(t, 2, res.Total)
	assert.True(t, res.Provenance.FromCache)
	assert.True(t, res.Provenance.FromFileArchive)
	assert.False(t, res.Provenance.FromColdStore)
}

func TestMerge_SameCorrelationDifferentTimestampsKept(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	f := model.QueryFilter{Page: 1, PageSize: 10}
	res := Merge(f,
		Outcome{Source: SourceCache, Status: StatusOK, Records: []model.LogRecord{rec("a", "x", ts)}, Total: 1},
		Outcome{Source: SourceArchive, Status: StatusOK, Records: []model.LogRecord{
			rec("a", "x", ts), rec("a", "x", ts.Add(time.Second)),
		}, Total: 2},
	)
	assert.Len(t, res.Records, 2)
	assert.True(t, res.Records[0].Timestamp.After(res.Records[1].Timestamp))
}

func TestMerge_TruncatedAndPaged(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	var recs []model.LogRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, rec(string(rune('a'+i)), "x", ts.Add(-time.Duration(i)*time.Minute)))
	}
	f := model.QueryFilter{Page: 2, PageSize: 2}
	res := Merge(f, Outcome{Source: SourceCold, Status: StatusOK, Records: recs, Total: 8, Capped: true})

	assert.Equal(t, []string{"c", "d"}, ids(res.Records))
	assert.Equal(t, 8, res.Total)
	assert.Equal(t, 4, res.TotalPages)
	assert.True(t, res.Provenance.Truncated)
}

func TestMerge_FailuresMarkPartial(t *testing.T) {
	f := model.QueryFilter{Page: 1, PageSize: 10}
	res := Merge(f,
		Outcome{Source: SourceCache, Status: StatusOK, Records: []model.LogRecord{}},
		Outcome{Source: SourceArchive, Status: StatusFailed, Reason: "disk"},
		Outcome{Source: SourceCold, Status: StatusSkipped},
	)
	assert.True(t, res.Provenance.Partial)
	assert.Equal(t, map[string]string{SourceArchive: "failed: disk"}, res.Provenance.Skipped)
	assert.Empty(t, res.Records)
	assert.NotNil(t, res.Records)
}
