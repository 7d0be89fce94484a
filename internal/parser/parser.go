// Package parser extracts sentinel-framed log records from byte streams.
//
// A record starts with a line that is exactly <marker><id><marker>, carries a
// JSON object body on the following lines, and ends with a line holding the
// identical sentinel. A sentinel glued to the end of an unterminated line is
// also recognised. Parsing is incremental: the caller keeps a State
// between calls and only ever hands over newly appended bytes.
package parser

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/hotlog/internal/model"
)

// DefaultMarker is the sentinel token written by the upstream API services.
const DefaultMarker = "**********"

// Config controls framing and size limits.
type Config struct {
	Marker        string
	StrictUUID    bool // sentinel ids must parse as UUIDs
	MaxBlockBytes int  // 0 disables the limit
	MaxRawBytes   int  // raw bytes kept on a quarantine entry; 0 keeps all
}

// State is the resumable scan position of one file.
type State struct {
	// Offset is lastScannedOffset: every byte before it has been read.
	Offset int64 `json:"offset"`
	// Pending holds the bytes after the last closed record that could not
	// be resolved yet: an open block or an unterminated line.
	Pending []byte `json:"pending,omitempty"`
	// PendingID is the id of the open block, or of the oversized block
	// being skipped when Skipping is set.
	PendingID string `json:"pendingId,omitempty"`
	Skipping  bool   `json:"skipping,omitempty"`
}

// Result is the outcome of one Parse call.
type Result struct {
	Records  []model.LogRecord
	Rejected []model.Rejected
	State    State
}

// Parser is safe for concurrent use; all per-file state lives in State.
type Parser struct {
	marker     []byte
	strictUUID bool
	maxBlock   int
	maxRaw     int
	pool       fastjson.ParserPool
	now        func() time.Time
}

// New creates a Parser.
func New(cfg Config) *Parser {
	marker := cfg.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	return &Parser{
		marker:     []byte(marker),
		strictUUID: cfg.StrictUUID,
		maxBlock:   cfg.MaxBlockBytes,
		maxRaw:     cfg.MaxRawBytes,
		now:        time.Now,
	}
}

// Parse scans st.Pending followed by chunk and returns every block closed
// within it, in file order. The returned state has Offset advanced by
// len(chunk) and retains whatever is still unresolved.
func (p *Parser) Parse(sourceFile string, st State, chunk []byte) Result {
	buf := make([]byte, 0, len(st.Pending)+len(chunk))
	buf = append(buf, st.Pending...)
	buf = append(buf, chunk...)
	base := st.Offset - int64(len(st.Pending))

	var res Result
	var (
		open      bool
		openID    string
		openStart int
		bodyStart int
		skipping  = st.Skipping
		skipID    = st.PendingID
	)

	pos := 0
	for pos < len(buf) {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			break
		}
		next := pos + nl + 1
		line := bytes.TrimSuffix(buf[pos:pos+nl], []byte{'\r'})
		id, at, isSentinel := p.findSentinel(line)
		start := pos + at

		switch {
		case skipping:
			if isSentinel {
				skipping = false
				if id != skipID {
					open, openID, openStart, bodyStart = true, id, start, next
				}
			}

		case isSentinel && !open:
			open, openID, openStart, bodyStart = true, id, start, next

		case isSentinel && id == openID:
			rec, err := p.decode(sourceFile, id, base+int64(openStart), buf[bodyStart:start])
			if err != nil {
				res.Rejected = append(res.Rejected, p.reject(model.RejectMalformed, id, sourceFile,
					base+int64(openStart), buf[openStart:next], err.Error()))
			} else {
				res.Records = append(res.Records, rec)
			}
			open = false

		case isSentinel:
			res.Rejected = append(res.Rejected, p.reject(model.RejectUnmatched, openID, sourceFile,
				base+int64(openStart), buf[openStart:start],
				fmt.Sprintf("block %s superseded by sentinel %s before close", openID, id)))
			open, openID, openStart, bodyStart = true, id, start, next

		case open && p.maxBlock > 0 && next-openStart > p.maxBlock:
			res.Rejected = append(res.Rejected, p.oversized(openID, sourceFile, base+int64(openStart), buf[openStart:next]))
			open, skipping, skipID = false, true, openID
		}
		pos = next
	}

	// Whatever is left is either the open block or an unterminated line.
	var pending []byte
	pendingID := ""
	switch {
	case open:
		pending = buf[openStart:]
		pendingID = openID
		if p.maxBlock > 0 && len(pending) > p.maxBlock {
			res.Rejected = append(res.Rejected, p.oversized(openID, sourceFile, base+int64(openStart), pending))
			skipping, skipID = true, openID
			pending = tailLine(buf[pos:], p.maxBlock)
		}
	default:
		pending = tailLine(buf[pos:], p.maxBlock)
	}
	if skipping {
		pendingID = skipID
	}

	res.State = State{
		Offset:    st.Offset + int64(len(chunk)),
		Pending:   bytes.Clone(pending),
		PendingID: pendingID,
		Skipping:  skipping,
	}
	return res
}

// ParseAll parses a complete byte slice from offset zero, as used when
// replaying archived files. Any unterminated block at the end is ignored.
func (p *Parser) ParseAll(sourceFile string, data []byte) Result {
	return p.Parse(sourceFile, State{}, data)
}

// findSentinel locates a sentinel that is either the whole line or its
// suffix. A suffix sentinel is what a writer that died mid-line leaves
// behind once the next record is appended; at is its index in line.
func (p *Parser) findSentinel(line []byte) (id string, at int, ok bool) {
	if id, ok := p.sentinelID(line); ok {
		return id, 0, true
	}
	m := p.marker
	if len(line) <= 2*len(m) || !bytes.HasSuffix(line, m) {
		return "", 0, false
	}
	at = bytes.LastIndex(line[:len(line)-len(m)], m)
	if at <= 0 {
		return "", 0, false
	}
	if id, ok := p.sentinelID(line[at:]); ok {
		return id, at, true
	}
	return "", 0, false
}

// sentinelID returns the correlation id if line is a sentinel line.
func (p *Parser) sentinelID(line []byte) (string, bool) {
	m := p.marker
	if len(line) <= 2*len(m) || !bytes.HasPrefix(line, m) || !bytes.HasSuffix(line, m) {
		return "", false
	}
	id := line[len(m) : len(line)-len(m)]
	for _, c := range id {
		if !validIDByte(c) {
			return "", false
		}
	}
	if p.strictUUID {
		if _, err := uuid.ParseBytes(id); err != nil {
			return "", false
		}
	}
	return string(id), true
}

func validIDByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == ':':
		return true
	}
	return false
}

// tailLine keeps an unterminated trailing line unless it has grown past
// limit, in which case it cannot be a sentinel and is dropped.
func tailLine(b []byte, limit int) []byte {
	if limit > 0 && len(b) > limit {
		return nil
	}
	return b
}

func (p *Parser) oversized(id, sourceFile string, offset int64, raw []byte) model.Rejected {
	return p.reject(model.RejectOversized, id, sourceFile, offset, raw,
		fmt.Sprintf("block exceeds %d bytes", p.maxBlock))
}

func (p *Parser) reject(kind model.RejectKind, id, sourceFile string, offset int64, raw []byte, reason string) model.Rejected {
	if p.maxRaw > 0 && len(raw) > p.maxRaw {
		raw = raw[:p.maxRaw]
	}
	return model.Rejected{
		Kind:          kind,
		CorrelationID: id,
		SourceFile:    sourceFile,
		ByteOffset:    offset,
		Reason:        reason,
		Raw:           bytes.Clone(raw),
		At:            p.now(),
	}
}
