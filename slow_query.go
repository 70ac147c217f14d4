package slonik

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SlowQueryRecord is one statement that ran longer than the threshold.
type SlowQueryRecord struct {
	QueryID         string        `json:"query_id"`
	ConnectionID    string        `json:"connection_id"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	SQL             string        `json:"sql"`
	NormalizedQuery string        `json:"normalized_query"`
	Fingerprint     uint64        `json:"fingerprint"`
	Values          []any         `json:"values,omitempty"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
	Error           string        `json:"error,omitempty"`
}

// QueryPattern aggregates slow statements that normalize to the same text.
type QueryPattern struct {
	NormalizedQuery string        `json:"normalized_query"`
	Fingerprint     uint64        `json:"fingerprint"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastSeen        time.Time     `json:"last_seen"`
}

// SlowQueryStats summarizes everything recorded since the last Clear.
type SlowQueryStats struct {
	TotalCount      int64         `json:"total_count"`
	UniqueQueries   int64         `json:"unique_queries"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	LastRecordTime  time.Time     `json:"last_record_time"`
}

// SlowQueryConfig holds configuration for slow query recording
type SlowQueryConfig struct {
	Threshold   time.Duration
	MaxRecords  int // size of the record ring
	MaxPatterns int
	// SanitizeValues replaces bound values with their type names.
	SanitizeValues bool
}

// DefaultSlowQueryConfig returns default configuration
func DefaultSlowQueryConfig() SlowQueryConfig {
	return SlowQueryConfig{
		Threshold:      time.Second,
		MaxRecords:     1000,
		MaxPatterns:    100,
		SanitizeValues: true,
	}
}

// SlowQueryRecorder keeps the most recent slow statements in a bounded ring.
type SlowQueryRecorder struct {
	mu       sync.RWMutex
	config   SlowQueryConfig
	records  []*SlowQueryRecord
	next     int
	full     bool
	patterns map[uint64]*QueryPattern
	stats    SlowQueryStats
}

func NewSlowQueryRecorder(config SlowQueryConfig) *SlowQueryRecorder {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultSlowQueryConfig().MaxRecords
	}
	if config.MaxPatterns <= 0 {
		config.MaxPatterns = DefaultSlowQueryConfig().MaxPatterns
	}
	return &SlowQueryRecorder{
		config:   config,
		records:  make([]*SlowQueryRecord, config.MaxRecords),
		patterns: make(map[uint64]*QueryPattern),
	}
}

// SetThreshold sets the slow query threshold
func (r *SlowQueryRecorder) SetThreshold(threshold time.Duration) {
	r.mu.Lock()
	r.config.Threshold = threshold
	r.mu.Unlock()
}

func (r *SlowQueryRecorder) Threshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Threshold
}

const slowQueryStartKey = "slonik.slow_query.start"

// Interceptor times every statement through the query context sandbox and
// records the ones above the threshold, failed ones included.
func (r *SlowQueryRecorder) Interceptor() Interceptor {
	return Interceptor{
		Name: "slow-query",
		BeforeQueryExecution: func(_ context.Context, qc *QueryContext, _ Query) (*QueryResult, error) {
			qc.Sandbox[slowQueryStartKey] = time.Now()
			return nil, nil
		},
		AfterQueryExecution: func(_ context.Context, qc *QueryContext, q Query, _ *QueryResult) (*QueryResult, error) {
			r.observe(qc, q, nil)
			return nil, nil
		},
		QueryExecutionError: func(_ context.Context, qc *QueryContext, q Query, err error, _ []Notice) error {
			r.observe(qc, q, err)
			return nil
		},
	}
}

func (r *SlowQueryRecorder) observe(qc *QueryContext, q Query, err error) {
	start, ok := qc.Sandbox[slowQueryStartKey].(time.Time)
	if !ok {
		start = qc.QueryInputTime
	}
	r.Record(SlowQueryRecord{
		QueryID:       qc.QueryID,
		ConnectionID:  qc.ConnectionID,
		TransactionID: qc.TransactionID,
		SQL:           q.SQL,
		Values:        q.Values,
		Duration:      time.Since(start),
	}, err)
}

// Record stores rec when its duration exceeds the threshold and reports
// whether it did.
func (r *SlowQueryRecorder) Record(rec SlowQueryRecord, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Duration <= r.config.Threshold {
		return false
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.NormalizedQuery = normalizeQuery(rec.SQL)
	rec.Fingerprint = xxhash.Sum64String(rec.NormalizedQuery)
	if r.config.SanitizeValues {
		rec.Values = sanitizeValues(rec.Values)
	}
	if err != nil {
		rec.Error = err.Error()
	}

	r.records[r.next] = &rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}

	s := &r.stats
	if s.TotalCount == 0 || rec.Duration < s.MinDuration {
		s.MinDuration = rec.Duration
	}
	if rec.Duration > s.MaxDuration {
		s.MaxDuration = rec.Duration
	}
	s.AverageDuration = (s.AverageDuration*time.Duration(s.TotalCount) + rec.Duration) / time.Duration(s.TotalCount+1)
	s.TotalCount++
	s.LastRecordTime = rec.Timestamp

	p, ok := r.patterns[rec.Fingerprint]
	if !ok {
		if len(r.patterns) >= r.config.MaxPatterns {
			r.evictPatternLocked()
		}
		p = &QueryPattern{NormalizedQuery: rec.NormalizedQuery, Fingerprint: rec.Fingerprint}
		r.patterns[rec.Fingerprint] = p
		s.UniqueQueries++
	}
	p.Count++
	p.TotalDuration += rec.Duration
	p.AverageDuration = p.TotalDuration / time.Duration(p.Count)
	if rec.Duration > p.MaxDuration {
		p.MaxDuration = rec.Duration
	}
	p.LastSeen = rec.Timestamp
	return true
}

// evictPatternLocked drops the least recently seen pattern.
func (r *SlowQueryRecorder) evictPatternLocked() {
	var (
		oldest uint64
		seen   time.Time
		found  bool
	)
	for k, p := range r.patterns {
		if !found || p.LastSeen.Before(seen) {
			oldest, seen, found = k, p.LastSeen, true
		}
	}
	delete(r.patterns, oldest)
}

// Records returns the retained records, newest first.
func (r *SlowQueryRecorder) Records() []SlowQueryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.next
	if r.full {
		n = len(r.records)
	}
	out := make([]SlowQueryRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.records)) % len(r.records)
		out = append(out, *r.records[idx])
	}
	return out
}

func (r *SlowQueryRecorder) Stats() SlowQueryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Patterns returns up to limit patterns, most frequent first. A
// non-positive limit returns all of them.
func (r *SlowQueryRecorder) Patterns(limit int) []QueryPattern {
	r.mu.RLock()
	out := make([]QueryPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TotalDuration > out[j].TotalDuration
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *SlowQueryRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]*SlowQueryRecord, len(r.records))
	r.next = 0
	r.full = false
	r.patterns = make(map[uint64]*QueryPattern)
	r.stats = SlowQueryStats{}
}

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	numericRe       = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	placeholderRe   = regexp.MustCompile(`\$\d+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// normalizeQuery replaces literals and placeholders with ? so statements
// that differ only in their values share a pattern.
func normalizeQuery(query string) string {
	normalized := stringLiteralRe.ReplaceAllString(query, "?")
	normalized = placeholderRe.ReplaceAllString(normalized, "?")
	normalized = numericRe.ReplaceAllString(normalized, "?")
	normalized = whitespaceRe.ReplaceAllString(strings.TrimSpace(normalized), " ")
	return strings.ToUpper(normalized)
}

func sanitizeValues(values []any) []any {
	if len(values) == 0 {
		return nil
	}
	sanitized := make([]any, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case nil:
			sanitized[i] = nil
		case []byte:
			sanitized[i] = fmt.Sprintf("[bytes:%d]", len(v))
		default:
			sanitized[i] = fmt.Sprintf("[%T]", v)
		}
	}
	return sanitized
}
