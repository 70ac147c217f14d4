package slonik

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// QueryCache is an LRU result cache with per-entry expiry. Statements opt in
// with a "-- @cache-ttl <seconds>" comment unless a default TTL is set.
// Statements inside a transaction are never cached.
type QueryCache struct {
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time

	mu sync.Mutex
	ll *list.List // front = most recently used
	m  map[uint64]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	key     uint64
	result  *QueryResult
	expires time.Time
}

// NewQueryCache caches up to capacity results. A zero defaultTTL caches only
// statements that carry a @cache-ttl comment.
func NewQueryCache(capacity int, defaultTTL time.Duration) *QueryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &QueryCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
		ll:         list.New(),
		m:          make(map[uint64]*list.Element),
	}
}

var cacheTTLComment = regexp.MustCompile(`--\s*@cache-ttl\s+(\d+)`)

const (
	cacheKeySandbox = "slonik.query_cache.key"
	cacheTTLSandbox = "slonik.query_cache.ttl"
)

// Interceptor serves cached results from beforeQueryExecution and stores
// fresh ones after execution.
func (c *QueryCache) Interceptor() Interceptor {
	return Interceptor{
		Name: "query-cache",
		BeforeQueryExecution: func(_ context.Context, qc *QueryContext, q Query) (*QueryResult, error) {
			if qc.TransactionID != "" {
				return nil, nil
			}
			ttl := c.ttlFor(q.SQL)
			if ttl <= 0 {
				return nil, nil
			}
			key := cacheKey(q)
			if result, ok := c.get(key); ok {
				return result, nil
			}
			qc.Sandbox[cacheKeySandbox] = key
			qc.Sandbox[cacheTTLSandbox] = ttl
			return nil, nil
		},
		AfterQueryExecution: func(_ context.Context, qc *QueryContext, _ Query, result *QueryResult) (*QueryResult, error) {
			key, ok := qc.Sandbox[cacheKeySandbox].(uint64)
			if !ok {
				return nil, nil
			}
			ttl, _ := qc.Sandbox[cacheTTLSandbox].(time.Duration)
			c.put(key, result, ttl)
			return nil, nil
		},
	}
}

func (c *QueryCache) ttlFor(sql string) time.Duration {
	if m := cacheTTLComment.FindStringSubmatch(sql); m != nil {
		seconds, err := strconv.Atoi(m[1])
		if err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.defaultTTL
}

func (c *QueryCache) get(key uint64) (*QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, ok := c.m[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := ele.Value.(*cacheEntry)
	if !c.now().Before(e.expires) {
		c.ll.Remove(ele)
		delete(c.m, key)
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(ele)
	c.hits.Add(1)
	return cloneResult(e.result), true
}

func (c *QueryCache) put(key uint64, result *QueryResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &cacheEntry{key: key, result: cloneResult(result), expires: c.now().Add(ttl)}
	if ele, ok := c.m[key]; ok {
		ele.Value = entry
		c.ll.MoveToFront(ele)
		return
	}
	c.m[key] = c.ll.PushFront(entry)
	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		c.ll.Remove(back)
		delete(c.m, back.Value.(*cacheEntry).key)
	}
}

// Purge drops every entry.
func (c *QueryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	for k := range c.m {
		delete(c.m, k)
	}
}

func (c *QueryCache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	size = c.ll.Len()
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), size
}

// cacheKey hashes the statement text and the type and value of every binding.
func cacheKey(q Query) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(q.SQL)
	for _, v := range q.Values {
		_, _ = fmt.Fprintf(d, "\x00%T:%v", v, v)
	}
	return d.Sum64()
}

func cloneResult(r *QueryResult) *QueryResult {
	if r == nil {
		return nil
	}
	out := &QueryResult{
		Command:  r.Command,
		RowCount: r.RowCount,
		Fields:   append([]Field(nil), r.Fields...),
		Notices:  append([]Notice(nil), r.Notices...),
		Rows:     make([]Row, len(r.Rows)),
	}
	for i, row := range r.Rows {
		cp := make(Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out.Rows[i] = cp
	}
	return out
}
