// Package cache implements a bounded LRU + TTL response cache keyed by a
// canonical request fingerprint, with single-flight coalescing of
// concurrent identical misses.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"
)

type entry struct {
	key       string
	response  []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) isExpired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats reports cache effectiveness.
type Stats struct {
	Enabled    bool
	Entries    int
	MaxEntries int
	Hits       uint64
	Misses     uint64
	HitRate    float64
}

// Cache is a bounded, TTL-aware LRU keyed by opaque string fingerprints.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = least recently used, back = most recently used
	maxEntries int
	defaultTTL time.Duration
	enabled    bool
	hits       uint64
	misses     uint64

	sfMu    sync.Mutex
	inFlight map[string]*call
}

type call struct {
	wg       sync.WaitGroup
	response []byte
	err      error
}

func New(maxEntries int, defaultTTL time.Duration, enabled bool) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		enabled:    enabled,
		inFlight:   make(map[string]*call),
	}
}

// MakeKey computes the cache fingerprint for a request: SHA-256 over the
// model, canonicalized messages/system/tools JSON, and the temperature.
func MakeKey(model string, messages, system, tools json.RawMessage, temperature *float64) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{'|'})
	h.Write(Canonicalize(messages))
	h.Write([]byte{'|'})
	h.Write(Canonicalize(system))
	h.Write([]byte{'|'})
	h.Write(Canonicalize(tools))
	h.Write([]byte{'|'})
	if temperature != nil {
		bits := math.Float64bits(*temperature)
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(bits >> (8 * i))
		}
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize re-marshals arbitrary JSON with map keys sorted, so
// semantically identical payloads with differently-ordered object keys
// hash identically.
func Canonicalize(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

func canonicalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, canonicalizeValue(t[k]))
		}
		return orderedMap(ordered)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap marshals as a JSON object preserving insertion order, since
// encoding/json sorts plain map[string]any keys anyway but we build our
// own ordering explicitly to make the intent clear.
type orderedMap []any

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i := 0; i < len(o); i += 2 {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, _ := json.Marshal(o[i])
		v, err := json.Marshal(o[i+1])
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Get returns the cached response for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if e.isExpired(time.Now()) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToBack(el)
	c.hits++
	out := make([]byte, len(e.response))
	copy(out, e.response)
	return out, true
}

// Put stores response under key with the cache's default TTL, evicting
// the least-recently-used entry if at capacity.
func (c *Cache) Put(key string, response []byte) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for c.order.Len() >= c.maxEntries && c.maxEntries > 0 {
		front := c.order.Front()
		if front == nil {
			break
		}
		fe := front.Value.(*entry)
		c.order.Remove(front)
		delete(c.entries, fe.key)
	}

	stored := make([]byte, len(response))
	copy(stored, response)
	e := &entry{key: key, response: stored, createdAt: time.Now(), ttl: c.defaultTTL}
	el := c.order.PushBack(e)
	c.entries[key] = el
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Enabled:    c.enabled,
		Entries:    c.order.Len(),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
}

// Coalesce runs fn for key if no identical request is already in flight;
// concurrent callers for the same key block on the first call's result
// instead of issuing redundant upstream requests.
func (c *Cache) Coalesce(key string, fn func() ([]byte, error)) ([]byte, error) {
	c.sfMu.Lock()
	if existing, ok := c.inFlight[key]; ok {
		c.sfMu.Unlock()
		existing.wg.Wait()
		return existing.response, existing.err
	}
	cl := &call{}
	cl.wg.Add(1)
	c.inFlight[key] = cl
	c.sfMu.Unlock()

	cl.response, cl.err = fn()
	cl.wg.Done()

	c.sfMu.Lock()
	delete(c.inFlight, key)
	c.sfMu.Unlock()

	return cl.response, cl.err
}
