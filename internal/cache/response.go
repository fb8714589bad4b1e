// Package cache implements the response cache for tool-free completions.
//
// Entries are keyed by a fingerprint over the model id and the trailing
// user/assistant messages of the request, so a repeated question in an
// otherwise stable conversation hits without re-billing the provider. The
// cache is best effort: entries expire after a TTL and the least recently
// used entries are evicted past a size bound.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ResponseCache is a concurrent TTL + LRU cache of completion text.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl        time.Duration
	lastN      int
	maxEntries int

	now func() time.Time
}

type entry struct {
	text      string
	createdAt time.Time
	lastUsed  time.Time
}

// New builds a cache. lastN is how many trailing user/assistant messages
// feed the fingerprint; maxEntries bounds the size.
func New(ttl time.Duration, lastN, maxEntries int) *ResponseCache {
	if lastN <= 0 {
		lastN = 6
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &ResponseCache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		lastN:      lastN,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached completion text for (model, messages), if fresh.
func (c *ResponseCache) Get(model string, messages []models.Message) (string, bool) {
	key := c.Fingerprint(model, messages)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	now := c.now()
	if c.ttl > 0 && now.Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	e.lastUsed = now
	return e.text, true
}

// Put stores the completion text for (model, messages). Responses that
// carried tool calls must not be stored; that is the dispatcher's contract,
// not re-checked here.
func (c *ResponseCache) Put(model string, messages []models.Message, text string) {
	key := c.Fingerprint(model, messages)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{text: text, createdAt: now, lastUsed: now}
	if len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked removes expired entries first, then the least recently used
// until the size bound holds.
func (c *ResponseCache) evictLocked() {
	now := c.now()
	if c.ttl > 0 {
		for k, e := range c.entries {
			if now.Sub(e.createdAt) > c.ttl {
				delete(c.entries, k)
			}
		}
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey = k
				oldest = e.lastUsed
			}
		}
		delete(c.entries, oldestKey)
	}
}

// fingerprintMessage is the canonical per-message shape hashed into the
// fingerprint. Only fields that change the provider's answer participate;
// ids and timestamps do not.
type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint hashes the model id and the last-N user/assistant messages
// into a stable cache key.
func (c *ResponseCache) Fingerprint(model string, messages []models.Message) string {
	tail := make([]fingerprintMessage, 0, c.lastN)
	for i := len(messages) - 1; i >= 0 && len(tail) < c.lastN; i-- {
		m := messages[i]
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		tail = append(tail, fingerprintMessage{Role: string(m.Role), Content: m.Content})
	}
	// Restore chronological order so the hash is position-stable.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}

	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	enc, _ := json.Marshal(tail)
	h.Write(enc)
	return hex.EncodeToString(h.Sum(nil))
}
