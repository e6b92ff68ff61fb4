// Package feedback turns raw interaction behavior into learning signal.
//
// The Collector keeps a per-session record of behavioral flags and timings,
// fed by the pipeline as messages and responses flow through. The Generator
// converts a completed interaction's metrics into scalar rewards for the
// decision model. No human labeling is involved anywhere.
package feedback

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Metrics is the per-session behavioral record. Boolean flags are monotone:
// once set within a session they are never cleared.
type Metrics struct {
	FirstMessageAt      time.Time
	LastMessageAt       time.Time
	MessageCount        int
	Thanked             bool
	Frustrated          bool
	ResolutionDetected  bool
	EscalationRequested bool
	EndedByCustomer     bool
	FollowUpCount       int
	PositiveHits        int
	NegativeHits        int

	// LastResponseTimeSeconds is the elapsed time between the most recent
	// customer message and the response that answered it. Zero until the
	// first response is recorded.
	LastResponseTimeSeconds float64
}

// Keyword classes scanned on every customer message. These mirror the
// satisfaction lexicon used by the reward generator's sentiment score.
var (
	gratitudeWords   = []string{"thank", "thanks"}
	frustrationWords = []string{"frustrated", "angry", "terrible", "awful", "unacceptable"}
	escalationWords  = []string{"manager", "supervisor", "escalate", "complaint", "transfer"}
	resolutionWords  = []string{"solved", "fixed", "resolved", "working", "success", "complete", "done"}

	positiveWords = []string{"thank", "thanks", "great", "excellent", "perfect", "solved", "fixed", "helpful", "amazing"}
	negativeWords = []string{"terrible", "awful", "useless", "frustrated", "angry", "disappointed", "horrible", "worst"}
)

const collectorShards = 16

// Collector accumulates Metrics per session. Sessions are sharded over
// independent locks so concurrent sessions don't serialize on one mutex; a
// background sweep evicts sessions idle longer than the configured timeout.
type Collector struct {
	shards [collectorShards]collectorShard
	idle   time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

type collectorShard struct {
	mu       sync.Mutex
	sessions map[string]*Metrics
}

// NewCollector creates a collector whose sessions expire after idle without
// activity. Call Close to stop the sweep goroutine.
func NewCollector(idle time.Duration) *Collector {
	c := &Collector{
		idle: idle,
		done: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]*Metrics)
	}
	go c.sweep()
	return c
}

func (c *Collector) shard(sessionID string) *collectorShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &c.shards[h.Sum32()%collectorShards]
}

// RecordCustomerMessage scans a customer message for the fixed keyword
// classes, sets the matching monotone flags, counts question markers as
// follow-ups, and records the arrival time. The session record is created
// on first sight.
func (c *Collector) RecordCustomerMessage(sessionID, text string) {
	lower := strings.ToLower(text)
	now := time.Now()

	s := c.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[sessionID]
	if !ok {
		m = &Metrics{FirstMessageAt: now}
		s.sessions[sessionID] = m
	}
	m.LastMessageAt = now
	m.MessageCount++

	if containsAny(lower, gratitudeWords) {
		m.Thanked = true
	}
	if containsAny(lower, frustrationWords) {
		m.Frustrated = true
	}
	if containsAny(lower, escalationWords) {
		m.EscalationRequested = true
	}
	if containsAny(lower, resolutionWords) {
		m.ResolutionDetected = true
	}
	if strings.Contains(text, "?") {
		m.FollowUpCount++
	}
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			m.PositiveHits++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			m.NegativeHits++
		}
	}
}

// RecordResponseTime stores the elapsed time since the session's last
// customer message. No-op for unknown sessions: absence of prior metrics
// must never block the pipeline.
func (c *Collector) RecordResponseTime(sessionID string) {
	s := c.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[sessionID]
	if !ok || m.LastMessageAt.IsZero() {
		return
	}
	m.LastResponseTimeSeconds = time.Since(m.LastMessageAt).Seconds()
}

// MarkEnded flags the session as ended by the customer. Used by the
// satisfaction score: a customer who leaves on their own without escalating
// probably got what they came for.
func (c *Collector) MarkEnded(sessionID string, byCustomer bool) {
	s := c.shard(sessionID)
	s.mu.Lock()
	if m, ok := s.sessions[sessionID]; ok {
		m.EndedByCustomer = byCustomer
	}
	s.mu.Unlock()
}

// Restore overwrites a session's metrics with a previously captured
// snapshot, removing the record entirely when existed is false. Lets the
// pipeline unwind the writes of a run that aborted after recording the
// customer's message.
func (c *Collector) Restore(sessionID string, m Metrics, existed bool) {
	s := c.shard(sessionID)
	s.mu.Lock()
	if existed {
		cp := m
		s.sessions[sessionID] = &cp
	} else {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the session's metrics without resetting them.
// The second return is false for unknown sessions.
func (c *Collector) Snapshot(sessionID string) (Metrics, bool) {
	s := c.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[sessionID]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// Evict removes a session's metrics. Called on session termination; the
// background sweep handles sessions that never terminate explicitly.
func (c *Collector) Evict(sessionID string) {
	s := c.shard(sessionID)
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (c *Collector) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.sessions)
		s.mu.Unlock()
	}
	return n
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Collector) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *Collector) evictStale() {
	cutoff := time.Now().Add(-c.idle)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, m := range s.sessions {
			if m.LastMessageAt.Before(cutoff) {
				delete(s.sessions, k)
			}
		}
		s.mu.Unlock()
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
