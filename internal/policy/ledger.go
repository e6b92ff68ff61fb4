package policy

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// ledgerShards spreads sessions over independent locks so concurrent
// sessions don't contend on one mutex.
const ledgerShards = 16

// Ledger tracks the last unrewarded decision per session. Recording a new
// decision for a session overwrites the old entry; its reward, if it ever
// arrives, becomes an attribution miss.
//
// A background sweep evicts entries older than the idle timeout so
// abandoned sessions don't grow the map forever.
type Ledger struct {
	shards [ledgerShards]ledgerShard
	idle   time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]model.PendingDecision
}

// NewLedger creates a ledger whose entries expire after idle without a
// reward. Call Close to stop the sweep goroutine.
func NewLedger(idle time.Duration) *Ledger {
	l := &Ledger{
		idle: idle,
		done: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]model.PendingDecision)
	}
	go l.sweep()
	return l
}

func (l *Ledger) shard(sessionID string) *ledgerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &l.shards[h.Sum32()%ledgerShards]
}

// Record stores the decision for a session, replacing any prior entry.
// It reports whether an unrewarded entry was displaced.
func (l *Ledger) Record(sessionID string, p model.PendingDecision) bool {
	s := l.shard(sessionID)
	s.mu.Lock()
	_, displaced := s.entries[sessionID]
	s.entries[sessionID] = p
	s.mu.Unlock()
	return displaced
}

// Take removes and returns the pending decision for a session.
// The second return is false when no entry exists (attribution miss).
func (l *Ledger) Take(sessionID string) (model.PendingDecision, bool) {
	s := l.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	return p, ok
}

// Rollback removes the session's entry only if it is still the one chosen
// at chosenAt. Used when a pipeline run aborts after selection: the aborted
// run's entry must not linger, but a newer run's entry must survive.
func (l *Ledger) Rollback(sessionID string, chosenAt time.Time) {
	s := l.shard(sessionID)
	s.mu.Lock()
	if p, ok := s.entries[sessionID]; ok && p.ChosenAt.Equal(chosenAt) {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
}

// Len returns the total number of pending entries.
func (l *Ledger) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (l *Ledger) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Ledger) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Ledger) evictStale() {
	cutoff := time.Now().Add(-l.idle)
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, p := range s.entries {
			if p.ChosenAt.Before(cutoff) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
