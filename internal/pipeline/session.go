package pipeline

import "sync"

// sessionGate serializes pipeline runs per session. Messages for different
// sessions run concurrently; messages for the same session queue on that
// session's mutex in arrival order. Entries are refcounted so the map
// doesn't grow with dead sessions.
type sessionGate struct {
	mu    sync.Mutex
	gates map[string]*gateEntry
}

type gateEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionGate() *sessionGate {
	return &sessionGate{gates: make(map[string]*gateEntry)}
}

// lock blocks until the session's gate is held and returns the release
// function.
func (g *sessionGate) lock(sessionID string) func() {
	g.mu.Lock()
	e, ok := g.gates[sessionID]
	if !ok {
		e = &gateEntry{}
		g.gates[sessionID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		g.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.gates, sessionID)
		}
		g.mu.Unlock()
	}
}

// len reports the number of sessions with waiters or holders.
func (g *sessionGate) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}
