package policy

import "math/rand/v2"

// QTable is a tabular Q-learning agent over a bounded, discretized state
// space. Entries start at zero and change only through Update's one-step
// temporal-difference rule.
//
// QTable is not self-synchronizing; Model serializes all access.
type QTable struct {
	epsilon float64
	alpha   float64 // learning rate
	gamma   float64 // discount factor

	nActions int
	q        [][]float64
	visits   [][]int64
}

// NewQTable creates an nStates x nActions table with all entries at zero.
func NewQTable(nStates, nActions int, alpha, gamma, epsilon float64) *QTable {
	q := make([][]float64, nStates)
	visits := make([][]int64, nStates)
	for i := range q {
		q[i] = make([]float64, nActions)
		visits[i] = make([]int64, nActions)
	}
	return &QTable{
		epsilon:  epsilon,
		alpha:    alpha,
		gamma:    gamma,
		nActions: nActions,
		q:        q,
		visits:   visits,
	}
}

// SelectAction picks an action for a state: epsilon-greedy over the state's
// row, ties toward the lowest index. Out-of-range states fall back to
// uniform random so selection is total.
func (t *QTable) SelectAction(rng *rand.Rand, stateIndex int) int {
	if rng.Float64() < t.epsilon || stateIndex < 0 || stateIndex >= len(t.q) {
		return rng.IntN(t.nActions)
	}
	return argmax(t.q[stateIndex])
}

// Update applies the one-step TD rule:
//
//	Q[s,a] += alpha * (reward + gamma * max(Q[next_s]) - Q[s,a])
//
// Indices outside the table are dropped silently; the caller's discretizer
// is total, so out-of-range here means a programming error upstream, not a
// reason to corrupt adjacent entries.
func (t *QTable) Update(stateIndex, action int, reward float64, nextStateIndex int) {
	if stateIndex < 0 || stateIndex >= len(t.q) || action < 0 || action >= t.nActions {
		return
	}
	if nextStateIndex < 0 || nextStateIndex >= len(t.q) {
		return
	}

	maxNext := maxOf(t.q[nextStateIndex])
	cur := t.q[stateIndex][action]
	t.q[stateIndex][action] = cur + t.alpha*(reward+t.gamma*maxNext-cur)
	t.visits[stateIndex][action]++
}

// Value returns Q[stateIndex][action], or 0 for out-of-range indices.
func (t *QTable) Value(stateIndex, action int) float64 {
	if stateIndex < 0 || stateIndex >= len(t.q) || action < 0 || action >= t.nActions {
		return 0
	}
	return t.q[stateIndex][action]
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
