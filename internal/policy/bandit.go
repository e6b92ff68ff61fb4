// Package policy implements the online-learning decision engine: a
// multi-armed bandit and a tabular Q-learning agent sharing one action
// space, combined behind a single synchronized Model, plus the pending
// decision ledger that attributes later rewards to earlier choices.
package policy

import "math/rand/v2"

// Bandit is an epsilon-greedy multi-armed bandit over a fixed action set.
// It keeps a running mean reward per action via the incremental-mean
// formula, so values[a] is always the exact arithmetic mean of every reward
// ever applied to a.
//
// Bandit is not self-synchronizing; Model serializes all access.
type Bandit struct {
	epsilon float64
	counts  []int64
	values  []float64

	totalReward float64
	totalCount  int64
}

// NewBandit creates a bandit with nActions arms and exploration rate epsilon.
func NewBandit(nActions int, epsilon float64) *Bandit {
	return &Bandit{
		epsilon: epsilon,
		counts:  make([]int64, nActions),
		values:  make([]float64, nActions),
	}
}

// SelectAction picks an action: with probability epsilon a uniformly random
// one, otherwise the arm with the highest mean reward. Ties break toward
// the lowest index.
func (b *Bandit) SelectAction(rng *rand.Rand) int {
	if rng.Float64() < b.epsilon {
		return rng.IntN(len(b.values))
	}
	return argmax(b.values)
}

// Update applies one reward observation to an action.
func (b *Bandit) Update(action int, reward float64) {
	if action < 0 || action >= len(b.values) {
		return
	}
	b.counts[action]++
	b.totalCount++
	b.totalReward += reward

	// Incremental mean: v += (r - v) / n.
	b.values[action] += (reward - b.values[action]) / float64(b.counts[action])
}

// Value returns the current mean reward for an action.
func (b *Bandit) Value(action int) float64 {
	return b.values[action]
}

// Count returns how many rewards have been applied to an action.
func (b *Bandit) Count(action int) int64 {
	return b.counts[action]
}

// argmax returns the index of the largest value, lowest index on ties.
func argmax(vs []float64) int {
	best := 0
	for i := 1; i < len(vs); i++ {
		if vs[i] > vs[best] {
			best = i
		}
	}
	return best
}
