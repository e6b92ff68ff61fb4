package policy

import (
	"context"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
)

// qTableWeight is the probability that the Q-learning pick wins over the
// bandit's pick when the two disagree. The bandit acts as a context-free
// backup that keeps globally good strategies in rotation while the Q table
// is still sparse.
const qTableWeight = 0.8

// Exploration decay: every decayInterval applied rewards, both epsilons are
// multiplied by decayFactor, floored at epsilonFloor.
const (
	decayInterval = 100
	decayFactor   = 0.995
	epsilonFloor  = 0.01
)

// Config holds the learning hyperparameters for a Model.
type Config struct {
	Epsilon      float64 // exploration rate, [0, 1]
	LearningRate float64 // Q-learning alpha, (0, 1]
	Discount     float64 // Q-learning gamma, (0, 1]
}

// Model is the shared decision model: one bandit plus one Q table behind a
// single mutex. Every concurrently running pipeline selects from and
// rewards the same Model; the mutex makes select and update atomic with
// respect to each other, which the incremental-mean and TD formulas
// require. Update frequency is bounded by chat throughput, so one lock is
// cheap enough.
type Model struct {
	mu      sync.Mutex
	bandit  *Bandit
	qtable  *QTable
	rng     *rand.Rand
	applied int64 // rewards applied since construction, drives epsilon decay

	selections      metric.Int64Counter
	rewardsApplied  metric.Int64Counter
	attributionMiss metric.Int64Counter
}

// New creates a Model over the fixed model.NumStates x model.NumActions
// space, seeded from the global random source.
func New(cfg Config) *Model {
	return newWithRand(cfg, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// newWithRand is the seedable constructor used by tests.
func newWithRand(cfg Config, rng *rand.Rand) *Model {
	meter := telemetry.Meter("kaiwa/policy")
	selections, _ := meter.Int64Counter("kaiwa.policy.selections",
		metric.WithDescription("Strategy selections made by the decision model"),
	)
	rewards, _ := meter.Int64Counter("kaiwa.policy.rewards_applied",
		metric.WithDescription("Rewards applied to the decision model"),
	)
	misses, _ := meter.Int64Counter("kaiwa.policy.attribution_miss",
		metric.WithDescription("Rewards discarded because no pending decision matched"),
	)

	return &Model{
		bandit:          NewBandit(model.NumActions, cfg.Epsilon),
		qtable:          NewQTable(model.NumStates, model.NumActions, cfg.LearningRate, cfg.Discount, cfg.Epsilon),
		rng:             rng,
		selections:      selections,
		rewardsApplied:  rewards,
		attributionMiss: misses,
	}
}

// Selection is the outcome of one strategy choice.
type Selection struct {
	Action     int
	Strategy   model.Strategy
	StateIndex int
}

// Select picks a response strategy for the given decision state. The Q
// table's pick wins with probability qTableWeight; otherwise the bandit's
// context-free pick is used.
func (m *Model) Select(state model.DecisionState) Selection {
	stateIdx := state.Index()

	m.mu.Lock()
	qAction := m.qtable.SelectAction(m.rng, stateIdx)
	banditAction := m.bandit.SelectAction(m.rng)
	action := qAction
	if m.rng.Float64() >= qTableWeight {
		action = banditAction
	}
	m.mu.Unlock()

	m.selections.Add(context.Background(), 1)
	return Selection{
		Action:     action,
		Strategy:   model.StrategyAt(action),
		StateIndex: stateIdx,
	}
}

// Apply attributes a reward to a previously recorded decision. nextState is
// whatever state is current when the reward arrives: the documented
// one-step-delayed TD update, not a true next-turn transition.
func (m *Model) Apply(pending model.PendingDecision, reward float64, nextState model.DecisionState) {
	m.mu.Lock()
	m.bandit.Update(pending.Action, reward)
	m.qtable.Update(pending.StateIndex, pending.Action, reward, nextState.Index())

	m.applied++
	if m.applied%decayInterval == 0 {
		m.decayLocked()
	}
	m.mu.Unlock()

	m.rewardsApplied.Add(context.Background(), 1)
}

// RecordMiss counts a reward that arrived with no matching pending
// decision. Non-fatal by design; observable via metrics only.
func (m *Model) RecordMiss() {
	m.attributionMiss.Add(context.Background(), 1)
}

// decayLocked shrinks both exploration rates toward epsilonFloor.
// Caller holds m.mu.
func (m *Model) decayLocked() {
	if m.bandit.epsilon > epsilonFloor {
		m.bandit.epsilon *= decayFactor
	}
	if m.qtable.epsilon > epsilonFloor {
		m.qtable.epsilon *= decayFactor
	}
}

// Stats is a point-in-time summary of the model for observability.
type Stats struct {
	ActionCounts   []int64          `json:"action_counts"`
	ActionValues   []float64        `json:"action_values"`
	TotalReward    float64          `json:"total_reward"`
	TotalCount     int64            `json:"total_count"`
	AverageReward  float64          `json:"average_reward"`
	ExploredStates int              `json:"explored_states"`
	AverageQ       float64          `json:"average_q"`
	Epsilon        float64          `json:"epsilon"`
	Strategies     []model.Strategy `json:"strategies"`
}

// Stats returns a consistent snapshot of both learners.
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ActionCounts: append([]int64(nil), m.bandit.counts...),
		ActionValues: append([]float64(nil), m.bandit.values...),
		TotalReward:  m.bandit.totalReward,
		TotalCount:   m.bandit.totalCount,
		Epsilon:      m.bandit.epsilon,
		Strategies:   model.Strategies,
	}
	if s.TotalCount > 0 {
		s.AverageReward = s.TotalReward / float64(s.TotalCount)
	}

	var qSum float64
	var qCells int
	for si, row := range m.qtable.visits {
		visited := false
		for ai, n := range row {
			if n > 0 {
				visited = true
				qSum += m.qtable.q[si][ai]
				qCells++
			}
		}
		if visited {
			s.ExploredStates++
		}
	}
	if qCells > 0 {
		s.AverageQ = qSum / float64(qCells)
	}
	return s
}
