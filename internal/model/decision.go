package model

import "time"

// Strategy is a response strategy the decision model can choose.
type Strategy string

const (
	StrategyStandard   Strategy = "standard"
	StrategyConcise    Strategy = "concise"
	StrategyEmpathetic Strategy = "empathetic"
	StrategyTechnical  Strategy = "technical"
	StrategyEscalate   Strategy = "escalate"
)

// Strategies is the fixed action space, indexed by action number.
// Order is part of the model's on-disk and in-memory identity: changing it
// invalidates every learned value.
var Strategies = []Strategy{
	StrategyStandard, StrategyConcise, StrategyEmpathetic, StrategyTechnical, StrategyEscalate,
}

// NumActions is the size of the action space.
const NumActions = 5

// StrategyAt maps an action index to its Strategy. Out-of-range indices
// return StrategyStandard.
func StrategyAt(action int) Strategy {
	if action < 0 || action >= len(Strategies) {
		return StrategyStandard
	}
	return Strategies[action]
}

// Sentiment buckets for discretization.
const (
	sentimentNegative = iota
	sentimentNeutral
	sentimentPositive
	numSentimentBuckets
)

// Interaction-count buckets: 0, 1-3, 4-10, >10.
const numInteractionBuckets = 4

// NumStates is the total number of discrete decision states:
// 5 styles x 4 urgencies x 3 sentiment buckets x 4 interaction buckets x 3 tiers.
const NumStates = 5 * 4 * numSentimentBuckets * numInteractionBuckets * 3

// DecisionState is the discretized summary of a SessionState used as the
// Q-table index. Index() is total and deterministic: every possible value
// maps to exactly one index in [0, NumStates).
type DecisionState struct {
	Style            CommunicationStyle
	Urgency          UrgencyLevel
	Sentiment        float64 // [-1, 1]
	InteractionCount int
	Tier             Tier
}

// Index returns the positional index of this state.
//
// Positional encoding replaces the hash-mod scheme of earlier designs: two
// distinct states can never collide, and the mapping is stable across
// processes and restarts.
func (d DecisionState) Index() int {
	idx := d.Style.ordinal()
	idx = idx*len(urgencyLevels) + d.Urgency.ordinal()
	idx = idx*numSentimentBuckets + sentimentBucket(d.Sentiment)
	idx = idx*numInteractionBuckets + interactionBucket(d.InteractionCount)
	idx = idx*len(tiers) + d.Tier.ordinal()
	return idx
}

func sentimentBucket(s float64) int {
	switch {
	case s < -0.2:
		return sentimentNegative
	case s > 0.2:
		return sentimentPositive
	default:
		return sentimentNeutral
	}
}

func interactionBucket(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= 3:
		return 1
	case n <= 10:
		return 2
	default:
		return 3
	}
}

// PendingDecision records the last strategy choice for a session, awaiting
// reward attribution. At most one exists per session; a newer decision
// overwrites an older unrewarded one.
type PendingDecision struct {
	StateIndex int
	Action     int
	ChosenAt   time.Time
}
