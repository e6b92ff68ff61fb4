package feedback

import (
	"math"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// GeneratorConfig controls how behavioral metrics become rewards.
type GeneratorConfig struct {
	// Normalize averages the emitted signals instead of summing them.
	Normalize bool

	// MaxReward caps the summed reward when Normalize is off.
	MaxReward float64

	// ResponseTimeTarget is the latency, in seconds, under which a
	// response earns a speed reward.
	ResponseTimeTarget float64
}

// Generator derives reward signals from a session's behavioral metrics.
// Every signal is implicit: nothing here requires the customer to rate
// anything.
type Generator struct {
	cfg GeneratorConfig
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.MaxReward <= 0 {
		cfg.MaxReward = 1.0
	}
	if cfg.ResponseTimeTarget <= 0 {
		cfg.ResponseTimeTarget = 3.0
	}
	return &Generator{cfg: cfg}
}

// Signals emits zero or more reward signals for the interaction described
// by m. Each kind appears at most once.
func (g *Generator) Signals(m Metrics) []model.RewardSignal {
	var out []model.RewardSignal

	if m.MessageCount > 0 {
		out = append(out, model.RewardSignal{
			Kind:  model.RewardSatisfaction,
			Value: g.satisfaction(m),
		})
	}

	if rt := m.LastResponseTimeSeconds; rt > 0 && rt < g.cfg.ResponseTimeTarget {
		out = append(out, model.RewardSignal{
			Kind:  model.RewardResponseTime,
			Value: math.Min(1.0, 5.0/rt),
		})
	}

	if !m.EscalationRequested {
		out = append(out, model.RewardSignal{Kind: model.RewardEscalationAvoided, Value: 0.8})
	}
	if m.ResolutionDetected {
		out = append(out, model.RewardSignal{Kind: model.RewardResolutionSuccess, Value: 0.9})
	}
	if m.FollowUpCount <= 1 {
		out = append(out, model.RewardSignal{Kind: model.RewardFollowUpReduced, Value: 0.7})
	}
	return out
}

// satisfaction blends lexical sentiment (60%) with behavioral evidence
// (40%), each on a 0..1 scale centered at neutral 0.5.
func (g *Generator) satisfaction(m Metrics) float64 {
	sentiment := 0.5 + 0.1*float64(m.PositiveHits-m.NegativeHits)
	sentiment = clamp01(sentiment)

	behavioral := 0.5
	if m.Thanked {
		behavioral += 0.3
	}
	if m.Frustrated {
		behavioral -= 0.4
	}
	if m.EndedByCustomer && !m.EscalationRequested {
		behavioral += 0.2
	}
	behavioral = clamp01(behavioral)

	return clamp01(0.6*sentiment + 0.4*behavioral)
}

// Combine reduces the signals to the single scalar the decision model
// consumes: the mean when normalization is on, otherwise the sum clamped
// to MaxReward. Returns false when there is nothing to apply.
func (g *Generator) Combine(signals []model.RewardSignal) (float64, bool) {
	if len(signals) == 0 {
		return 0, false
	}
	total := 0.0
	for _, s := range signals {
		total += s.Value
	}
	if g.cfg.Normalize {
		return total / float64(len(signals)), true
	}
	return math.Min(total, g.cfg.MaxReward), true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
