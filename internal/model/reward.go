package model

// RewardKind identifies the behavioral signal a reward was derived from.
type RewardKind string

const (
	RewardSatisfaction      RewardKind = "satisfaction"
	RewardResponseTime      RewardKind = "response_time"
	RewardEscalationAvoided RewardKind = "escalation_avoided"
	RewardResolutionSuccess RewardKind = "resolution_success"
	RewardFollowUpReduced   RewardKind = "follow_up_reduced"
)

// RewardSignal is one scalar learning signal derived from an interaction.
// Value is always in [0, 1].
type RewardSignal struct {
	Kind  RewardKind `json:"kind"`
	Value float64    `json:"value"`
}
