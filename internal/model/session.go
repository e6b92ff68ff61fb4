// Package model defines the core domain types shared across kaiwa subsystems:
// session and customer state, the discretized decision state, response
// strategies, and reward signals.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CommunicationStyle describes how a customer tends to communicate.
type CommunicationStyle string

const (
	StyleTechnical CommunicationStyle = "technical"
	StyleEmotional CommunicationStyle = "emotional"
	StyleFormal    CommunicationStyle = "formal"
	StyleCasual    CommunicationStyle = "casual"
	StyleNeutral   CommunicationStyle = "neutral"
)

// communicationStyles is the canonical ordering used by DecisionState.Index.
var communicationStyles = []CommunicationStyle{
	StyleTechnical, StyleEmotional, StyleFormal, StyleCasual, StyleNeutral,
}

// ordinal returns the style's position in the canonical ordering.
// Unknown values map to StyleNeutral so discretization stays total.
func (s CommunicationStyle) ordinal() int {
	for i, v := range communicationStyles {
		if v == s {
			return i
		}
	}
	return len(communicationStyles) - 1
}

// UrgencyLevel describes how urgent a query is.
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

var urgencyLevels = []UrgencyLevel{
	UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical,
}

func (u UrgencyLevel) ordinal() int {
	for i, v := range urgencyLevels {
		if v == u {
			return i
		}
	}
	return 1 // unknown urgency is treated as medium
}

// Tier is the customer's relationship tier.
type Tier string

const (
	TierNew     Tier = "new"
	TierRegular Tier = "regular"
	TierVIP     Tier = "vip"
)

var tiers = []Tier{TierNew, TierRegular, TierVIP}

func (t Tier) ordinal() int {
	for i, v := range tiers {
		if v == t {
			return i
		}
	}
	return 0
}

// CustomerProfile is a snapshot of what the store knows about a customer.
// AnonymousProfile is used when the lookup fails or finds nothing.
type CustomerProfile struct {
	CustomerID       *uuid.UUID         `json:"customer_id,omitempty"`
	Name             string             `json:"name"`
	Style            CommunicationStyle `json:"communication_style"`
	Tier             Tier               `json:"tier"`
	InteractionCount int                `json:"interaction_count"`
}

// AnonymousProfile is the fallback profile for unknown sessions.
func AnonymousProfile() CustomerProfile {
	return CustomerProfile{
		Name:  "Anonymous",
		Style: StyleNeutral,
		Tier:  TierNew,
	}
}

// TurnRole identifies who produced a conversation turn.
type TurnRole string

const (
	RoleCustomer  TurnRole = "customer"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one message in a conversation, customer or assistant.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Strategy  Strategy  `json:"strategy,omitempty"` // assistant turns only
	CreatedAt time.Time `json:"created_at"`
}

// SessionState is the working state of one pipeline run. It is owned
// exclusively by that run; the per-session gate in the pipeline guarantees
// no two runs for the same session are ever in flight together.
type SessionState struct {
	SessionID string
	Message   string

	Profile CustomerProfile
	History []Turn

	// Populated by the classification stage.
	Intent    string
	Urgency   UrgencyLevel
	Sentiment float64 // [-1, 1]

	// Populated by the retrieval stage.
	Context string

	// Populated by the selection stage.
	Strategy Strategy

	// Populated by the intelligence stage when the graph service responds.
	EscalationRisk *float64
}

// DecisionState returns the discretized summary of this session state
// used to index the Q table.
func (s *SessionState) DecisionState() DecisionState {
	return DecisionState{
		Style:            s.Profile.Style,
		Urgency:          s.Urgency,
		Sentiment:        s.Sentiment,
		InteractionCount: s.Profile.InteractionCount,
		Tier:             s.Profile.Tier,
	}
}
