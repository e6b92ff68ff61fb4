package llm

import (
	"context"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// StaticGenerator serves canned strategy-appropriate responses. It is the
// default generator when no model endpoint is configured.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{}
}

// urgencyBucket collapses the four urgency levels into the three template
// rows.
func urgencyBucket(u model.UrgencyLevel) string {
	switch u {
	case model.UrgencyHigh, model.UrgencyCritical:
		return "high"
	case model.UrgencyLow:
		return "low"
	default:
		return "medium"
	}
}

var staticResponses = map[model.Strategy]map[string]string{
	model.StrategyEmpathetic: {
		"high":   "I can see this is really important to you, and I completely understand your urgency. Let me get you connected with someone who can provide immediate, personal assistance right away.",
		"medium": "I hear you and want to make sure we address your concern properly. You're definitely in the right place for help.",
		"low":    "Thanks for reaching out - I appreciate you taking the time to contact us. Let's make sure we get this sorted out for you.",
	},
	model.StrategyTechnical: {
		"high":   "I understand you need technical assistance urgently. Let me route you directly to our technical specialists who have the expertise to resolve this efficiently.",
		"medium": "For your technical inquiry, I'll connect you with our technical support team who can provide detailed guidance and solutions.",
		"low":    "I see you have a technical question. Our technical support team will be able to provide you with comprehensive assistance.",
	},
	model.StrategyConcise: {
		"high":   "Understood. Connecting you with a specialist now.",
		"medium": "Got it. Here's the fastest path: I'm routing you to the right team.",
		"low":    "Noted. I'll point you to the right resource.",
	},
	model.StrategyStandard: {
		"high":   "I understand this is urgent. Let me connect you with a specialist who can provide immediate assistance.",
		"medium": "Thanks for reaching out! I want to make sure you get the best help possible.",
		"low":    "Thank you for your inquiry. I will ensure you receive the proper assistance for your request.",
	},
	model.StrategyEscalate: {
		"high":   "I understand the critical nature of this issue. I'm immediately escalating this to our senior team for priority handling.",
		"medium": "I want to make sure this gets the attention it deserves. Let me connect you with a specialist who can provide comprehensive assistance.",
		"low":    "To ensure you get the best possible resolution, I'm connecting you with a specialist who can give this proper focus.",
	},
}

// Generate returns the template for the state's strategy and urgency, with a
// sentiment-aware prefix. Never fails.
func (g *StaticGenerator) Generate(_ context.Context, state *model.SessionState) (string, error) {
	prefix := ""
	if state.Sentiment < -0.5 {
		prefix = "I'm really sorry you're experiencing this issue. "
	} else if state.Sentiment > 0.5 {
		prefix = "I'm glad you reached out! "
	}

	byUrgency, ok := staticResponses[state.Strategy]
	if !ok {
		byUrgency = staticResponses[model.StrategyStandard]
	}
	resp, ok := byUrgency[urgencyBucket(state.Urgency)]
	if !ok {
		resp = byUrgency["medium"]
	}

	return prefix + resp, nil
}
