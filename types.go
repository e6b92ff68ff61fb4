package kaiwa

// Classification is the public result of analyzing one customer message.
// It is a curated view of internal/classify.Classification for use in
// extension interfaces. No internal package imports — safe to use from
// outside the module.
type Classification struct {
	Intent    string
	Urgency   string  // "low", "medium", "high", or "critical"
	Sentiment float64 // [-1, 1]
}

// GenerateRequest is everything an external response generator needs to
// produce one reply.
type GenerateRequest struct {
	SessionID    string
	Message      string
	CustomerName string
	Tier         string // "new", "regular", or "vip"

	Intent    string
	Urgency   string
	Sentiment float64

	// Strategy is the response strategy the decision model selected:
	// "standard", "concise", "empathetic", "technical", or "escalate".
	Strategy string

	// Context is retrieved knowledge-base material, empty when retrieval
	// found nothing.
	Context string

	// History is the session's prior turns, oldest first.
	History []HistoryTurn
}

// HistoryTurn is one prior message in a conversation.
type HistoryTurn struct {
	Role    string // "customer" or "assistant"
	Content string
}
