// Package classify derives intent, urgency, and sentiment from raw message
// text. The default implementation is a pure keyword heuristic behind the
// Classifier interface, so it can be swapped for a real model without
// touching the pipeline.
package classify

import (
	"context"
	"strings"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// Classification is the result of analyzing one customer message.
type Classification struct {
	Intent    string
	Urgency   model.UrgencyLevel
	Sentiment float64 // [-1, 1]
}

// Classifier maps message text to a classification.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Intent labels produced by the keyword classifier.
const (
	IntentBilling   = "billing"
	IntentTechnical = "technical"
	IntentAccount   = "account"
	IntentUnknown   = "unknown"
)

// DefaultClassification is the fallback when classification fails:
// unknown intent, medium urgency, neutral sentiment.
func DefaultClassification() Classification {
	return Classification{
		Intent:  IntentUnknown,
		Urgency: model.UrgencyMedium,
	}
}

// KeywordClassifier classifies by fixed keyword classes. It is deterministic
// and never returns an error.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the default heuristic classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var (
	criticalWords = []string{"unacceptable", "outage", "down", "emergency", "critical", "immediately", "right now", "asap"}
	highWords     = []string{"urgent", "frustrated", "angry", "terrible", "awful", "now"}
	mediumWords   = []string{"please", "help", "question", "problem", "issue"}

	negativeWords = []string{"terrible", "awful", "useless", "frustrated", "angry", "disappointed", "horrible", "worst", "unacceptable"}
	mildNegative  = []string{"annoyed", "problem", "issue", "broken", "wrong"}
	positiveWords = []string{"great", "excellent", "love", "perfect", "amazing", "thanks", "thank"}

	billingWords   = []string{"invoice", "billing", "charge", "refund", "payment", "subscription", "price"}
	technicalWords = []string{"error", "bug", "crash", "install", "api", "config", "broken", "timeout"}
	accountWords   = []string{"password", "login", "account", "email", "sign in", "profile", "access"}
)

// Classify analyzes text and always succeeds.
func (c *KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	lower := strings.ToLower(text)

	return Classification{
		Intent:    classifyIntent(lower),
		Urgency:   classifyUrgency(lower),
		Sentiment: scoreSentiment(lower),
	}, nil
}

func classifyIntent(lower string) string {
	switch {
	case containsAny(lower, billingWords):
		return IntentBilling
	case containsAny(lower, technicalWords):
		return IntentTechnical
	case containsAny(lower, accountWords):
		return IntentAccount
	default:
		return IntentUnknown
	}
}

func classifyUrgency(lower string) model.UrgencyLevel {
	switch {
	case containsAny(lower, criticalWords):
		return model.UrgencyCritical
	case containsAny(lower, highWords):
		return model.UrgencyHigh
	case containsAny(lower, mediumWords):
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}

// scoreSentiment maps keyword hits to a coarse score in [-1, 1].
// Strong negatives dominate positives: a message that is both thankful and
// furious is still an unhappy customer.
func scoreSentiment(lower string) float64 {
	switch {
	case containsAny(lower, negativeWords):
		return -0.8
	case containsAny(lower, mildNegative):
		return -0.3
	case containsAny(lower, positiveWords):
		return 0.8
	default:
		return 0.0
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
