package local

import (
	"time"
)

// Denial reasons carried on Result and on denied events.
const (
	ReasonBlocked            = "blocked"
	ReasonInsufficientTokens = "insufficient_tokens"
)

// Result is the outcome of a single TryConsume call. A denial is not an
// error; errors are reserved for invalid input and store failures.
type Result struct {
	Allowed    bool
	Remaining  int           // floor of the token balance after the call; negative while in debt
	RetryAfter time.Duration // zero when allowed
	Reason     string        // empty when allowed
}

// PenaltyResult reports an applied penalty.
type PenaltyResult struct {
	Applied float64
	Tokens  float64 // balance after the penalty, may be negative
	Before  float64
}

// RewardResult reports an applied reward.
type RewardResult struct {
	Applied float64 // tokens actually added after the capacity clamp
	Tokens  float64
	Before  float64
	Capped  bool // true when the clamp fired
}

// State is a point-in-time view of a bucket for observability.
type State struct {
	Capacity        float64
	RefillRate      float64
	Tokens          float64
	AvailableTokens int
	Blocked         bool
	BlockRemaining  time.Duration
	LastRefillAt    time.Time
}
