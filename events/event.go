package events

import "time"

// Type identifies the kind of event emitted by a bucket.
type Type string

const (
	TypeAllowed      Type = "allowed"
	TypeDenied       Type = "denied"
	TypePenalty      Type = "penalty"
	TypeReward       Type = "reward"
	TypeBlocked      Type = "blocked"
	TypeUnblocked    Type = "unblocked"
	TypeReset        Type = "reset"
	TypeStoreError   Type = "store-error"
	TypeInsuranceOn  Type = "insurance-on"
	TypeInsuranceOff Type = "insurance-off"
)

// Source values describe which copy of the state served an operation.
const (
	SourceLocal     = "local"
	SourceInsurance = "insurance"
	SourceFailOpen  = "fail-open"
)

// Event carries the data for a single bucket event. Only the fields
// relevant to the event's Type are populated; the rest stay zero.
type Event struct {
	Type      Type
	Source    string
	Timestamp time.Time

	// allowed / denied
	Remaining  int
	Cost       float64
	RetryAfter time.Duration
	Reason     string

	// penalty / reward
	Applied float64
	Before  float64
	Capped  bool

	// blocked / unblocked
	BlockDuration time.Duration
	BlockUntil    time.Time
	WasBlocked    bool

	// reset
	OldTokens float64
	NewTokens float64
	Capacity  float64

	// store-error
	Operation string
	Err       error

	// insurance-on / insurance-off
	FailureReason       string
	FailureCount        int
	TotalFailures       int
	InsuranceCapacity   float64
	InsuranceRefillRate float64
}
