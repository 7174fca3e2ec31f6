package events

import (
	"github.com/rs/zerolog"
)

// NewLogObserver returns a Handler that writes every event to the given
// zerolog logger. Administrative events (store-error, insurance-on) log at
// warn level, recovery at info, per-request traffic at debug.
func NewLogObserver(logger zerolog.Logger) Handler {
	return func(e Event) {
		var ev *zerolog.Event
		switch e.Type {
		case TypeStoreError:
			ev = logger.Warn().Str("operation", e.Operation).Err(e.Err)
		case TypeInsuranceOn:
			ev = logger.Warn().
				Str("reason", e.FailureReason).
				Int("failure_count", e.FailureCount).
				Float64("insurance_capacity", e.InsuranceCapacity).
				Float64("insurance_refill_rate", e.InsuranceRefillRate)
		case TypeInsuranceOff:
			ev = logger.Info().
				Str("reason", e.FailureReason).
				Int("total_failures", e.TotalFailures)
		case TypeBlocked:
			ev = logger.Info().
				Dur("block_duration", e.BlockDuration).
				Time("block_until", e.BlockUntil)
		case TypeUnblocked:
			ev = logger.Info().Bool("was_blocked", e.WasBlocked)
		case TypeReset:
			ev = logger.Info().
				Float64("old_tokens", e.OldTokens).
				Float64("new_tokens", e.NewTokens).
				Float64("capacity", e.Capacity)
		case TypePenalty, TypeReward:
			ev = logger.Debug().
				Float64("applied", e.Applied).
				Float64("before", e.Before).
				Int("remaining", e.Remaining).
				Bool("capped", e.Capped)
		case TypeDenied:
			ev = logger.Debug().
				Int("remaining", e.Remaining).
				Float64("cost", e.Cost).
				Dur("retry_after", e.RetryAfter).
				Str("reason", e.Reason)
		default:
			ev = logger.Debug().
				Int("remaining", e.Remaining).
				Float64("cost", e.Cost)
		}
		if e.Source != "" {
			ev = ev.Str("source", e.Source)
		}
		ev.Time("at", e.Timestamp).Msg(string(e.Type))
	}
}
