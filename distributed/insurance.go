package distributed

import (
	"sync"
	"time"
)

// SupervisorState is an observability snapshot of the failover machine.
type SupervisorState struct {
	Active              bool
	ConsecutiveFailures int
	TotalFailures       int
	LastStoreSuccessAt  time.Time
}

// supervisor is the failover state machine between the shared store and
// the embedded insurance bucket. It is Healthy (inactive) or Degraded
// (active). Transitions are driven only by atomic-program invocations;
// probes and reads never move it. One insurance-on is emitted per
// failover cycle and one insurance-off per recovery cycle; the emission
// itself is done by the bucket, gated on the booleans returned here.
type supervisor struct {
	mu            sync.Mutex
	active        bool
	consecutive   int
	total         int
	lastSuccess   time.Time
	lastProbe     time.Time
	retryInterval time.Duration
}

func newSupervisor(retryInterval time.Duration) *supervisor {
	return &supervisor{retryInterval: retryInterval}
}

func (s *supervisor) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// shouldAttemptStore decides whether this call goes to the store. While
// healthy every call does. While degraded, the store is re-tried at most
// once per retry interval; everything else is served by insurance. This
// is the hysteresis that keeps a flapping store from amplifying noise.
func (s *supervisor) shouldAttemptStore(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return true
	}
	if now.Sub(s.lastProbe) >= s.retryInterval {
		s.lastProbe = now
		return true
	}
	return false
}

// recordFailure counts a store error. It reports whether this failure
// crossed the Healthy→Degraded edge, so the caller emits insurance-on
// exactly once per cycle.
func (s *supervisor) recordFailure(now time.Time) (activated bool, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive++
	s.total++
	if s.active {
		return false, s.consecutive
	}
	s.active = true
	s.lastProbe = now
	return true, s.consecutive
}

// recordSuccess counts a successful atomic-program invocation. It reports
// whether this success crossed the Degraded→Healthy edge, so the caller
// resets the insurance bucket and emits insurance-off exactly once.
func (s *supervisor) recordSuccess(now time.Time) (recovered bool, totalFailures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSuccess = now
	s.consecutive = 0
	if !s.active {
		return false, s.total
	}
	s.active = false
	total := s.total
	s.total = 0
	return true, total
}

// force applies a manual override. It reports whether the state actually
// changed; a no-op override emits nothing.
func (s *supervisor) force(active bool, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == active {
		return false
	}
	s.active = active
	if active {
		s.lastProbe = now
	} else {
		s.consecutive = 0
		s.total = 0
	}
	return true
}

func (s *supervisor) state() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SupervisorState{
		Active:              s.active,
		ConsecutiveFailures: s.consecutive,
		TotalFailures:       s.total,
		LastStoreSuccessAt:  s.lastSuccess,
	}
}
