package vox

import (
	"sync"
	"time"
)

// A FloodPolicy is the account's command quota: Commands per Timeframe.
// The zero value (or Commands == 0) disables the guard.
type FloodPolicy struct {
	Commands  int
	Timeframe time.Duration
}

// Disabled returns true if the policy does not limit anything.
func (policy FloodPolicy) Disabled() bool {
	return policy.Commands <= 0 || policy.Timeframe <= 0
}

// The floodGuard rate-limits outbound commands with one token bucket per
// command class. It only accepts or rejects; it never queues or delays, so
// retry timing stays with the caller. The bucket refills continuously at
// Commands/Timeframe.
type floodGuard struct {
	mutex   sync.Mutex
	policy  FloodPolicy
	buckets map[string]*tokenBucket

	// now is swappable for tests.
	now func() time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newFloodGuard(policy FloodPolicy) *floodGuard {
	return &floodGuard{
		policy:  policy,
		buckets: make(map[string]*tokenBucket, 8),
		now:     time.Now,
	}
}

// setPolicy replaces the policy and drops accumulated bucket state; the
// server hands the policy out on login, which may be a reconnect.
func (guard *floodGuard) setPolicy(policy FloodPolicy) {
	guard.mutex.Lock()
	guard.policy = policy
	guard.buckets = make(map[string]*tokenBucket, 8)
	guard.mutex.Unlock()
}

// issue takes a token for the command class. It returns a RateLimitedError
// if the bucket is empty; the command must not be sent in that case.
func (guard *floodGuard) issue(class string) *Error {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if guard.policy.Disabled() {
		return nil
	}

	now := guard.now()

	bucket := guard.buckets[class]
	if bucket == nil {
		bucket = &tokenBucket{tokens: float64(guard.policy.Commands), last: now}
		guard.buckets[class] = bucket
	}

	// Continuous refill since the last issue, capped at the quota.
	rate := float64(guard.policy.Commands) / guard.policy.Timeframe.Seconds()
	bucket.tokens += now.Sub(bucket.last).Seconds() * rate
	if max := float64(guard.policy.Commands); bucket.tokens > max {
		bucket.tokens = max
	}
	bucket.last = now

	if bucket.tokens < 1 {
		return newError(KindRateLimited, "command %q exceeds %d per %s", class, guard.policy.Commands, guard.policy.Timeframe)
	}

	bucket.tokens--
	return nil
}
