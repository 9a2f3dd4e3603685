package connection

import (
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
)

// DefaultMaxAttempts is the automatic reconnection budget
const DefaultMaxAttempts = 5

// NoReconnect as a budget disables automatic reconnection
const NoReconnect = -1

// AggregateState is the coarse connection state the reconnection policy looks at
type AggregateState int

const (
	AggregateDisconnected AggregateState = iota
	AggregateConnecting
	AggregateConnected
)

func (a AggregateState) String() string {
	switch a {
	case AggregateConnecting:
		return "connecting"
	case AggregateConnected:
		return "connected"
	}
	return "disconnected"
}

// Aggregate folds a setup state into connecting or connected
func Aggregate(s device.State) AggregateState {
	switch {
	case s == device.Connecting:
		return AggregateConnecting
	case s >= device.Connected:
		return AggregateConnected
	}
	return AggregateDisconnected
}

// Decision is the outcome of classifying a disconnect
type Decision struct {
	Retry bool
	// Attempt is the 1-based number of the retry about to be made
	Attempt int
	Delay   time.Duration
}

// ReconnectPolicy counts automatic reconnection attempts for one device.
// It is not safe for concurrent use; the owning session serializes calls.
type ReconnectPolicy struct {
	max      int
	delay    time.Duration
	attempts int
}

// NewReconnectPolicy creates a policy allowing max attempts spaced by delay
func NewReconnectPolicy(max int, delay time.Duration) *ReconnectPolicy {
	if max < 0 {
		max = 0
	}
	return &ReconnectPolicy{max: max, delay: delay}
}

// Recoverable reports whether status is a transient error for the aggregate state
func Recoverable(status int, agg AggregateState) bool {
	switch {
	case status == transport.StatusGattError && agg == AggregateConnecting:
		return true
	case status == transport.StatusConnTimeout && agg == AggregateConnected:
		return true
	}
	return false
}

// Decide classifies a disconnect. A retry consumes one attempt; anything
// else resets the counter.
func (p *ReconnectPolicy) Decide(status int, agg AggregateState) Decision {
	if Recoverable(status, agg) && p.attempts < p.max {
		p.attempts++
		return Decision{Retry: true, Attempt: p.attempts, Delay: p.delay}
	}
	p.attempts = 0
	return Decision{}
}

// Reset clears the attempt counter after a successful connect
func (p *ReconnectPolicy) Reset() {
	p.attempts = 0
}

// Attempts returns the retries made since the last reset
func (p *ReconnectPolicy) Attempts() int {
	return p.attempts
}
