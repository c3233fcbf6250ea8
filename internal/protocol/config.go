package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryStrategy names the backoff curve applied between session attempts.
type RetryStrategy string

const (
	// RetryLinear waits RetryBackoff*n before attempt n+1.
	RetryLinear RetryStrategy = "linear"
	// RetryExponential waits RetryBackoff*2^(n-1) before attempt n+1.
	RetryExponential RetryStrategy = "exponential"
)

// ParseRetryStrategy accepts the strategy names used on the command line and
// in scenario files. Empty selects linear.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RetryLinear):
		return RetryLinear, nil
	case string(RetryExponential):
		return RetryExponential, nil
	default:
		return "", fmt.Errorf("%w: unknown retry strategy %q", ErrInvalidConfig, s)
	}
}

// Config is shared by every agent. Phase boundaries are offsets from the
// simulation epoch.
type Config struct {
	DiscoveryStart   time.Duration
	DiscoveryEnd     time.Duration
	CollaborationEnd time.Duration

	BroadcastInterval     time.Duration
	BroadcastJitterWindow time.Duration

	StalenessTimeout time.Duration
	EvictionGrace    time.Duration
	SweepInterval    time.Duration

	SessionResponseTimeout time.Duration
	RetryCount             int
	RetryBackoff           time.Duration
	RetryStrategy          RetryStrategy
	// RetryReconfirmedStale lets a peer that went stale and later
	// re-confirmed during collaboration become a session candidate.
	RetryReconfirmedStale bool

	// DataInterval is the period of data messages on active sessions. Zero
	// disables periodic data.
	DataInterval    time.Duration
	DataPayloadSize int

	// DuplicateWindow bounds how many (sender, seq) pairs the discovery
	// engine remembers.
	DuplicateWindow int
}

// DefaultConfig returns the timeline of the reference scenario: discovery
// from 2s to 22s, collaboration until 92s.
func DefaultConfig() Config {
	return Config{
		DiscoveryStart:         2 * time.Second,
		DiscoveryEnd:           22 * time.Second,
		CollaborationEnd:       92 * time.Second,
		BroadcastInterval:      2 * time.Second,
		BroadcastJitterWindow:  500 * time.Millisecond,
		StalenessTimeout:       6 * time.Second,
		EvictionGrace:          10 * time.Second,
		SweepInterval:          time.Second,
		SessionResponseTimeout: 2 * time.Second,
		RetryCount:             0,
		RetryBackoff:           time.Second,
		RetryStrategy:          RetryLinear,
		DataInterval:           time.Second,
		DataPayloadSize:        1024,
		DuplicateWindow:        4096,
	}
}

// Validate reports every problem with the configuration at once. The
// returned error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.DiscoveryStart < 0 {
		add("discoveryStart %s is negative", c.DiscoveryStart)
	}
	if c.DiscoveryStart >= c.DiscoveryEnd {
		add("discoveryStart %s must be before discoveryEnd %s", c.DiscoveryStart, c.DiscoveryEnd)
	}
	if c.DiscoveryEnd >= c.CollaborationEnd {
		add("discoveryEnd %s must be before collaborationEnd %s", c.DiscoveryEnd, c.CollaborationEnd)
	}
	if c.BroadcastInterval <= 0 {
		add("broadcastInterval must be positive")
	}
	if c.BroadcastJitterWindow < 0 {
		add("broadcastJitterWindow must not be negative")
	}
	if c.StalenessTimeout <= 0 {
		add("stalenessTimeout must be positive")
	}
	if c.EvictionGrace < 0 {
		add("evictionGrace must not be negative")
	}
	if c.SweepInterval <= 0 {
		add("sweepInterval must be positive")
	}
	if c.SessionResponseTimeout <= 0 {
		add("sessionResponseTimeout must be positive")
	}
	if c.RetryCount < 0 {
		add("retryCount must not be negative")
	}
	if c.RetryBackoff < 0 {
		add("retryBackoff must not be negative")
	}
	if c.RetryStrategy != RetryLinear && c.RetryStrategy != RetryExponential {
		add("unknown retry strategy %q", c.RetryStrategy)
	}
	if c.DataInterval < 0 {
		add("dataInterval must not be negative")
	}
	if c.DataPayloadSize < 0 {
		add("dataPayloadSize must not be negative")
	}
	if c.DuplicateWindow <= 0 {
		add("duplicateWindow must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// Backoff returns the delay before the attempt following attempt n (n >= 1).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := int64(n)
	if c.RetryStrategy == RetryExponential {
		if n > 62 {
			n = 62
		}
		mult = int64(1) << (n - 1)
	}
	// Saturate instead of wrapping so a retry is never scheduled in the past.
	if c.RetryBackoff > 0 && int64(c.RetryBackoff) > math.MaxInt64/mult {
		return time.Duration(math.MaxInt64)
	}
	return c.RetryBackoff * time.Duration(mult)
}

// Boundaries converts the offsets into absolute times relative to epoch.
func (c Config) Boundaries(epoch time.Time) (discoveryStart, discoveryEnd, collaborationEnd time.Time) {
	return epoch.Add(c.DiscoveryStart), epoch.Add(c.DiscoveryEnd), epoch.Add(c.CollaborationEnd)
}
