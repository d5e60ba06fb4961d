package t1

import (
	"context"
	"time"

	"avaneesh/ese-go/pkg/internal/logger"
)

// Config holds the retry budgets and timing of a session
type Config struct {
	// MaxFrameRetries bounds resends after a NACK, duplicate I-blocks and
	// WTX collisions (the recovery counter)
	MaxFrameRetries int

	// MaxRNACKRetries bounds NACKs sent for corrupt or missing responses
	MaxRNACKRetries int

	// MaxTimeoutRetries bounds resends after the bus stays silent
	MaxTimeoutRetries int

	// MaxWTX bounds consecutive WTX requests (0 = unlimited)
	MaxWTX int

	// AddressPolls is the number of single-byte reads spent looking for the
	// receive address
	AddressPolls int

	SettleDelay    time.Duration // Before polling for a response
	PollDelay      time.Duration // Between idle padding bytes
	SilenceBackoff time.Duration // Before resending after silence

	// MaxResponseSize caps the reassembled response (0 = unlimited)
	MaxResponseSize int
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		MaxFrameRetries:   3,
		MaxRNACKRetries:   2,
		MaxTimeoutRetries: 3,
		MaxWTX:            200,
		AddressPolls:      100,
		SettleDelay:       100 * time.Microsecond,
		PollDelay:         1500 * time.Microsecond,
		SilenceBackoff:    50 * time.Millisecond,
	}
}

// Sleeper performs the protocol's fixed waits
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration)

// Sleep implements Sleeper
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) {
	f(ctx, d)
}

// timerSleeper waits on a timer, returning early when ctx is done
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Option configures a Session
type Option func(*Session)

// WithConfig replaces the session configuration
func WithConfig(config Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithSleeper replaces the sleeper, so tests can skip real delays
func WithSleeper(sleeper Sleeper) Option {
	return func(s *Session) {
		s.sleeper = sleeper
	}
}

// WithLogger sets the session logger
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithRetries sets the three retry budgets
func WithRetries(frame, rnack, timeout int) Option {
	return func(s *Session) {
		s.config.MaxFrameRetries = frame
		s.config.MaxRNACKRetries = rnack
		s.config.MaxTimeoutRetries = timeout
	}
}

// WithMaxResponseSize caps the size of a reassembled response
func WithMaxResponseSize(n int) Option {
	return func(s *Session) {
		s.config.MaxResponseSize = n
	}
}
