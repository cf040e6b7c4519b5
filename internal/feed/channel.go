package feed

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChannelState is the lifecycle state of one logical feed channel
type ChannelState string

const (
	StateConnecting   ChannelState = "CONNECTING"
	StateConnected    ChannelState = "CONNECTED"
	StateReconnecting ChannelState = "RECONNECTING"
	StateFailed       ChannelState = "FAILED"
)

// Backoff produces the reconnect delay schedule: initial delay doubling on
// each attempt, with a cumulative budget. Once the budget is spent Next
// returns false and the channel must transition to FAILED.
type Backoff struct {
	initial time.Duration
	ceiling time.Duration

	next    time.Duration
	elapsed time.Duration
}

func NewBackoff(initial, ceiling time.Duration) *Backoff {
	return &Backoff{
		initial: initial,
		ceiling: ceiling,
		next:    initial,
	}
}

// Next returns the delay before the next reconnect attempt, or false when
// the cumulative retry budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.elapsed > b.ceiling {
		return 0, false
	}

	delay := b.next
	if delay > b.ceiling {
		delay = b.ceiling
	}

	b.elapsed += delay
	b.next *= 2
	return delay, true
}

// Reset restores the initial delay and zeroes the spent budget, called
// after a successful reconnect.
func (b *Backoff) Reset() {
	b.next = b.initial
	b.elapsed = 0
}

// channel tracks the observable state of one logical feed channel and logs
// every transition.
type channel struct {
	mu     sync.RWMutex
	name   string
	state  ChannelState
	logger zerolog.Logger
}

func newChannel(name string, logger zerolog.Logger) *channel {
	return &channel{
		name:   name,
		state:  StateConnecting,
		logger: logger,
	}
}

func (c *channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *channel) setState(state ChannelState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev != state {
		c.logger.Info().
			Str("channel", c.name).
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("Feed channel state transition")
	}
}
