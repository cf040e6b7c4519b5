package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the coordinator's lifecycle phase
type State int32

const (
	StateNotShuttingDown State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotShuttingDown:
		return "NOT_SHUTTING_DOWN"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Step is one bounded stop action. Steps run in registration order; a step
// that misses its timeout is logged and skipped, never waited on further.
type Step struct {
	Name    string
	Timeout time.Duration
	Stop    func(ctx context.Context) error
}

// Coordinator runs an ordered, bounded shutdown. The first request walks
// every registered step; a second request while shutdown is in progress
// forces immediate termination, skipping the remaining steps.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	steps  []Step
	logger zerolog.Logger

	// exit is swapped out in tests
	exit  func(code int)
	flush func()
}

func New(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		state:  StateNotShuttingDown,
		logger: logger,
		exit:   os.Exit,
		flush:  func() { _ = os.Stderr.Sync() },
	}
}

// AddStep registers a stop action. Registration order is execution order.
func (c *Coordinator) AddStep(name string, timeout time.Duration, stop func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{Name: name, Timeout: timeout, Stop: stop})
}

// State returns the current lifecycle phase
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown runs every registered step in order, each bounded by its own
// timeout, and returns the exit code the process should use. exitCode 0
// stays 0 only if every step finishes cleanly. Repeated calls while a
// shutdown is already running force immediate termination instead.
func (c *Coordinator) Shutdown(reason string, exitCode int) int {
	c.mu.Lock()
	switch c.state {
	case StateShuttingDown:
		c.mu.Unlock()
		c.Force(reason)
		return exitCode // unreachable outside tests; Force exits
	case StateTerminated:
		c.mu.Unlock()
		return exitCode
	}
	c.state = StateShuttingDown
	steps := c.steps
	c.mu.Unlock()

	c.logger.Info().Str("reason", reason).Int("steps", len(steps)).Msg("Shutdown started")

	for _, step := range steps {
		if !c.runStep(step) {
			if exitCode == 0 {
				exitCode = 1
			}
		}
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()

	c.logger.Info().Int("exit_code", exitCode).Msg("Shutdown complete")
	return exitCode
}

// Force terminates immediately, flushing buffered diagnostics first. Used
// when a second shutdown request arrives mid-shutdown.
func (c *Coordinator) Force(reason string) {
	c.logger.Warn().Str("reason", reason).Msg("Forced termination, skipping remaining shutdown steps")
	c.flush()
	c.exit(2)
}

func (c *Coordinator) runStep(step Step) bool {
	c.logger.Info().Str("step", step.Name).Dur("timeout", step.Timeout).Msg("Shutdown step")

	ctx, cancel := context.WithTimeout(context.Background(), step.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.Stop(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Error().Err(err).Str("step", step.Name).Msg("Shutdown step failed")
			return false
		}
		return true
	case <-ctx.Done():
		c.logger.Error().Str("step", step.Name).Msg("Shutdown step timed out, proceeding")
		return false
	}
}
