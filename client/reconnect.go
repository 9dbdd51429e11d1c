package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

var ErrGaveUp = errors.New("client: gave up reconnecting")

// State of a Reconnector. GaveUp is terminal.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Backoff
	GaveUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case GaveUp:
		return "gave_up"
	}
	return "unknown"
}

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxInterval = time.Minute
	DefaultMaxAttempts = 5
)

// Reconnector keeps a connection alive with bounded exponential backoff.
// Consecutive failed dials beyond MaxAttempts end Run with ErrGaveUp; a
// successful connection resets the count.
type Reconnector struct {
	Dial        func(ctx context.Context) (*Client, error)
	OnConnect   func(ctx context.Context, c *Client) error
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
	Log         *zap.Logger

	mu       deadlock.Mutex
	state    State
	attempts int
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts is the number of consecutive failed dials.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconnector) set(s State, attempts int) {
	r.mu.Lock()
	r.state = s
	r.attempts = attempts
	r.mu.Unlock()
}

// Delay is the wait before the next dial after attempts consecutive
// failures.
func (r *Reconnector) Delay(attempts int) time.Duration {
	interval, ceiling := r.Interval, r.MaxInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultMaxInterval
	}
	d := interval
	for i := 1; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Run dials, hands each live connection to handle, and redials when the
// connection drops. handle should return once c.Done() is closed or ctx is
// cancelled.
func (r *Reconnector) Run(ctx context.Context, handle func(ctx context.Context, c *Client)) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	attempts := 0
	for {
		r.set(Connecting, attempts)
		c, err := r.Dial(ctx)
		if err == nil && r.OnConnect != nil {
			if err = r.OnConnect(ctx, c); err != nil {
				c.Close()
			}
		}

		if err == nil {
			attempts = 0
			r.set(Connected, 0)
			log.Info("connected")
			handle(ctx, c)
			c.Close()
			if ctx.Err() != nil {
				r.set(Idle, 0)
				return ctx.Err()
			}
			log.Warn("connection lost", zap.Error(c.Err()))
		} else {
			if ctx.Err() != nil {
				r.set(Idle, attempts)
				return ctx.Err()
			}
			attempts++
			log.Warn("connect failed", zap.Int("attempt", attempts), zap.Error(err))
			if attempts >= maxAttempts {
				r.set(GaveUp, attempts)
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, err)
			}
		}

		delay := r.Delay(attempts)
		r.set(Backoff, attempts)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.set(Idle, attempts)
			return ctx.Err()
		case <-timer.C:
		}
	}
}
