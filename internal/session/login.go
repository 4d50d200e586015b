package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/markus-barta/alarmsync/internal/api"
	"github.com/rs/zerolog"
)

// LoginFunc signs in to the alarm server.
type LoginFunc func(ctx context.Context) error

// Supervisor keeps the process signed in. It publishes the authentication
// state on a channel that Controller.Watch consumes, and signs in again
// after the server expires the session.
type Supervisor struct {
	login      LoginFunc
	log        zerolog.Logger
	expired    chan struct{}
	auth       chan bool
	initial    time.Duration
	maxBackoff time.Duration
}

// NewSupervisor creates a Supervisor. Zero backoff durations use 1s and 1m.
func NewSupervisor(login LoginFunc, initial, maxBackoff time.Duration, log zerolog.Logger) *Supervisor {
	if initial <= 0 {
		initial = time.Second
	}
	if maxBackoff < initial {
		maxBackoff = time.Minute
	}
	return &Supervisor{
		login:      login,
		log:        log.With().Str("component", "login").Logger(),
		expired:    make(chan struct{}, 1),
		auth:       make(chan bool),
		initial:    initial,
		maxBackoff: maxBackoff,
	}
}

// Auth is the authentication state channel for Controller.Watch.
func (s *Supervisor) Auth() <-chan bool {
	return s.auth
}

// Expired reports that the server rejected the session. It never blocks and
// is safe to call from any goroutine, including REST and websocket hooks.
func (s *Supervisor) Expired() {
	select {
	case s.expired <- struct{}{}:
	default:
	}
}

// Run signs in, then waits for expirations until ctx ends. Rejected
// credentials are permanent and end Run with an error.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.signIn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// 401s raised by the login attempts themselves are not expirations.
		s.drain()
		if !s.publish(ctx, true) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.expired:
		}

		s.log.Warn().Msg("session expired, signing in again")
		if !s.publish(ctx, false) {
			return nil
		}
	}
}

func (s *Supervisor) signIn(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.login(ctx)
		if errors.Is(err, api.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("login failed")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (s *Supervisor) drain() {
	select {
	case <-s.expired:
	default:
	}
}

func (s *Supervisor) publish(ctx context.Context, v bool) bool {
	select {
	case s.auth <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
