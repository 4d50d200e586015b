// Package session ties the realtime connection to authentication: the
// connection is open exactly while the user is authenticated.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-barta/alarmsync/internal/cache"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/realtime"
	"github.com/markus-barta/alarmsync/internal/recent"
	"github.com/rs/zerolog"
)

var (
	// ErrNotAuthenticated is returned by actions attempted without a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrStaleResponse is returned when a response arrived after the session
	// that issued the request ended. The result was not applied.
	ErrStaleResponse = errors.New("response belongs to an ended session")
)

// Connector is the part of realtime.Manager the controller drives.
type Connector interface {
	Connect()
	Disconnect()
	Reconnect() bool
	OnStatusChange(fn func(realtime.Status)) (unsubscribe func())
	OnMessage(fn func([]byte)) (unsubscribe func())
}

// API is the REST collaborator.
type API interface {
	FetchAlarmState(ctx context.Context) (protocol.AlarmStatePayload, error)
	FetchRecentEvents(ctx context.Context, limit int) ([]protocol.AlarmEvent, error)
	Arm(ctx context.Context, target protocol.AlarmState, code string) (protocol.AlarmStatePayload, error)
	Disarm(ctx context.Context, code string) (protocol.AlarmStatePayload, error)
	CancelArming(ctx context.Context, code string) (protocol.AlarmStatePayload, error)
}

// Options configures a Controller.
type Options struct {
	Connector  Connector
	API        API
	Reconciler *cache.Reconciler
	Metrics    *metrics.Metrics

	// OnTeardown runs after every session teardown, once the cache has been
	// cleared.
	OnTeardown func()
}

// Controller owns the subscription pair of the current session. Every write
// from a session is tagged with its epoch; once the session ends, late
// messages, status changes and REST responses are discarded.
type Controller struct {
	conn       Connector
	api        API
	rec        *cache.Reconciler
	log        zerolog.Logger
	metrics    *metrics.Metrics
	onTeardown func()

	// lifecycle serializes SetAuthenticated.
	lifecycle sync.Mutex

	mu            sync.Mutex
	authenticated bool
	epoch         uint64
	ctx           context.Context
	cancel        context.CancelFunc
	unsubStatus   func()
	unsubMessage  func()
	lastSeq       int64
	fetches       sync.WaitGroup
}

// New creates a Controller in the unauthenticated state.
func New(opts Options, log zerolog.Logger) *Controller {
	return &Controller{
		conn:       opts.Connector,
		api:        opts.API,
		rec:        opts.Reconciler,
		metrics:    opts.Metrics,
		onTeardown: opts.OnTeardown,
		log:        log.With().Str("component", "session").Logger(),
	}
}

// Authenticated reports whether a session is active.
func (c *Controller) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetAuthenticated applies the authentication state. Repeating the current
// state is a no-op. When it returns after false, nothing from the ended
// session writes to the cache anymore.
func (c *Controller) SetAuthenticated(authenticated bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if authenticated {
		c.start()
	} else {
		c.teardown()
	}
}

// Watch applies every value from auth until ctx ends or auth is closed, then
// tears the session down.
func (c *Controller) Watch(ctx context.Context, auth <-chan bool) {
	defer c.SetAuthenticated(false)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-auth:
			if !ok {
				return
			}
			c.SetAuthenticated(v)
		}
	}
}

// Close ends the session and waits for in-flight fetches to return.
func (c *Controller) Close() {
	c.SetAuthenticated(false)
	c.fetches.Wait()
}

func (c *Controller) start() {
	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		return
	}
	c.authenticated = true
	c.epoch++
	epoch := c.epoch
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lastSeq = 0
	c.mu.Unlock()

	unsubStatus := c.conn.OnStatusChange(func(s realtime.Status) { c.handleStatus(epoch, s) })
	unsubMessage := c.conn.OnMessage(func(data []byte) { c.handleMessage(epoch, data) })

	c.mu.Lock()
	c.unsubStatus, c.unsubMessage = unsubStatus, unsubMessage
	c.mu.Unlock()

	c.log.Info().Uint64("epoch", epoch).Msg("session started")
	c.resync(epoch)
	c.conn.Connect()
}

// teardown ends the session regardless of the connection state. The epoch
// bump comes first so callbacks already queued behind it become no-ops.
func (c *Controller) teardown() {
	c.mu.Lock()
	wasAuthenticated := c.authenticated
	c.authenticated = false
	c.epoch++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	unsubStatus, unsubMessage := c.unsubStatus, c.unsubMessage
	c.unsubStatus, c.unsubMessage = nil, nil
	c.mu.Unlock()

	if unsubStatus != nil {
		unsubStatus()
	}
	if unsubMessage != nil {
		unsubMessage()
	}
	c.conn.Disconnect()
	c.rec.ClearTransient()

	if wasAuthenticated {
		c.log.Info().Msg("session ended")
	}
	if c.onTeardown != nil {
		c.onTeardown()
	}
}

// apply runs fn with the session lock held if epoch is still current.
func (c *Controller) apply(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated || c.epoch != epoch {
		return false
	}
	fn()
	return true
}

func (c *Controller) handleStatus(epoch uint64, s realtime.Status) {
	applied := c.apply(epoch, func() {
		c.rec.SetConnectionStatus(s)
		if s == realtime.StatusConnected {
			c.lastSeq = 0
		}
	})
	if applied && s == realtime.StatusConnected {
		c.resync(epoch)
	}
}

func (c *Controller) handleMessage(epoch uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		} else if errors.Is(err, protocol.ErrMalformed) {
			reason = "malformed"
		}
		c.metrics.MessageDropped(reason)
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping invalid message")
		return
	}

	applied := c.apply(epoch, func() {
		c.trackSequence(msg)
		switch msg.Type {
		case protocol.TypeAlarmState:
			p, _ := msg.AlarmState()
			c.rec.ApplyAlarmState(p)
		case protocol.TypeEvent:
			ev, _ := msg.Event()
			c.rec.UpsertEvent(ev)
		case protocol.TypeCountdown:
			cd, _ := msg.Countdown()
			c.rec.SetCountdown(&cd)
		case protocol.TypeHealth:
			h, _ := msg.Health()
			c.log.Debug().Str("health", string(h.Status)).Msg("server health")
		}
	})
	if !applied {
		c.metrics.MessageDropped("stale")
		return
	}
	c.metrics.MessageApplied(string(msg.Type))
}

// trackSequence logs gaps in the per-connection sequence. Gaps are only
// reported; the resync on reconnect is what recovers missed state.
func (c *Controller) trackSequence(msg protocol.Message) {
	if msg.Sequence == 0 {
		return
	}
	if c.lastSeq != 0 && msg.Sequence > c.lastSeq+1 {
		missed := msg.Sequence - c.lastSeq - 1
		c.metrics.SequenceGap(missed)
		c.log.Warn().Int64("last", c.lastSeq).Int64("got", msg.Sequence).Int64("missed", missed).Msg("sequence gap")
	}
	if msg.Sequence > c.lastSeq {
		c.lastSeq = msg.Sequence
	}
}

// resync fetches the alarm state and recent events in the background and
// applies them if the session is still current.
func (c *Controller) resync(epoch uint64) {
	c.mu.Lock()
	if !c.authenticated || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.fetches.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.fetches.Done()
		if err := c.refresh(ctx, epoch); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("resync failed")
		}
	}()
}

// Refresh fetches the alarm state and recent events and writes them to the
// cache.
func (c *Controller) Refresh(ctx context.Context) error {
	epoch, sessionCtx, err := c.current()
	if err != nil {
		return err
	}
	ctx, stop := mergeCancel(ctx, sessionCtx)
	defer stop()
	return c.refresh(ctx, epoch)
}

func (c *Controller) refresh(ctx context.Context, epoch uint64) error {
	state, err := c.api.FetchAlarmState(ctx)
	if err != nil {
		return fmt.Errorf("fetch alarm state: %w", err)
	}
	if !c.apply(epoch, func() { c.rec.ApplyAlarmState(state) }) {
		c.metrics.StaleResponse()
		return ErrStaleResponse
	}

	events, err := c.api.FetchRecentEvents(ctx, recent.Limit)
	if err != nil {
		return fmt.Errorf("fetch recent events: %w", err)
	}
	if !c.apply(epoch, func() { c.rec.MergeEvents(events) }) {
		c.metrics.StaleResponse()
		return ErrStaleResponse
	}
	return nil
}

// Arm requests an armed target state and applies the returned snapshot.
func (c *Controller) Arm(ctx context.Context, target protocol.AlarmState, code string) (protocol.AlarmStateSnapshot, error) {
	return c.mutate(ctx, "arm", func(ctx context.Context) (protocol.AlarmStatePayload, error) {
		return c.api.Arm(ctx, target, code)
	})
}

// Disarm requests the disarmed state and applies the returned snapshot.
func (c *Controller) Disarm(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error) {
	return c.mutate(ctx, "disarm", func(ctx context.Context) (protocol.AlarmStatePayload, error) {
		return c.api.Disarm(ctx, code)
	})
}

// CancelArming aborts the exit delay and applies the returned snapshot.
func (c *Controller) CancelArming(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error) {
	return c.mutate(ctx, "cancel_arming", func(ctx context.Context) (protocol.AlarmStatePayload, error) {
		return c.api.CancelArming(ctx, code)
	})
}

func (c *Controller) mutate(ctx context.Context, op string, call func(context.Context) (protocol.AlarmStatePayload, error)) (protocol.AlarmStateSnapshot, error) {
	epoch, sessionCtx, err := c.current()
	if err != nil {
		return protocol.AlarmStateSnapshot{}, err
	}
	ctx, stop := mergeCancel(ctx, sessionCtx)
	defer stop()

	p, err := call(ctx)
	if err != nil {
		return protocol.AlarmStateSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if !c.apply(epoch, func() { c.rec.ApplyAlarmState(p) }) {
		c.metrics.StaleResponse()
		c.log.Debug().Str("op", op).Msg("ignoring response from ended session")
		return protocol.AlarmStateSnapshot{}, ErrStaleResponse
	}
	c.log.Info().Str("op", op).Str("state", string(p.State.CurrentState)).Msg("alarm state changed")
	return p.State, nil
}

// Retry asks the connection to reconnect now. It does nothing without a
// session and reports whether a retry was started.
func (c *Controller) Retry() bool {
	if !c.Authenticated() {
		return false
	}
	return c.conn.Reconnect()
}

func (c *Controller) current() (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return 0, nil, ErrNotAuthenticated
	}
	return c.epoch, c.ctx, nil
}

// mergeCancel returns a context derived from ctx that is also cancelled when
// session ends.
func mergeCancel(ctx, session context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
