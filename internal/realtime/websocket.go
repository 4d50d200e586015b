// Package realtime owns the websocket connection to the alarm server:
// connect, disconnect, automatic reconnect with backoff and status reporting.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrUnauthorized is reported when the server rejects the handshake with 401.
var ErrUnauthorized = errors.New("websocket handshake unauthorized")

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 2 * time.Second
	maxMessageSize   = 256 * 1024

	defaultInitialBackoff   = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultRetryInterval    = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	URL string

	// Header returns the handshake headers (session cookie or token). Called on every dial.
	Header func() http.Header

	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int           // consecutive failed attempts before giving up; 0 = unlimited
	RetryInterval    time.Duration // minimum spacing of manual Reconnect calls
	HandshakeTimeout time.Duration

	// OnUnauthorized is called from the connection goroutine when the
	// handshake is rejected with 401.
	OnUnauthorized func()

	Metrics *metrics.Metrics
}

func (o *Options) defaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Manager maintains at most one websocket connection and reconnects it
// until told to stop.
//
// Status and message listeners are invoked one at a time, never
// concurrently, and messages arrive in receipt order. Once Disconnect
// returns, no listener runs for the torn-down connection. Listeners must not
// call Connect or Disconnect synchronously.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	status  Status
	gen     uint64 // bumped by Connect and Disconnect; stale goroutines compare against it
	running bool
	cancel  context.CancelFunc
	conn    *websocket.Conn
	kick    chan struct{}

	statusListeners  map[uint64]func(Status)
	messageListeners map[uint64]func([]byte)
	nextListener     uint64

	// emitMu serializes listener invocation.
	emitMu sync.Mutex
}

// NewManager creates a Manager. It does not connect until Connect is called.
func NewManager(opts Options, log zerolog.Logger) *Manager {
	opts.defaults()
	return &Manager{
		opts:    opts,
		log:     log.With().Str("component", "realtime").Logger(),
		metrics: opts.Metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		limiter:          rate.NewLimiter(rate.Every(opts.RetryInterval), 1),
		status:           StatusDisconnected,
		statusListeners:  make(map[uint64]func(Status)),
		messageListeners: make(map[uint64]func([]byte)),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatusChange registers fn for status changes and returns its unsubscribe function.
func (m *Manager) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.statusListeners[id] = fn
	return m.unsubscriber(func() { delete(m.statusListeners, id) })
}

// OnMessage registers fn for raw inbound frames and returns its unsubscribe function.
func (m *Manager) OnMessage(fn func([]byte)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.messageListeners[id] = fn
	return m.unsubscriber(func() { delete(m.messageListeners, id) })
}

func (m *Manager) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			remove()
			m.mu.Unlock()
		})
	}
}

// Connect ensures a connection exists or is being attempted. It is a no-op
// while a connection loop is already running.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	kick := make(chan struct{}, 1)
	m.kick = kick
	m.mu.Unlock()

	m.log.Debug().Str("url", m.opts.URL).Msg("connect requested")
	m.setStatus(gen, StatusConnecting)
	go m.run(ctx, gen, kick)
}

// Disconnect closes the connection and stops the retry loop. The status
// becomes disconnected and stays there until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	wasRunning := m.running
	m.running = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.kick = nil
	m.mu.Unlock()

	if conn != nil {
		closeGracefully(conn)
	}
	if wasRunning {
		m.log.Info().Msg("disconnected")
	}
	m.setStatus(gen, StatusDisconnected)
}

// Reconnect is the manual retry affordance. It skips the remaining backoff
// delay, or restarts the loop after MaxAttempts gave up. Calls are
// rate-limited; it reports whether a retry was started.
func (m *Manager) Reconnect() bool {
	m.mu.Lock()
	running, kick, status := m.running, m.kick, m.status
	m.mu.Unlock()

	if running && !status.CanRetry() {
		return false
	}
	if !m.limiter.Allow() {
		m.log.Debug().Msg("manual retry rate limited")
		return false
	}
	if !running {
		m.Connect()
		return true
	}
	select {
	case kick <- struct{}{}:
	default:
	}
	return true
}

// run is the connection loop for one Connect generation.
func (m *Manager) run(ctx context.Context, gen uint64, kick <-chan struct{}) {
	b := m.newBackoff()
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		connID := uuid.NewString()
		log := m.log.With().Str("conn_id", connID).Logger()
		m.metrics.ConnectAttempt()

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Err(err).Int("attempt", failures).Msg("connection failed")
			m.setStatus(gen, StatusError)
			if errors.Is(err, ErrUnauthorized) && m.opts.OnUnauthorized != nil {
				m.opts.OnUnauthorized()
			}
		} else {
			if !m.attach(gen, conn) {
				_ = conn.Close()
				return
			}
			b.Reset()
			failures = 0
			log.Info().Msg("connected")
			m.setStatus(gen, StatusConnected)

			readErr := m.serve(ctx, gen, conn, log)
			m.detach(gen, conn)
			if ctx.Err() != nil {
				return
			}
			failures++
			if isNormalClose(readErr) {
				log.Info().Err(readErr).Msg("connection closed by server")
				m.setStatus(gen, StatusDisconnected)
			} else {
				log.Warn().Err(readErr).Msg("connection lost")
				m.setStatus(gen, StatusError)
			}
		}

		if m.opts.MaxAttempts > 0 && failures >= m.opts.MaxAttempts {
			m.giveUp(gen, failures)
			return
		}

		delay := b.NextBackOff()
		log.Debug().Dur("backoff", delay).Msg("waiting before reconnect")
		kicked, ok := m.wait(ctx, delay, kick)
		if !ok {
			return
		}
		if kicked {
			b.Reset()
			failures = 0
		}
		m.setStatus(gen, StatusConnecting)
	}
}

// giveUp stops the loop after MaxAttempts, leaving the status as it is so a
// manual Reconnect can start over.
func (m *Manager) giveUp(gen uint64, failures int) {
	m.mu.Lock()
	if m.gen == gen {
		m.running = false
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.kick = nil
	}
	m.mu.Unlock()
	m.log.Error().Int("attempts", failures).Msg("giving up reconnecting, manual retry required")
}

func (m *Manager) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// wait sleeps for delay. It reports whether a manual kick cut it short, and
// false for ok when ctx ended.
func (m *Manager) wait(ctx context.Context, delay time.Duration, kick <-chan struct{}) (kicked, ok bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, false
	case <-kick:
		return true, true
	case <-timer.C:
		return false, true
	}
}

// dial establishes the websocket connection.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Header != nil {
		header = m.opts.Header()
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	return conn, nil
}

// attach records conn as the live connection unless gen went stale meanwhile.
func (m *Manager) attach(gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detach(gen uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// serve reads frames until the connection fails or ctx ends.
func (m *Manager) serve(ctx context.Context, gen uint64, conn *websocket.Conn, log zerolog.Logger) error {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.pingLoop(connCtx, conn, log)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		m.metrics.FrameReceived()

		if !m.deliver(gen, data) {
			return context.Canceled
		}
	}
}

// pingLoop sends periodic pings.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// setStatus applies and broadcasts s unless gen is stale or s is unchanged.
func (m *Manager) setStatus(gen uint64, s Status) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.status == s {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	listeners := make([]func(Status), 0, len(m.statusListeners))
	for _, fn := range m.statusListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if !ValidTransition(prev, s) {
		m.log.Warn().Str("from", string(prev)).Str("to", string(s)).Msg("unexpected status transition")
	}
	m.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("status changed")
	m.metrics.SetConnectionStatus(string(s))

	for _, fn := range listeners {
		fn(s)
	}
}

// deliver hands data to the message listeners. It returns false when gen is stale.
func (m *Manager) deliver(gen uint64, data []byte) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	listeners := make([]func([]byte), 0, len(m.messageListeners))
	for _, fn := range m.messageListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(data)
	}
	return true
}

func closeGracefully(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
		time.Now().Add(closeGracePeriod),
	)
	_ = conn.Close()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
