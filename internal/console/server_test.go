package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/alarmsync/internal/api"
	"github.com/markus-barta/alarmsync/internal/cache"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/reachability"
	"github.com/markus-barta/alarmsync/internal/realtime"
	"github.com/markus-barta/alarmsync/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

// fakeSession answers actions with a fixed snapshot or a configured error.
type fakeSession struct {
	mu            sync.Mutex
	authenticated bool
	retryOK       bool
	retries       int
	err           error
	lastTarget    protocol.AlarmState
	lastCode      string
}

func (f *fakeSession) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeSession) Retry() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retryOK
}

func (f *fakeSession) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) act(target protocol.AlarmState, code string) (protocol.AlarmStateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTarget, f.lastCode = target, code
	if f.err != nil {
		return protocol.AlarmStateSnapshot{}, f.err
	}
	return protocol.AlarmStateSnapshot{ID: 1, CurrentState: target, EnteredAt: base, TransitionReason: "user"}, nil
}

func (f *fakeSession) Arm(ctx context.Context, target protocol.AlarmState, code string) (protocol.AlarmStateSnapshot, error) {
	return f.act(target, code)
}

func (f *fakeSession) Disarm(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error) {
	return f.act(protocol.StateDisarmed, code)
}

func (f *fakeSession) CancelArming(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error) {
	return f.act(protocol.StateDisarmed, code)
}

type testConsole struct {
	srv     *Server
	http    *httptest.Server
	cache   *cache.Cache
	rec     *cache.Reconciler
	session *fakeSession
	tracker *reachability.Tracker
}

func newTestConsole(t *testing.T) *testConsole {
	c, rec := cache.New()
	tracker := reachability.NewTracker(reachability.TrackerOptions{BannerDuration: time.Hour}, zerolog.Nop())
	sess := &fakeSession{authenticated: true, retryOK: true}
	srv := New(Options{Cache: c, Session: sess, Tracker: tracker, Metrics: metrics.New()}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)
	detach := srv.Attach()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		detach()
		cancel()
		tracker.Close()
	})

	return &testConsole{srv: srv, http: ts, cache: c, rec: rec, session: sess, tracker: tracker}
}

func (tc *testConsole) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(tc.http.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (tc *testConsole) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(tc.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	tc := newTestConsole(t)
	status, body := tc.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["authenticated"])
}

func TestGetState(t *testing.T) {
	tc := newTestConsole(t)

	_, body := tc.get(t, "/api/state")
	assert.Nil(t, body["alarmState"])

	tc.rec.ApplyAlarmState(protocol.AlarmStatePayload{
		State:             protocol.AlarmStateSnapshot{ID: 4, CurrentState: protocol.StateArmedAway, EnteredAt: base, TransitionReason: "user"},
		EffectiveSettings: protocol.EffectiveSettings{DelayTime: 30, ArmingTime: 60, TriggerTime: 90},
	})

	status, body := tc.get(t, "/api/state")
	assert.Equal(t, http.StatusOK, status)
	state := body["alarmState"].(map[string]any)
	assert.Equal(t, "armed_away", state["currentState"])
	settings := body["effectiveSettings"].(map[string]any)
	assert.Equal(t, 60.0, settings["armingTime"])
}

func TestGetEventsAndCountdown(t *testing.T) {
	tc := newTestConsole(t)
	tc.rec.UpsertEvent(protocol.AlarmEvent{ID: 1, EventType: "armed", Timestamp: base})
	tc.rec.UpsertEvent(protocol.AlarmEvent{ID: 2, EventType: "disarmed", Timestamp: base.Add(time.Second)})

	_, body := tc.get(t, "/api/events")
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, 2.0, events[0].(map[string]any)["id"])

	_, body = tc.get(t, "/api/countdown")
	assert.Nil(t, body["countdown"])

	tc.rec.SetCountdown(&protocol.Countdown{Type: protocol.CountdownEntry, RemainingSeconds: 10, TotalSeconds: 30})
	_, body = tc.get(t, "/api/countdown")
	cd := body["countdown"].(map[string]any)
	assert.Equal(t, "entry", cd["type"])
	assert.Equal(t, 10.0, cd["remainingSeconds"])
}

func TestGetConnection_OfflineWinsOverConnected(t *testing.T) {
	tc := newTestConsole(t)
	tc.tracker.ObserveStatus(realtime.StatusConnected)
	tc.tracker.SetOnline(false)

	_, body := tc.get(t, "/api/connection")
	assert.Equal(t, "offline", body["indicator"])
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, false, body["online"])
}

func TestRetry(t *testing.T) {
	tc := newTestConsole(t)
	tc.tracker.ObserveStatus(realtime.StatusError)

	status, body := tc.post(t, "/api/retry", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["started"])
	tc.tracker.ObserveStatus(realtime.StatusConnecting)
	assert.True(t, tc.tracker.State().Retrying)

	tc.session.mu.Lock()
	tc.session.retryOK = false
	tc.session.mu.Unlock()
	status, _ = tc.post(t, "/api/retry", "")
	assert.Equal(t, http.StatusTooManyRequests, status)

	tc.session.mu.Lock()
	tc.session.authenticated = false
	tc.session.mu.Unlock()
	status, _ = tc.post(t, "/api/retry", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestArm(t *testing.T) {
	tc := newTestConsole(t)
	status, body := tc.post(t, "/api/arm", `{"targetState":"armed_home","code":"1234"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "armed_home", body["state"].(map[string]any)["currentState"])
	assert.Equal(t, protocol.StateArmedHome, tc.session.lastTarget)
	assert.Equal(t, "1234", tc.session.lastCode)

	status, _ = tc.post(t, "/api/disarm", `{"code":"1234"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = tc.post(t, "/api/cancel", `{"code":"1234"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestActionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no session", session.ErrNotAuthenticated, http.StatusUnauthorized},
		{"expired", &api.StatusError{Operation: "arm", StatusCode: 401}, http.StatusUnauthorized},
		{"invalid target", fmt.Errorf("%w: %q", api.ErrInvalidTarget, "disarmed"), http.StatusBadRequest},
		{"stale", session.ErrStaleResponse, http.StatusConflict},
		{"wrong code", &api.StatusError{Operation: "arm", StatusCode: 403, Detail: "invalid code"}, http.StatusForbidden},
		{"server error", &api.StatusError{Operation: "arm", StatusCode: 500}, http.StatusBadGateway},
		{"invalid response", &protocol.ValidationError{Type: protocol.TypeAlarmState, Err: protocol.ErrMalformed}, http.StatusBadGateway},
		{"transport", errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestConsole(t)
			tc.session.mu.Lock()
			tc.session.err = tt.err
			tc.session.mu.Unlock()
			status, body := tc.post(t, "/api/arm", `{"targetState":"armed_away","code":"0000"}`)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestActionRequestValidation(t *testing.T) {
	tc := newTestConsole(t)
	status, _ := tc.post(t, "/api/arm", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Post(tc.http.URL+"/api/disarm", "text/plain", strings.NewReader("code=1"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	tc := newTestConsole(t)
	resp, err := http.Get(tc.http.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "alarmsync_network_online")
}

func TestSecurityHeaders(t *testing.T) {
	tc := newTestConsole(t)
	resp, err := http.Get(tc.http.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func readViewerMessage(t *testing.T, conn *websocket.Conn) viewerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw.Payload, &payload))
	return viewerMessage{Type: raw.Type, Payload: payload}
}

func TestWebSocket_InitialStateAndBroadcast(t *testing.T) {
	tc := newTestConsole(t)
	url := "ws" + strings.TrimPrefix(tc.http.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	first := readViewerMessage(t, conn)
	assert.Equal(t, typeSnapshot, first.Type)
	second := readViewerMessage(t, conn)
	assert.Equal(t, typeConnection, second.Type)

	require.Eventually(t, func() bool { return tc.srv.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tc.rec.UpsertEvent(protocol.AlarmEvent{ID: 9, EventType: "triggered", Timestamp: base})
	msg := readViewerMessage(t, conn)
	require.Equal(t, typeSnapshot, msg.Type)
	events := msg.Payload.(map[string]any)["recentEvents"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, 9.0, events[0].(map[string]any)["id"])

	tc.tracker.SetOnline(false)
	msg = readViewerMessage(t, conn)
	require.Equal(t, typeConnection, msg.Type)
	assert.Equal(t, "offline", msg.Payload.(map[string]any)["indicator"])
}

func TestWebSocket_ClientRemovedOnClose(t *testing.T) {
	tc := newTestConsole(t)
	url := "ws" + strings.TrimPrefix(tc.http.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tc.srv.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	require.Eventually(t, func() bool { return tc.srv.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
