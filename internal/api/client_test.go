package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statePayload = `{
	"state": {
		"id": 9,
		"currentState": "armed_home",
		"previousState": "arming",
		"settingsProfile": 1,
		"enteredAt": "2026-10-16T08:00:00Z",
		"exitAt": null,
		"transitionReason": "timer_expired",
		"transitionUser": "u-1",
		"targetState": null,
		"timingSnapshot": {"delayTime": 30, "armingTime": 60, "triggerTime": 120}
	},
	"effectiveSettings": {"delayTime": 30, "armingTime": 60, "triggerTime": 120}
}`

// mockAPI simulates the alarm server REST endpoints.
type mockAPI struct {
	server *httptest.Server

	lastCSRF   atomic.Value
	lastAuth   atomic.Value
	lastBody   atomic.Value
	stateBody  string
	eventsBody string
}

func newMockAPI(t *testing.T) *mockAPI {
	m := &mockAPI{stateBody: statePayload, eventsBody: `[]`}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-1", Path: "/"})
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	})
	mux.HandleFunc("POST /api/auth/logout/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/alarm/state/", func(w http.ResponseWriter, r *http.Request) {
		m.lastAuth.Store(r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(m.stateBody))
	})
	mux.HandleFunc("GET /api/events/recent/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "10" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(m.eventsBody))
	})
	for _, path := range []string{"/api/alarm/arm/", "/api/alarm/disarm/", "/api/alarm/cancel-arming/"} {
		mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			m.lastCSRF.Store(r.Header.Get("X-CSRFToken"))
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			m.lastBody.Store(body)
			if body["code"] == "0000" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"detail":"invalid code"}`))
				return
			}
			_, _ = w.Write([]byte(m.stateBody))
		})
	}

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func newTestClient(t *testing.T, m *mockAPI, onUnauthorized func()) *Client {
	c, err := New(Options{BaseURL: m.server.URL + "/", Timeout: 2 * time.Second, OnUnauthorized: onUnauthorized}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func login(t *testing.T, c *Client) {
	require.NoError(t, c.Login(context.Background(), Credentials{Username: "alice", Password: "secret"}))
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestLogin_StoresTokenAndCookies(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	login(t, c)

	h := c.AuthHeader()
	assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))
	assert.Contains(t, h.Get("Cookie"), "sessionid=sess-1")
	assert.Contains(t, h.Get("Cookie"), "csrftoken=csrf-1")
	assert.Equal(t, "http://"+c.BaseURL().Host, h.Get("Origin"))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	m := newMockAPI(t)
	var hook atomic.Int32
	c := newTestClient(t, m, func() { hook.Add(1) })

	err := c.Login(context.Background(), Credentials{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "invalid credentials", serr.Detail)
	assert.Equal(t, int32(1), hook.Load())
}

func TestFetchAlarmState(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	login(t, c)

	p, err := c.FetchAlarmState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StateArmedHome, p.State.CurrentState)
	assert.Equal(t, int64(9), p.State.ID)
	assert.Equal(t, 120, p.EffectiveSettings.TriggerTime)
}

func TestFetchAlarmState_UnauthorizedFiresHook(t *testing.T) {
	m := newMockAPI(t)
	var hook atomic.Int32
	c := newTestClient(t, m, func() { hook.Add(1) })

	_, err := c.FetchAlarmState(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), hook.Load())
}

func TestFetchAlarmState_RejectsInvalidPayload(t *testing.T) {
	m := newMockAPI(t)
	m.stateBody = `{"state":{"id":1},"effectiveSettings":{"delayTime":1,"armingTime":1,"triggerTime":1}}`
	c := newTestClient(t, m, nil)
	login(t, c)

	_, err := c.FetchAlarmState(context.Background())
	var verr *protocol.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
}

func TestFetchRecentEvents(t *testing.T) {
	m := newMockAPI(t)
	m.eventsBody = `[
		{"id":3,"eventType":"armed","timestamp":"2026-10-16T08:00:03Z"},
		{"id":2,"eventType":"arming","timestamp":"2026-10-16T08:00:02Z"}
	]`
	c := newTestClient(t, m, nil)
	login(t, c)

	events, err := c.FetchRecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, "arming", events[1].EventType)
}

func TestArm_SendsCSRFAndTarget(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	login(t, c)

	p, err := c.Arm(context.Background(), protocol.StateArmedAway, "1234")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateArmedHome, p.State.CurrentState)
	assert.Equal(t, "csrf-1", m.lastCSRF.Load())
	assert.Equal(t, map[string]string{"targetState": "armed_away", "code": "1234"}, m.lastBody.Load())
}

func TestArm_InvalidTarget(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)

	for _, target := range []protocol.AlarmState{protocol.StateDisarmed, protocol.StateArming, protocol.StateTriggered, "bogus"} {
		_, err := c.Arm(context.Background(), target, "1234")
		assert.ErrorIs(t, err, ErrInvalidTarget, target)
	}
	assert.Nil(t, m.lastBody.Load(), "no request for invalid targets")
}

func TestDisarmAndCancel(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	login(t, c)

	_, err := c.Disarm(context.Background(), "1234")
	require.NoError(t, err)
	_, err = c.CancelArming(context.Background(), "1234")
	require.NoError(t, err)

	_, err = c.Disarm(context.Background(), "0000")
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusForbidden, serr.StatusCode)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestLogout_ForgetsSession(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	login(t, c)

	require.NoError(t, c.Logout(context.Background()))
	h := c.AuthHeader()
	assert.Empty(t, h.Get("Authorization"))
	assert.Empty(t, h.Get("Cookie"))
}

func TestRequestHonoursContext(t *testing.T) {
	m := newMockAPI(t)
	c := newTestClient(t, m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchAlarmState(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTOTPCode(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	now := time.Now()

	code, err := TOTPCode(secret, now)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.True(t, totp.Validate(code, secret))

	empty, err := TOTPCode("  ", now)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = TOTPCode("not base32!", now)
	assert.Error(t, err)
}

func TestNewCredentials(t *testing.T) {
	creds, err := NewCredentials("alice", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "alice", Password: "secret"}, creds)
}
