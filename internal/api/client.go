// Package api is the REST client for the alarm server: login, state and
// event fetches, and arm/disarm/cancel actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is wrapped by StatusError for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidTarget is returned by Arm for targets that are not armed states.
var ErrInvalidTarget = errors.New("invalid arm target")

// REST endpoints, relative to the base URL.
const (
	pathLogin        = "/api/auth/login/"
	pathLogout       = "/api/auth/logout/"
	pathAlarmState   = "/api/alarm/state/"
	pathRecentEvents = "/api/events/recent/"
	pathArm          = "/api/alarm/arm/"
	pathDisarm       = "/api/alarm/disarm/"
	pathCancelArming = "/api/alarm/cancel-arming/"

	csrfCookie = "csrftoken"
	csrfHeader = "X-CSRFToken"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Operation  string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Operation, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// OnUnauthorized is called after any request answered with 401.
	OnUnauthorized func()

	Metrics *metrics.Metrics
}

// Credentials are sent to the login endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTPCode  string `json:"otpCode,omitempty"`
}

// Client talks to the alarm server REST API. Session cookies are kept in the
// client's cookie jar.
type Client struct {
	http           *resty.Client
	base           *url.URL
	log            zerolog.Logger
	metrics        *metrics.Metrics
	onUnauthorized func()

	mu    sync.RWMutex
	token string
}

// New creates a Client for opts.BaseURL.
func New(opts Options, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	c := &Client{
		base:           base,
		log:            log.With().Str("component", "api").Logger(),
		metrics:        opts.Metrics,
		onUnauthorized: opts.OnUnauthorized,
	}

	c.http = resty.New().
		SetBaseURL(base.String()).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		OnBeforeRequest(c.attachCredentials)

	return c, nil
}

// attachCredentials adds the bearer token and the Django CSRF header.
func (c *Client) attachCredentials(_ *resty.Client, req *resty.Request) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.SetAuthToken(token)
	}
	if csrf := c.cookie(csrfCookie); csrf != "" {
		req.SetHeader(csrfHeader, csrf)
	}
	return nil
}

func (c *Client) cookie(name string) string {
	jar := c.http.GetClient().Jar
	if jar == nil {
		return ""
	}
	for _, ck := range jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// AuthHeader returns the headers that authenticate a websocket handshake
// for the current session.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if jar := c.http.GetClient().Jar; jar != nil {
		var parts []string
		for _, ck := range jar.Cookies(c.base) {
			parts = append(parts, ck.Name+"="+ck.Value)
		}
		if len(parts) > 0 {
			h.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	c.mu.RLock()
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	if c.base.Scheme == "https" {
		h.Set("Origin", "https://"+c.base.Host)
	} else {
		h.Set("Origin", "http://"+c.base.Host)
	}
	return h
}

// BaseURL returns the parsed base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Login authenticates and keeps the session for later requests.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	var result struct {
		Token string `json:"token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(creds).
		Post(pathLogin)
	if err := c.check("login", resp, err); err != nil {
		return err
	}
	if body := resp.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			c.log.Debug().Err(err).Msg("login response is not json, relying on session cookie")
		}
	}

	c.mu.Lock()
	c.token = result.Token
	c.mu.Unlock()

	c.log.Info().Str("username", creds.Username).Bool("token", result.Token != "").Msg("logged in")
	return nil
}

// Logout ends the server session and forgets local credentials.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post(pathLogout)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	if jar, jerr := cookiejar.New(nil); jerr == nil {
		c.http.SetCookieJar(jar)
	}
	return c.check("logout", resp, err)
}

// FetchAlarmState returns the current alarm state and effective settings.
func (c *Client) FetchAlarmState(ctx context.Context) (protocol.AlarmStatePayload, error) {
	resp, err := c.http.R().SetContext(ctx).Get(pathAlarmState)
	if err := c.check("fetch_state", resp, err); err != nil {
		return protocol.AlarmStatePayload{}, err
	}
	p, err := protocol.DecodeAlarmState(resp.Body())
	if err != nil {
		return protocol.AlarmStatePayload{}, fmt.Errorf("fetch_state: %w", err)
	}
	return p, nil
}

// FetchRecentEvents returns up to limit events, newest first.
func (c *Client) FetchRecentEvents(ctx context.Context, limit int) ([]protocol.AlarmEvent, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(limit)).
		Get(pathRecentEvents)
	if err := c.check("fetch_events", resp, err); err != nil {
		return nil, err
	}
	events, err := protocol.DecodeEvents(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("fetch_events: %w", err)
	}
	return events, nil
}

// Arm requests a transition to target, which must be an armed_* state.
func (c *Client) Arm(ctx context.Context, target protocol.AlarmState, code string) (protocol.AlarmStatePayload, error) {
	if !target.IsArmed() {
		return protocol.AlarmStatePayload{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return c.mutate(ctx, "arm", pathArm, map[string]string{"targetState": string(target), "code": code})
}

// Disarm requests a transition to disarmed.
func (c *Client) Disarm(ctx context.Context, code string) (protocol.AlarmStatePayload, error) {
	return c.mutate(ctx, "disarm", pathDisarm, map[string]string{"code": code})
}

// CancelArming aborts a running exit delay.
func (c *Client) CancelArming(ctx context.Context, code string) (protocol.AlarmStatePayload, error) {
	return c.mutate(ctx, "cancel_arming", pathCancelArming, map[string]string{"code": code})
}

func (c *Client) mutate(ctx context.Context, op, path string, body any) (protocol.AlarmStatePayload, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err := c.check(op, resp, err); err != nil {
		return protocol.AlarmStatePayload{}, err
	}
	p, err := protocol.DecodeAlarmState(resp.Body())
	if err != nil {
		return protocol.AlarmStatePayload{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// check turns transport errors and non-2xx responses into errors, records
// metrics and fires the unauthorized hook.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		c.metrics.RESTRequest(op, "transport_error")
		c.log.Debug().Err(err).Str("op", op).Msg("request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsSuccess() {
		c.metrics.RESTRequest(op, "ok")
		return nil
	}

	c.metrics.RESTRequest(op, fmt.Sprintf("http_%d", resp.StatusCode()))
	serr := &StatusError{Operation: op, StatusCode: resp.StatusCode(), Detail: detail(resp.Body())}
	c.log.Warn().Str("op", op).Int("status", serr.StatusCode).Str("detail", serr.Detail).Msg("request rejected")
	if serr.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}
	return serr
}

// detail extracts a human-readable message from an error body.
func detail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
