// Package steam implements the session-aware web client against the
// platform's community, store, help and web-API hosts.
package steam

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/okatkov/tradematch/internal/cacheable"
	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/limiter"
	"github.com/okatkov/tradematch/internal/transport"
)

// Host is one of the platform's web hosts.
type Host string

const (
	HostCommunity Host = "steamcommunity.com"
	HostStore     Host = "store.steampowered.com"
	HostHelp      Host = "help.steampowered.com"
	HostWebAPI    Host = "api.steampowered.com"
)

// PrimaryHosts carry session cookies.
var PrimaryHosts = []Host{HostCommunity, HostStore, HostHelp}

// fallbackHost is where the platform strands requests whose session died.
const fallbackHost = "lostauth"

// sessionProbePath is the cheap stable path used for validity probes.
const sessionProbePath = "/account"

// SessionMode selects the form field name carrying the session ID on POSTs.
type SessionMode uint8

const (
	SessionNone SessionMode = iota
	SessionLowercase
	SessionCamelCase
	SessionPascalCase
)

func (m SessionMode) fieldName() string {
	switch m {
	case SessionLowercase:
		return "sessionid"
	case SessionCamelCase:
		return "sessionID"
	case SessionPascalCase:
		return "SessionID"
	default:
		return ""
	}
}

// DefaultMaxTries bounds request retries across session anomalies.
const DefaultMaxTries = 5

var (
	ErrNotLoggedOn    = errors.New("account is not connected and logged on")
	ErrSessionExpired = errors.New("web session expired")
	ErrTriesExhausted = errors.New("request tries exhausted")
	ErrInvalidInput   = errors.New("invalid input")
)

// StatusError is a non-2xx platform response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("status code %d", e.Code) }

// SessionHost is the non-owning handle back to the account manager. It is
// used for callbacks only, never for lifecycle.
type SessionHost interface {
	Connected() bool
	LoggedOn() bool
	// RenewWebSession renegotiates platform tokens; on success it calls
	// Client.InitSession with a fresh nonce.
	RenewWebSession(ctx context.Context) error
}

// Client is the session-aware web client for one account.
type Client struct {
	cfg     *config.Config
	host    SessionHost
	limiter *limiter.Limiter

	httpClient *http.Client
	jar        http.CookieJar

	steamID      uint64
	limited      bool
	universeKeys map[Universe]*rsa.PublicKey

	refreshGroup singleflight.Group
	sessionMu    sync.Mutex
	// Session is considered expired while these two differ.
	lastSessionCheck   time.Time
	lastSessionRefresh time.Time

	// Process-wide; serialises inventory reads across all accounts.
	inventorySem *semaphore.Weighted

	apiKey     *cacheable.Cacheable[string]
	tradeToken *cacheable.Cacheable[string]

	// Maps hosts to alternate base URLs; used by tests.
	baseURLOverride map[Host]string
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient replaces the transport-built HTTP client. The cookie jar is
// installed on it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimitedAccount marks the account as limited; such accounts permanently
// resolve an empty web API key.
func WithLimitedAccount() Option {
	return func(c *Client) { c.limited = true }
}

// WithUniverseKeys installs the platform RSA public keys for session init.
func WithUniverseKeys(keys map[Universe]*rsa.PublicKey) Option {
	return func(c *Client) { c.universeKeys = keys }
}

// WithBaseURLs redirects hosts to alternate base URLs; used by tests.
func WithBaseURLs(urls map[Host]string) Option {
	return func(c *Client) { c.baseURLOverride = urls }
}

// WithSteamID presets the account ID when it is known before InitSession,
// e.g. from a completed platform logon.
func WithSteamID(steamID uint64) Option {
	return func(c *Client) { c.steamID = steamID }
}

func NewClient(cfg *config.Config, host SessionHost, tm *transport.Manager, lim *limiter.Limiter, inventorySem *semaphore.Weighted, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		host:         host,
		limiter:      lim,
		jar:          jar,
		inventorySem: inventorySem,
	}
	if tm != nil {
		c.httpClient = tm.Client(jar)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, fmt.Errorf("no http client configured")
	}
	c.httpClient.Jar = jar

	c.apiKey = cacheable.New(0, c.resolveAPIKey)
	c.tradeToken = cacheable.New(0, c.resolveTradeToken)
	return c, nil
}

// SteamID returns the account ID planted by InitSession.
func (c *Client) SteamID() uint64 { return c.steamID }

// ---------------------------------------------------------------------------
// Request options
// ---------------------------------------------------------------------------

type requestOptions struct {
	maxTries     int
	session      SessionMode
	referer      string
	checkSession bool
}

type RequestOption func(*requestOptions)

func WithMaxTries(n int) RequestOption {
	return func(o *requestOptions) { o.maxTries = n }
}

func WithSession(m SessionMode) RequestOption {
	return func(o *requestOptions) { o.session = m }
}

func WithReferer(r string) RequestOption {
	return func(o *requestOptions) { o.referer = r }
}

// WithoutSessionCheck skips the preemptive session probe. Required for the
// requests that establish the session in the first place.
func WithoutSessionCheck() RequestOption {
	return func(o *requestOptions) { o.checkSession = false }
}

func buildOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{
		maxTries:     DefaultMaxTries,
		checkSession: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ---------------------------------------------------------------------------
// Request primitives
// ---------------------------------------------------------------------------

// GetHTML performs a GET and parses the body as HTML.
func (c *Client) GetHTML(ctx context.Context, host Host, path string, opts ...RequestOption) (*html.Node, error) {
	body, _, err := c.do(ctx, http.MethodGet, host, path, nil, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// GetJSON performs a GET and decodes the body as JSON.
func (c *Client) GetJSON(ctx context.Context, host Host, path string, out any, opts ...RequestOption) error {
	body, _, err := c.do(ctx, http.MethodGet, host, path, nil, buildOptions(opts))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// GetXML performs a GET and decodes the body as XML.
func (c *Client) GetXML(ctx context.Context, host Host, path string, out any, opts ...RequestOption) error {
	body, _, err := c.do(ctx, http.MethodGet, host, path, nil, buildOptions(opts))
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode xml: %w", err)
	}
	return nil
}

// GetBytes performs a GET and returns the raw body.
func (c *Client) GetBytes(ctx context.Context, host Host, path string, opts ...RequestOption) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, host, path, nil, buildOptions(opts))
	return body, err
}

// Head performs a HEAD request.
func (c *Client) Head(ctx context.Context, host Host, path string, opts ...RequestOption) error {
	_, _, err := c.do(ctx, http.MethodHead, host, path, nil, buildOptions(opts))
	return err
}

// Post performs a form POST, discarding the body.
func (c *Client) Post(ctx context.Context, host Host, path string, form url.Values, opts ...RequestOption) error {
	_, _, err := c.do(ctx, http.MethodPost, host, path, form, buildOptions(opts))
	return err
}

// PostJSON performs a form POST and decodes the response as JSON.
func (c *Client) PostJSON(ctx context.Context, host Host, path string, form url.Values, out any, opts ...RequestOption) error {
	body, _, err := c.do(ctx, http.MethodPost, host, path, form, buildOptions(opts))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// PostHTML performs a form POST and parses the response as HTML.
func (c *Client) PostHTML(ctx context.Context, host Host, path string, form url.Values, opts ...RequestOption) (*html.Node, error) {
	body, _, err := c.do(ctx, http.MethodPost, host, path, form, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ---------------------------------------------------------------------------
// Core request loop
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method string, host Host, path string, form url.Values, o *requestOptions) ([]byte, *url.URL, error) {
	var lastErr error

	for tries := o.maxTries; tries > 0; tries-- {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if o.checkSession {
			if err := c.ensureSession(ctx, host); err != nil {
				lastErr = err
				continue
			}
		}

		if method == http.MethodPost && o.session != SessionNone {
			sessionID := c.cookieValue(host, "sessionid")
			if sessionID == "" {
				slog.Error("missing session cookie for session-bound POST, please report this",
					"host", host, "path", path)
				return nil, nil, ErrInvalidInput
			}
			if form == nil {
				form = url.Values{}
			}
			form.Set(o.session.fieldName(), sessionID)
		}

		body, finalURL, err := c.send(ctx, method, host, path, form, o.referer)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.Code < http.StatusInternalServerError {
				// Client error; retrying will not help.
				return body, finalURL, err
			}
			lastErr = err
			continue
		}

		if isSessionExpiredURL(finalURL) {
			lastErr = ErrSessionExpired
			if refreshErr := c.RefreshSession(ctx); refreshErr != nil {
				slog.Debug("session refresh failed", "error", refreshErr)
			}
			continue
		}

		// Known upstream misbehaviour: requests occasionally land on our own
		// profile. Retried without a refresh.
		if c.isOwnProfileRedirect(host, path, finalURL) {
			lastErr = fmt.Errorf("redirected to own profile from %s", path)
			continue
		}

		return body, finalURL, nil
	}

	if lastErr == nil {
		lastErr = ErrTriesExhausted
	}
	return nil, nil, fmt.Errorf("%s %s%s: %w", method, host, path, lastErr)
}

// send performs one HTTP round trip under the web limiter.
func (c *Client) send(ctx context.Context, method string, host Host, path string, form url.Values, referer string) ([]byte, *url.URL, error) {
	release, err := c.limiter.Acquire(ctx, string(host))
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var reqBody io.Reader
	if method == http.MethodPost && form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.hostURL(host)+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Request.URL, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return body, resp.Request.URL, &StatusError{Code: resp.StatusCode}
	}

	return body, resp.Request.URL, nil
}

// hostURL returns the scheme+host prefix, overridable in tests.
func (c *Client) hostURL(host Host) string {
	if c.baseURLOverride != nil {
		if u, ok := c.baseURLOverride[host]; ok {
			return u
		}
	}
	return "https://" + string(host)
}

// isSessionExpiredURL reports whether a final URL indicates a dead session.
func isSessionExpiredURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/login") || u.Hostname() == fallbackHost
}

func (c *Client) isOwnProfileRedirect(host Host, requestPath string, finalURL *url.URL) bool {
	if c.steamID == 0 || finalURL == nil {
		return false
	}
	profilePath := fmt.Sprintf("/profiles/%d", c.steamID)
	if strings.HasPrefix(requestPath, profilePath) {
		return false
	}
	return strings.TrimSuffix(finalURL.Path, "/") == profilePath
}

// cookieValue reads a cookie planted for the given host.
func (c *Client) cookieValue(host Host, name string) string {
	u, err := url.Parse(c.hostURL(host))
	if err != nil {
		return ""
	}
	for _, cookie := range c.jar.Cookies(u) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Session validity
// ---------------------------------------------------------------------------

// ensureSession preemptively probes session validity before a request,
// refreshing when the probe says the session died. Probe outcomes are
// trusted for the session validity window.
func (c *Client) ensureSession(ctx context.Context, host Host) error {
	window := c.cfg.SessionValidityWindow()

	c.sessionMu.Lock()
	if time.Since(c.lastSessionCheck) < window {
		expired := !c.lastSessionCheck.Equal(c.lastSessionRefresh)
		c.sessionMu.Unlock()
		if expired {
			return c.RefreshSession(ctx)
		}
		return nil
	}
	c.sessionMu.Unlock()

	valid, err := c.probeSession(ctx, host)
	if err != nil {
		return err
	}

	now := time.Now()
	c.sessionMu.Lock()
	c.lastSessionCheck = now
	if valid {
		c.lastSessionRefresh = now
	}
	c.sessionMu.Unlock()

	if !valid {
		return c.RefreshSession(ctx)
	}
	return nil
}

// probeSession HEADs the account overview and inspects the final URL.
func (c *Client) probeSession(ctx context.Context, host Host) (bool, error) {
	release, err := c.limiter.Acquire(ctx, string(host))
	if err != nil {
		return false, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.hostURL(host)+sessionProbePath, nil)
	if err != nil {
		return false, fmt.Errorf("build probe: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("session probe: %w", err)
	}
	resp.Body.Close()

	return !isSessionExpiredURL(resp.Request.URL), nil
}

// RefreshSession renegotiates the web session through the account manager.
// Single-flight per account; concurrent callers share one refresh.
func (c *Client) RefreshSession(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("session", func() (any, error) {
		if c.host == nil || !c.host.Connected() || !c.host.LoggedOn() {
			return nil, ErrNotLoggedOn
		}

		c.sessionMu.Lock()
		fresh := time.Since(c.lastSessionRefresh) < c.cfg.SessionValidityWindow() &&
			c.lastSessionCheck.Equal(c.lastSessionRefresh)
		c.sessionMu.Unlock()
		if fresh {
			return nil, nil
		}

		if err := c.host.RenewWebSession(ctx); err != nil {
			return nil, fmt.Errorf("renew web session: %w", err)
		}
		// InitSession, called back by the host, advanced both timestamps.
		return nil, nil
	})
	return err
}

// markSessionValid advances both session timestamps to now.
func (c *Client) markSessionValid() {
	now := time.Now()
	c.sessionMu.Lock()
	c.lastSessionCheck = now
	c.lastSessionRefresh = now
	c.sessionMu.Unlock()
}
