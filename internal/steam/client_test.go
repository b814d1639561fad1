package steam

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/limiter"
)

func testConfig() *config.Config {
	return &config.Config{
		ConnectionTimeout:   90 * time.Second,
		MaxItemsPerTrade:    255,
		MaxTradesPerAccount: 5,
	}
}

func newTestClient(t *testing.T, cfg *config.Config, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	urls := map[Host]string{
		HostCommunity: srv.URL,
		HostStore:     srv.URL,
		HostHelp:      srv.URL,
		HostWebAPI:    srv.URL,
	}
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithBaseURLs(urls),
	}, opts...)

	c, err := NewClient(cfg, nil, nil, limiter.New(0, 1), semaphore.NewWeighted(1), opts...)
	require.NoError(t, err)
	return c
}

type fakeHost struct {
	client  *Client
	renewed atomic.Int32
}

func (h *fakeHost) Connected() bool { return true }
func (h *fakeHost) LoggedOn() bool  { return true }
func (h *fakeHost) RenewWebSession(ctx context.Context) error {
	h.renewed.Add(1)
	h.client.markSessionValid()
	return nil
}

func TestGetBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/data" {
			w.Write([]byte("payload"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	body, err := c.GetBytes(context.Background(), HostCommunity, "/data")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/account" {
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	_, err := c.GetBytes(context.Background(), HostCommunity, "/forbidden")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Equal(t, int32(1), hits.Load(), "4xx responses must not be retried")
}

func TestServerErrorRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/account" {
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	_, err := c.GetBytes(context.Background(), HostCommunity, "/flaky", WithMaxTries(3))
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load(), "5xx responses retry up to the limit")
}

func TestSessionExpiredTriggersRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account":
			w.WriteHeader(http.StatusOK)
		case "/login/home":
			w.WriteHeader(http.StatusOK)
		case "/data":
			if hits.Add(1) == 1 {
				http.Redirect(w, r, "/login/home", http.StatusFound)
				return
			}
			w.Write([]byte("fresh"))
		}
	}))
	defer srv.Close()

	// A tiny validity window forces the refresh path instead of trusting
	// the probe that just ran.
	cfg := testConfig()
	cfg.ConnectionTimeout = 6 * time.Nanosecond

	c := newTestClient(t, cfg, srv)
	host := &fakeHost{client: c}
	c.host = host

	body, err := c.GetBytes(context.Background(), HostCommunity, "/data")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(body))
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, host.renewed.Load(), int32(1), "landing on /login must renew the session")
}

func TestRefreshWithoutHostFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login/home", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	err := c.RefreshSession(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedOn)
}

func TestOwnProfileRedirectRetried(t *testing.T) {
	const steamID = 76561198000000001
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account", "/profiles/76561198000000001":
			w.WriteHeader(http.StatusOK)
		case "/badge/2":
			if hits.Add(1) == 1 {
				http.Redirect(w, r, "/profiles/76561198000000001", http.StatusFound)
				return
			}
			w.Write([]byte("badge"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv, WithSteamID(steamID))

	body, err := c.GetBytes(context.Background(), HostCommunity, "/badge/2")
	require.NoError(t, err)
	assert.Equal(t, "badge", string(body))
	assert.Equal(t, int32(2), hits.Load(), "own-profile redirect retries without a refresh")
}

func TestSessionFieldInjection(t *testing.T) {
	var gotField atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prime":
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "c2Vzc2lvbg", Path: "/"})
		case "/submit":
			r.ParseForm()
			gotField.Store(url.Values(r.PostForm).Encode())
		}
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)

	_, err := c.GetBytes(context.Background(), HostCommunity, "/prime")
	require.NoError(t, err)

	form := url.Values{"action": {"join"}}
	require.NoError(t, c.Post(context.Background(), HostCommunity, "/submit", form, WithSession(SessionCamelCase)))

	encoded, _ := gotField.Load().(string)
	assert.Contains(t, encoded, "sessionID=c2Vzc2lvbg", "camel-case mode uses the sessionID field")
	assert.Contains(t, encoded, "action=join")
}

func TestSessionFieldMissingCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	err := c.Post(context.Background(), HostCommunity, "/submit", url.Values{}, WithSession(SessionLowercase))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSessionModeFieldNames(t *testing.T) {
	assert.Equal(t, "sessionid", SessionLowercase.fieldName())
	assert.Equal(t, "sessionID", SessionCamelCase.fieldName())
	assert.Equal(t, "SessionID", SessionPascalCase.fieldName())
	assert.Equal(t, "", SessionNone.fieldName())
}

func TestIsSessionExpiredURL(t *testing.T) {
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	assert.True(t, isSessionExpiredURL(parse("https://steamcommunity.com/login/home/?goto=")))
	assert.True(t, isSessionExpiredURL(parse("https://lostauth/")))
	assert.False(t, isSessionExpiredURL(parse("https://steamcommunity.com/market/")))
	assert.False(t, isSessionExpiredURL(parse("https://steamcommunity.com/id/loginfan")))
	assert.False(t, isSessionExpiredURL(nil))
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetBytes(ctx, HostCommunity, "/data")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/data" {
			http.Redirect(w, r, "/login/home", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	_, err := c.GetBytes(context.Background(), HostCommunity, "/data", WithMaxTries(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotLoggedOn))
}
