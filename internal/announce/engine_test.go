package announce

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/directory"
	"github.com/okatkov/tradematch/internal/inventory"
	"github.com/okatkov/tradematch/internal/limiter"
	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
)

const testSteamID = 76561198000000001

type fakeAccount struct {
	nickname        string
	avatarHash      string
	mobileAuth      bool
	prefs           store.TradingPreferences
	types           []inventory.ItemType
	personaRequests atomic.Int32
}

func (a *fakeAccount) Nickname() string                             { return a.nickname }
func (a *fakeAccount) AvatarHash() string                           { return a.avatarHash }
func (a *fakeAccount) HasMobileAuthenticator() bool                 { return a.mobileAuth }
func (a *fakeAccount) TradingPreferences() store.TradingPreferences { return a.prefs }
func (a *fakeAccount) MatchableTypes() []inventory.ItemType         { return a.types }
func (a *fakeAccount) RequestPersonaState()                         { a.personaRequests.Add(1) }

func listedAccount() *fakeAccount {
	return &fakeAccount{
		nickname:   "bot",
		avatarHash: "ab12",
		mobileAuth: true,
		prefs:      store.PrefSteamTradeMatcher,
		types:      []inventory.ItemType{inventory.TypeTradingCard, inventory.TypeEmoticon},
	}
}

// inventoryJSON builds a single-page inventory of n trading cards spread
// across two games.
func inventoryJSON(n int) string {
	var assets, descriptions strings.Builder
	for i := range n {
		if i > 0 {
			assets.WriteByte(',')
		}
		fmt.Fprintf(&assets,
			`{"appid": "753", "contextid": "6", "assetid": "%d", "classid": "%d", "instanceid": "0", "amount": "1"}`,
			1000+i, 100+i%2)
	}
	for i, app := range []int{440, 570} {
		if i > 0 {
			descriptions.WriteByte(',')
		}
		fmt.Fprintf(&descriptions,
			`{"classid": "%d", "instanceid": "0", "appid": "753", "market_fee_app": "%d",
			  "market_hash_name": "%d-Card", "marketable": 1, "tradable": 1,
			  "tags": [{"category": "item_class", "internal_name": "item_class_2"},
			           {"category": "droprate", "internal_name": "droprate_0"}]}`,
			100+i, app, app)
	}
	return fmt.Sprintf(`{"success": 1, "more_items": 0, "assets": [%s], "descriptions": [%s]}`,
		assets.String(), descriptions.String())
}

// platformServer serves the account pages the engine touches during an
// announcement cycle.
func platformServer(t *testing.T, items int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/account":
			// Session probe.
		case r.URL.Path == "/dev/apikey":
			fmt.Fprint(w, `<html><head><title>Steam Community :: Steam Web API Key</title></head>
<body><div id="bodyContents_ex"><p>Key: 0123456789ABCDEF0123456789ABCDEF</p></div></body></html>`)
		case r.URL.Path == fmt.Sprintf("/profiles/%d", testSteamID):
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprint(w, `<?xml version="1.0"?><profile><privacyState>public</privacyState></profile>`)
		case r.URL.Path == fmt.Sprintf("/profiles/%d/tradeoffers/privacy", testSteamID):
			fmt.Fprint(w, `<html><body><input id="trade_offer_access_url" value="https://steamcommunity.com/tradeoffer/new/?partner=1&token=TOKEN123"></body></html>`)
		case strings.HasPrefix(r.URL.Path, fmt.Sprintf("/inventory/%d/753/6", testSteamID)):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, inventoryJSON(items))
		default:
			t.Errorf("unexpected platform request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testClient(t *testing.T, srv *httptest.Server) *steam.Client {
	t.Helper()
	cfg := &config.Config{
		ConnectionTimeout:   90 * time.Second,
		MaxItemsPerTrade:    255,
		MaxTradesPerAccount: 5,
	}
	urls := make(map[steam.Host]string, 4)
	for _, h := range []steam.Host{steam.HostCommunity, steam.HostStore, steam.HostHelp, steam.HostWebAPI} {
		urls[h] = srv.URL
	}
	c, err := steam.NewClient(cfg, nil, nil,
		limiter.New(0, 1), semaphore.NewWeighted(1),
		steam.WithHTTPClient(srv.Client()),
		steam.WithBaseURLs(urls),
		steam.WithSteamID(testSteamID))
	require.NoError(t, err)
	return c
}

type dirCapture struct {
	announces  atomic.Int32
	heartBeats atomic.Int32
	status     atomic.Int32 // 0 means 200
	lastForm   map[string]string
}

func directoryServer(t *testing.T, rec *dirCapture) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		switch r.URL.Path {
		case "/Api/Announce":
			rec.announces.Add(1)
			rec.lastForm = make(map[string]string, len(r.PostForm))
			for k := range r.PostForm {
				rec.lastForm[k] = r.PostForm.Get(k)
			}
		case "/Api/HeartBeat":
			rec.heartBeats.Add(1)
		default:
			t.Errorf("unexpected directory request: %s", r.URL.Path)
		}
		if s := rec.status.Load(); s != 0 {
			w.WriteHeader(int(s))
		}
	}))
}

func TestOnPersonaStateAnnounces(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	account := listedAccount()
	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, account, "guid-1")

	require.NoError(t, e.OnPersonaState(context.Background()))

	assert.Equal(t, int32(1), rec.announces.Load())
	assert.True(t, e.ShouldSendHeartBeats())
	assert.Equal(t, "150", rec.lastForm["ItemsCount"])
	assert.Equal(t, "2", rec.lastForm["GamesCount"])
	assert.Equal(t, "TOKEN123", rec.lastForm["TradeToken"])
	assert.Equal(t, "0", rec.lastForm["MatchEverything"])

	// The fresh announcement covers the next trigger; no second POST.
	require.NoError(t, e.OnPersonaState(context.Background()))
	assert.Equal(t, int32(1), rec.announces.Load())
}

func TestOnPersonaStateSmallInventory(t *testing.T) {
	srv := platformServer(t, 99)
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, listedAccount(), "guid-1")

	require.NoError(t, e.OnPersonaState(context.Background()))
	assert.Equal(t, int32(0), rec.announces.Load(), "small inventories are not listed")
	assert.False(t, e.ShouldSendHeartBeats())
}

func TestOnPersonaStateRejected(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	rec.status.Store(http.StatusForbidden)
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, listedAccount(), "guid-1")

	err := e.OnPersonaState(context.Background())
	assert.ErrorIs(t, err, directory.ErrRejected)
	assert.False(t, e.ShouldSendHeartBeats())
}

func TestOnPersonaStateIneligible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("ineligible bots must not touch the platform, got %s", r.URL.Path)
	}))
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	account := listedAccount()
	account.mobileAuth = false
	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, account, "guid-1")

	require.NoError(t, e.OnPersonaState(context.Background()))
	assert.Equal(t, int32(0), rec.announces.Load())
	assert.False(t, e.ShouldSendHeartBeats())
}

func TestOnHeartBeat(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, listedAccount(), "guid-1")

	// Listed an hour ago, last beat eleven minutes ago: due.
	e.SeedTimes(time.Now().Add(-time.Hour), time.Now().Add(-11*time.Minute))
	require.True(t, e.ShouldSendHeartBeats())

	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), rec.heartBeats.Load())

	// The beat just sent keeps the next tick quiet.
	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), rec.heartBeats.Load())
}

func TestOnHeartBeatRejected(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	rec.status.Store(http.StatusForbidden)
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, listedAccount(), "guid-1")
	e.SeedTimes(time.Now().Add(-time.Hour), time.Now().Add(-11*time.Minute))

	err := e.OnHeartBeat(context.Background())
	assert.ErrorIs(t, err, directory.ErrRejected)
	assert.False(t, e.ShouldSendHeartBeats(), "a rejected listing stops beating")
}

func TestOnHeartBeatRequestsPersonaWhenDead(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	account := listedAccount()
	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, account, "guid-1")

	// Dead listing with both TTLs long lapsed.
	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), account.personaRequests.Load())

	// The request was just recorded; the next tick stays quiet.
	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), account.personaRequests.Load())
	assert.Equal(t, int32(0), rec.heartBeats.Load())
}

func TestOnHeartBeatRefreshesLapsedListing(t *testing.T) {
	srv := platformServer(t, 150)
	defer srv.Close()
	var rec dirCapture
	dirSrv := directoryServer(t, &rec)
	defer dirSrv.Close()

	account := listedAccount()
	e := NewEngine(testClient(t, srv), directory.New(dirSrv.URL, dirSrv.Client()),
		nil, nil, account, "guid-1")

	// Heartbeats outlived the announcement: the listing is still warm but
	// its announcement lapsed hours ago.
	e.SeedTimes(time.Now().Add(-time.Hour), time.Now().Add(-11*time.Minute))
	e.stateMu.Lock()
	e.lastAnnouncement = time.Now().Add(-7 * time.Hour)
	e.stateMu.Unlock()
	require.True(t, e.ShouldSendHeartBeats())

	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), account.personaRequests.Load(),
		"a lapsed announcement asks for a persona state even while beating")
	assert.Equal(t, int32(1), rec.heartBeats.Load(), "the live listing still gets its beat")

	// The request was just recorded; the next tick beats without asking again.
	require.NoError(t, e.OnHeartBeat(context.Background()))
	assert.Equal(t, int32(1), account.personaRequests.Load())
}

func TestSeedTimes(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, listedAccount(), "guid-1")

	e.SeedTimes(time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	assert.True(t, e.ShouldSendHeartBeats(), "recent announcement resumes beating")

	e.SeedTimes(time.Now().Add(-7*time.Hour), time.Now().Add(-7*time.Hour))
	assert.False(t, e.ShouldSendHeartBeats(), "stale announcement does not")

	e.SeedTimes(time.Now(), time.Time{})
	assert.False(t, e.ShouldSendHeartBeats(), "never beaten means never listed")
}
