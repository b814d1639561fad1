package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatkov/tradematch/internal/inventory"
)

func TestNew(t *testing.T) {
	assert.Nil(t, New("", nil), "empty host disables the client")

	c := New("directory.example", nil)
	require.NotNil(t, c)
	assert.Equal(t, "https://directory.example", c.baseURL)

	c = New("http://localhost:8080/", nil)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestAnnounce(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, announcePath, r.URL.Path)
		r.ParseForm()
		form = make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	err := c.Announce(context.Background(), &Announcement{
		SteamID:         76561198000000001,
		Guid:            "guid-1",
		Nickname:        "bot one",
		AvatarHash:      "ab12",
		TradeToken:      "TOKEN123",
		GamesCount:      12,
		ItemsCount:      240,
		MatchableTypes:  []inventory.ItemType{inventory.TypeEmoticon, inventory.TypeTradingCard},
		MatchEverything: true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"AvatarHash":      "ab12",
		"GamesCount":      "12",
		"Guid":            "guid-1",
		"ItemsCount":      "240",
		"MatchableTypes":  "[2,5]",
		"MatchEverything": "1",
		"Nickname":        "bot one",
		"SteamID":         "76561198000000001",
		"TradeToken":      "TOKEN123",
	}, form)
}

func TestHeartBeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, heartBeatPath, r.URL.Path)
		r.ParseForm()
		assert.Equal(t, "guid-1", r.PostForm.Get("Guid"))
		assert.Equal(t, "76561198000000001", r.PostForm.Get("SteamID"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	require.NoError(t, c.HeartBeat(context.Background(), 76561198000000001, "guid-1"))
}

func TestPostFormStatuses(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	status = http.StatusForbidden
	err := c.HeartBeat(context.Background(), 1, "g")
	assert.ErrorIs(t, err, ErrRejected)

	status = http.StatusBadGateway
	err = c.HeartBeat(context.Background(), 1, "g")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected, "5xx is transient, not a rejection")

	status = http.StatusOK
	assert.NoError(t, c.HeartBeat(context.Background(), 1, "g"))
}

func TestListBots(t *testing.T) {
	// The listing mixes encodings: bare numeric IDs with 0/1 flags as well
	// as quoted IDs with real booleans.
	const listing = `[
		{"steam_id": 76561198000000002, "trade_token": "t2", "games_count": 10, "items_count": 100,
		 "matchable_cards": 1, "matchable_foil_cards": 1, "match_everything": 0},
		{"steam_id": "not-a-number"},
		{"steam_id": "76561198000000003", "trade_token": "t3", "games_count": 4, "items_count": 200,
		 "matchable_emoticons": true, "match_everything": true}
	]`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, botsPath, r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("matchEverything"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listing))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	users, err := c.ListBots(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2, "malformed entries are skipped")

	first := users[0]
	assert.EqualValues(t, 76561198000000002, first.SteamID)
	assert.Equal(t, "t2", first.TradeToken)
	assert.False(t, first.MatchEverything)
	assert.Equal(t, map[inventory.ItemType]bool{
		inventory.TypeTradingCard:     true,
		inventory.TypeFoilTradingCard: true,
	}, first.MatchableTypes())
	assert.InDelta(t, 0.1, first.Score(), 1e-9)

	second := users[1]
	assert.True(t, second.MatchEverything)
	assert.Equal(t, map[inventory.ItemType]bool{inventory.TypeEmoticon: true}, second.MatchableTypes())
}

func TestListBotsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.ListBots(context.Background())
	assert.Error(t, err)
}

func TestScoreZeroItems(t *testing.T) {
	u := &ListedUser{GamesCount: 5}
	assert.Zero(t, u.Score())
}
