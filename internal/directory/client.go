// Package directory talks to the third-party bot directory used for
// announcing inventories and discovering match candidates.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okatkov/tradematch/internal/inventory"
)

const (
	announcePath  = "/Api/Announce"
	heartBeatPath = "/Api/HeartBeat"
	botsPath      = "/Api/Bots"
)

// ErrRejected marks a 4xx directory response. It is terminal for the current
// announcement; network failures are not.
var ErrRejected = errors.New("directory rejected the request")

// Client is a thin HTTP client against the directory server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the given directory host. An empty host yields a
// nil client, which disables all directory traffic.
func New(host string, httpClient *http.Client) *Client {
	if host == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{baseURL: strings.TrimSuffix(base, "/"), httpClient: httpClient}
}

// Announcement is one bot's public listing payload.
type Announcement struct {
	SteamID         uint64
	Guid            string
	Nickname        string
	AvatarHash      string
	TradeToken      string
	GamesCount      int
	ItemsCount      int
	MatchableTypes  []inventory.ItemType
	MatchEverything bool
}

// Announce publishes the bot's listing. A 4xx response wraps ErrRejected.
func (c *Client) Announce(ctx context.Context, a *Announcement) error {
	types := make([]int, 0, len(a.MatchableTypes))
	for _, t := range a.MatchableTypes {
		types = append(types, int(t))
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("encode matchable types: %w", err)
	}

	matchEverything := "0"
	if a.MatchEverything {
		matchEverything = "1"
	}

	form := url.Values{
		"AvatarHash":      {a.AvatarHash},
		"GamesCount":      {strconv.Itoa(a.GamesCount)},
		"Guid":            {a.Guid},
		"ItemsCount":      {strconv.Itoa(a.ItemsCount)},
		"MatchableTypes":  {string(typesJSON)},
		"MatchEverything": {matchEverything},
		"Nickname":        {a.Nickname},
		"SteamID":         {strconv.FormatUint(a.SteamID, 10)},
		"TradeToken":      {a.TradeToken},
	}
	return c.postForm(ctx, announcePath, form)
}

// HeartBeat keeps an existing listing alive.
func (c *Client) HeartBeat(ctx context.Context, steamID uint64, guid string) error {
	form := url.Values{
		"Guid":    {guid},
		"SteamID": {strconv.FormatUint(steamID, 10)},
	}
	return c.postForm(ctx, heartBeatPath, form)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, ErrRejected)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}

// ListedUser is one candidate bot from the directory listing.
type ListedUser struct {
	SteamID    uint64
	TradeToken string
	GamesCount int
	ItemsCount int

	MatchableBackgrounds bool
	MatchableCards       bool
	MatchableEmoticons   bool
	MatchableFoilCards   bool
	MatchEverything      bool
}

// UnmarshalJSON tolerates the listing's mixed encodings: IDs arrive quoted
// or bare, flags as booleans or 0/1 numbers.
func (u *ListedUser) UnmarshalJSON(data []byte) error {
	var w struct {
		SteamID              uint64String `json:"steam_id"`
		TradeToken           string       `json:"trade_token"`
		GamesCount           int          `json:"games_count"`
		ItemsCount           int          `json:"items_count"`
		MatchableBackgrounds numericBool  `json:"matchable_backgrounds"`
		MatchableCards       numericBool  `json:"matchable_cards"`
		MatchableEmoticons   numericBool  `json:"matchable_emoticons"`
		MatchableFoilCards   numericBool  `json:"matchable_foil_cards"`
		MatchEverything      numericBool  `json:"match_everything"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = ListedUser{
		SteamID:              uint64(w.SteamID),
		TradeToken:           w.TradeToken,
		GamesCount:           w.GamesCount,
		ItemsCount:           w.ItemsCount,
		MatchableBackgrounds: bool(w.MatchableBackgrounds),
		MatchableCards:       bool(w.MatchableCards),
		MatchableEmoticons:   bool(w.MatchableEmoticons),
		MatchableFoilCards:   bool(w.MatchableFoilCards),
		MatchEverything:      bool(w.MatchEverything),
	}
	return nil
}

// MatchableTypes expands the listing's per-type flags.
func (u *ListedUser) MatchableTypes() map[inventory.ItemType]bool {
	types := make(map[inventory.ItemType]bool, 4)
	if u.MatchableBackgrounds {
		types[inventory.TypeProfileBackground] = true
	}
	if u.MatchableCards {
		types[inventory.TypeTradingCard] = true
	}
	if u.MatchableEmoticons {
		types[inventory.TypeEmoticon] = true
	}
	if u.MatchableFoilCards {
		types[inventory.TypeFoilTradingCard] = true
	}
	return types
}

// Score orders candidates by how likely a match is: many games across few
// items means concentrated duplicates.
func (u *ListedUser) Score() float64 {
	if u.ItemsCount == 0 {
		return 0
	}
	return float64(u.GamesCount) / float64(u.ItemsCount)
}

// ListBots fetches the current directory listing. Entries that fail to decode
// are logged and skipped rather than failing the whole listing.
func (c *Client) ListBots(ctx context.Context) ([]*ListedUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+botsPath+"?matchEverything=1", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", botsPath, resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	users := make([]*ListedUser, 0, len(raw))
	for _, entry := range raw {
		var user ListedUser
		if err := json.Unmarshal(entry, &user); err != nil || user.SteamID == 0 {
			slog.Warn("skipping malformed directory entry", "error", err)
			continue
		}
		users = append(users, &user)
	}
	return users, nil
}
