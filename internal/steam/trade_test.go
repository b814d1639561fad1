package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatkov/tradematch/internal/inventory"
)

func tradeAssets(n int, firstID uint64) []*inventory.Asset {
	assets := make([]*inventory.Asset, 0, n)
	for i := range n {
		assets = append(assets, &inventory.Asset{
			AssetID:   firstID + uint64(i),
			ClassID:   1,
			ContextID: inventory.CommunityContextID,
			AppID:     inventory.CommunityAppID,
			Amount:    1,
		})
	}
	return assets
}

func tradeServer(t *testing.T, offers *atomic.Int32, perOffer *[]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prime":
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess", Path: "/"})
		case "/tradeoffer/new/send":
			r.ParseForm()
			assert.Equal(t, "1", r.PostForm.Get("serverid"))
			assert.Equal(t, "sess", r.PostForm.Get("sessionid"))
			assert.Contains(t, r.Header.Get("Referer"), "/tradeoffer/new/?partner=")

			var offer tradeOfferBody
			require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("json_tradeoffer")), &offer))
			assert.True(t, offer.NewVersion)
			assert.Equal(t, 2, offer.Version)
			if perOffer != nil {
				*perOffer = append(*perOffer, len(offer.Me.Assets))
			}

			var params map[string]string
			require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("trade_offer_create_params")), &params))
			assert.Equal(t, "token123", params["trade_offer_access_token"])

			id := offers.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"tradeofferid": "%s", "needs_mobile_confirmation": true}`, strconv.Itoa(int(id)))
		}
	}))
}

func primeSession(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.GetBytes(context.Background(), HostCommunity, "/prime")
	require.NoError(t, err)
}

func TestSendTradeOfferSingle(t *testing.T) {
	var offers atomic.Int32
	srv := tradeServer(t, &offers, nil)
	defer srv.Close()

	c := newTestClient(t, nil, srv, WithSteamID(76561198000000001))
	primeSession(t, c)

	results, err := c.SendTradeOffer(context.Background(), 76561198000000002,
		tradeAssets(3, 10), tradeAssets(3, 100), "token123", false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.EqualValues(t, 1, results[0].OfferID)
	assert.True(t, results[0].RequiresMobileConfirmation)
	assert.Equal(t, int32(1), offers.Load())
}

func TestSendTradeOfferSplits(t *testing.T) {
	var offers atomic.Int32
	var perOffer []int
	srv := tradeServer(t, &offers, &perOffer)
	defer srv.Close()

	c := newTestClient(t, nil, srv, WithSteamID(76561198000000001))
	primeSession(t, c)

	// 130 items per side against a 255-item cap: 127 fit in the first
	// offer's give side, the remaining 3 go into a second offer.
	results, err := c.SendTradeOffer(context.Background(), 76561198000000002,
		tradeAssets(130, 10), tradeAssets(130, 1000), "token123", false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []int{127, 3}, perOffer)
}

func TestSendTradeOfferBrokenTradeCapStillSendsOne(t *testing.T) {
	var offers atomic.Int32
	var perOffer []int
	srv := tradeServer(t, &offers, &perOffer)
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxTradesPerAccount = 0

	c := newTestClient(t, cfg, srv, WithSteamID(76561198000000001))
	primeSession(t, c)

	// A zero cap must never turn the call into a silent no-op success.
	results, err := c.SendTradeOffer(context.Background(), 76561198000000002,
		tradeAssets(130, 10), tradeAssets(130, 1000), "token123", false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int{127}, perOffer, "the cap still bounds the split")
}

func TestSendTradeOfferForceSingleRefusesSplit(t *testing.T) {
	var offers atomic.Int32
	srv := tradeServer(t, &offers, nil)
	defer srv.Close()

	c := newTestClient(t, nil, srv, WithSteamID(76561198000000001))
	primeSession(t, c)

	_, err := c.SendTradeOffer(context.Background(), 76561198000000002,
		tradeAssets(130, 10), tradeAssets(130, 1000), "token123", true)
	assert.Error(t, err)
	assert.Equal(t, int32(0), offers.Load(), "nothing may be dispatched")
}

func TestSendTradeOfferInvalidArgs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, nil, srv)
	_, err := c.SendTradeOffer(context.Background(), 0, tradeAssets(1, 1), tradeAssets(1, 2), "", false)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.SendTradeOffer(context.Background(), 42, nil, tradeAssets(1, 2), "", false)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChunkAssets(t *testing.T) {
	chunks := chunkAssets(tradeAssets(10, 1), 4)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[1], 4)
	assert.Len(t, chunks[2], 2)

	assert.Nil(t, chunkAssets(nil, 4))
	assert.Nil(t, chunkAssets(tradeAssets(3, 1), 0))
}
