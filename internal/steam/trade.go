package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/okatkov/tradematch/internal/inventory"
)

// steamID3 offset between a 64-bit ID and the account ID used in trade URLs.
const steamID64Base = 76561197960265728

// TradeOfferResult describes one dispatched offer.
type TradeOfferResult struct {
	OfferID                    uint64
	RequiresMobileConfirmation bool
}

type tradeOfferAsset struct {
	AppID     uint32 `json:"appid"`
	ContextID string `json:"contextid"`
	Amount    uint32 `json:"amount"`
	AssetID   string `json:"assetid"`
}

type tradeOfferSide struct {
	Assets   []tradeOfferAsset `json:"assets"`
	Currency []any             `json:"currency"`
	Ready    bool              `json:"ready"`
}

type tradeOfferBody struct {
	NewVersion bool           `json:"newversion"`
	Version    int            `json:"version"`
	Me         tradeOfferSide `json:"me"`
	Them       tradeOfferSide `json:"them"`
}

type sendTradeOfferResponse struct {
	TradeOfferID        uint64String `json:"tradeofferid"`
	NeedsMobileConfirm  bool         `json:"needs_mobile_confirmation"`
	NeedsEmailConfirm   bool         `json:"needs_email_confirmation"`
	StringErrorResponse string       `json:"strError"`
}

// SendTradeOffer dispatches one or more offers carrying the given assets.
// Oversized item lists are split across offers, each side capped at half the
// per-trade item limit; forceSingleOffer refuses to split instead. Splitting
// stops at the per-account trade cap and reports how many offers went out.
func (c *Client) SendTradeOffer(ctx context.Context, partnerID uint64, give, receive []*inventory.Asset, tradeToken string, forceSingleOffer bool) ([]TradeOfferResult, error) {
	if partnerID == 0 || len(give) == 0 || len(receive) == 0 {
		slog.Error("invalid trade offer arguments, please report this",
			"partnerID", partnerID, "give", len(give), "receive", len(receive))
		return nil, ErrInvalidInput
	}

	perSide := c.cfg.MaxItemsPerTrade / 2
	if forceSingleOffer && (len(give) > perSide || len(receive) > perSide) {
		return nil, fmt.Errorf("offer exceeds %d items per side and splitting is disabled", perSide)
	}

	giveChunks := chunkAssets(give, perSide)
	receiveChunks := chunkAssets(receive, perSide)
	offers := len(giveChunks)
	if len(receiveChunks) > offers {
		offers = len(receiveChunks)
	}
	// A broken cap must not clamp the dispatch down to zero offers; callers
	// treat a nil-error return as "something went out".
	maxTrades := c.cfg.MaxTradesPerAccount
	if maxTrades < 1 {
		maxTrades = 1
	}
	if offers > maxTrades {
		offers = maxTrades
	}

	var results []TradeOfferResult
	for i := 0; i < offers; i++ {
		var g, r []*inventory.Asset
		if i < len(giveChunks) {
			g = giveChunks[i]
		}
		if i < len(receiveChunks) {
			r = receiveChunks[i]
		}
		if len(g) == 0 || len(r) == 0 {
			break
		}

		result, err := c.sendSingleTradeOffer(ctx, partnerID, g, r, tradeToken)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}

	return results, nil
}

func (c *Client) sendSingleTradeOffer(ctx context.Context, partnerID uint64, give, receive []*inventory.Asset, tradeToken string) (*TradeOfferResult, error) {
	offer := tradeOfferBody{
		NewVersion: true,
		Version:    2,
		Me:         tradeOfferSide{Assets: wireAssets(give), Currency: []any{}},
		Them:       tradeOfferSide{Assets: wireAssets(receive), Currency: []any{}},
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("encode offer: %w", err)
	}

	createParams := "{}"
	if tradeToken != "" {
		params, err := json.Marshal(map[string]string{"trade_offer_access_token": tradeToken})
		if err != nil {
			return nil, fmt.Errorf("encode access token: %w", err)
		}
		createParams = string(params)
	}

	form := url.Values{
		"serverid":                  {"1"},
		"partner":                   {strconv.FormatUint(partnerID, 10)},
		"tradeoffermessage":         {""},
		"json_tradeoffer":           {string(offerJSON)},
		"trade_offer_create_params": {createParams},
	}

	referer := fmt.Sprintf("%s/tradeoffer/new/?partner=%d",
		c.hostURL(HostCommunity), partnerID-steamID64Base)

	var resp sendTradeOfferResponse
	if err := c.PostJSON(ctx, HostCommunity, "/tradeoffer/new/send", form, &resp,
		WithSession(SessionLowercase), WithReferer(referer)); err != nil {
		return nil, fmt.Errorf("send trade offer: %w", err)
	}
	if resp.StringErrorResponse != "" {
		return nil, fmt.Errorf("trade offer rejected: %s", resp.StringErrorResponse)
	}
	if uint64(resp.TradeOfferID) == 0 {
		return nil, fmt.Errorf("trade offer response carried no offer id")
	}

	return &TradeOfferResult{
		OfferID:                    uint64(resp.TradeOfferID),
		RequiresMobileConfirmation: resp.NeedsMobileConfirm,
	}, nil
}

func wireAssets(assets []*inventory.Asset) []tradeOfferAsset {
	out := make([]tradeOfferAsset, 0, len(assets))
	for _, a := range assets {
		out = append(out, tradeOfferAsset{
			AppID:     a.AppID,
			ContextID: strconv.FormatUint(a.ContextID, 10),
			Amount:    a.Amount,
			AssetID:   strconv.FormatUint(a.AssetID, 10),
		})
	}
	return out
}

func chunkAssets(assets []*inventory.Asset, size int) [][]*inventory.Asset {
	if size <= 0 {
		return nil
	}
	var chunks [][]*inventory.Asset
	for len(assets) > 0 {
		n := size
		if n > len(assets) {
			n = len(assets)
		}
		chunks = append(chunks, assets[:n])
		assets = assets[n:]
	}
	return chunks
}
