package steam

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/okatkov/tradematch/internal/cacheable"
)

type profileXML struct {
	PrivacyState string `xml:"privacyState"`
	SteamID64    uint64 `xml:"steamID64"`
}

// HasPublicInventory reports whether a profile's inventory is publicly
// visible.
func (c *Client) HasPublicInventory(ctx context.Context, steamID uint64) (bool, error) {
	if steamID == 0 {
		slog.Error("invalid profile request, please report this", "steamID", steamID)
		return false, ErrInvalidInput
	}

	var profile profileXML
	path := fmt.Sprintf("/profiles/%d?xml=1", steamID)
	if err := c.GetXML(ctx, HostCommunity, path, &profile); err != nil {
		return false, fmt.Errorf("profile xml: %w", err)
	}
	return profile.PrivacyState == "public", nil
}

// TradeToken returns the account's trade token, scraping the privacy page on
// first use. Falls back to the previous success when the scrape fails.
func (c *Client) TradeToken(ctx context.Context) (string, bool) {
	return c.tradeToken.Get(ctx, cacheable.FallbackSuccessPreviously)
}

func (c *Client) resolveTradeToken(ctx context.Context) (string, error) {
	if c.steamID == 0 {
		return "", ErrNotLoggedOn
	}

	path := fmt.Sprintf("/profiles/%d/tradeoffers/privacy?l=english", c.steamID)
	doc, err := c.GetHTML(ctx, HostCommunity, path)
	if err != nil {
		return "", fmt.Errorf("privacy page: %w", err)
	}

	input := findByID(doc, "trade_offer_access_url")
	if input == nil {
		slog.Error("trade offer url input missing, please report this")
		return "", fmt.Errorf("trade offer access url not found")
	}

	accessURL, err := url.Parse(attrVal(input, "value"))
	if err != nil {
		return "", fmt.Errorf("parse access url: %w", err)
	}
	token := accessURL.Query().Get("token")
	if token == "" {
		return "", fmt.Errorf("access url carried no token")
	}
	return token, nil
}

// JoinGroup joins the community group, a no-op if already a member.
func (c *Client) JoinGroup(ctx context.Context, groupID uint64) error {
	if groupID == 0 {
		slog.Error("invalid group id, please report this")
		return ErrInvalidInput
	}

	form := url.Values{"action": {"join"}}
	path := fmt.Sprintf("/gid/%d", groupID)
	return c.Post(ctx, HostCommunity, path, form, WithSession(SessionCamelCase))
}
