package steam

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
)

// WalletResult is the store's numeric verdict on a wallet code.
type WalletResult int

const (
	WalletResultOK            WalletResult = 0
	WalletResultInvalidCode   WalletResult = 14
	WalletResultAlreadyUsed   WalletResult = 15
	WalletResultRegionLocked  WalletResult = 13
	WalletResultRateLimited   WalletResult = 53
	WalletResultCannotRedeem  WalletResult = 24
	WalletResultTooManyTries  WalletResult = 84
	WalletResultNeedsActivity WalletResult = 50
)

type redeemWalletResponse struct {
	Success      numericBool  `json:"success"`
	EResult      WalletResult `json:"eresult"`
	DetailResult int          `json:"detail"`
}

// RedeemWalletCode redeems a wallet code into the account balance.
func (c *Client) RedeemWalletCode(ctx context.Context, code string) (WalletResult, error) {
	if code == "" {
		slog.Error("empty wallet code, please report this")
		return WalletResultInvalidCode, ErrInvalidInput
	}

	form := url.Values{"wallet_code": {code}}
	var resp redeemWalletResponse
	if err := c.PostJSON(ctx, HostStore, "/account/ajaxredeemwalletcode/", form, &resp,
		WithSession(SessionLowercase)); err != nil {
		return 0, fmt.Errorf("redeem wallet code: %w", err)
	}
	return resp.EResult, nil
}

type resolveGiftCardResponse struct {
	Success numericBool `json:"success"`
}

// AcceptDigitalGiftCard accepts a pending digital gift card onto the wallet.
func (c *Client) AcceptDigitalGiftCard(ctx context.Context, giftCardID uint64) error {
	if giftCardID == 0 {
		slog.Error("invalid gift card id, please report this")
		return ErrInvalidInput
	}

	form := url.Values{
		"accept":     {"1"},
		"giftcardid": {strconv.FormatUint(giftCardID, 10)},
	}
	var resp resolveGiftCardResponse
	if err := c.PostJSON(ctx, HostStore, "/gifts/0/resolvegiftcard", form, &resp,
		WithSession(SessionLowercase)); err != nil {
		return fmt.Errorf("resolve gift card: %w", err)
	}
	if !bool(resp.Success) {
		return fmt.Errorf("gift card %d not accepted", giftCardID)
	}
	return nil
}
