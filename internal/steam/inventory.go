package steam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okatkov/tradematch/internal/inventory"
)

// MaxItemsInSingleInventoryRequest is the platform's page size cap.
const MaxItemsInSingleInventoryRequest = 5000

// InventoryFilter narrows an inventory fetch. Nil fields match everything.
type InventoryFilter struct {
	Marketable *bool
	Tradable   *bool
	RealAppIDs map[uint32]bool
	Types      map[inventory.ItemType]bool
	Sets       map[inventory.SetKey]bool
}

func (f *InventoryFilter) match(a *inventory.Asset) bool {
	if f == nil {
		return true
	}
	if f.Marketable != nil && a.Marketable != *f.Marketable {
		return false
	}
	if f.Tradable != nil && a.Tradable != *f.Tradable {
		return false
	}
	if len(f.RealAppIDs) > 0 && !f.RealAppIDs[a.RealAppID] {
		return false
	}
	if len(f.Types) > 0 && !f.Types[a.Type] {
		return false
	}
	if len(f.Sets) > 0 && !f.Sets[a.SetKey()] {
		return false
	}
	return true
}

type inventoryWireAsset struct {
	AppID      uint64String `json:"appid"`
	ContextID  uint64String `json:"contextid"`
	AssetID    uint64String `json:"assetid"`
	ClassID    uint64String `json:"classid"`
	InstanceID uint64String `json:"instanceid"`
	Amount     uint64String `json:"amount"`
}

type inventoryWireDescription struct {
	ClassID        uint64String    `json:"classid"`
	InstanceID     uint64String    `json:"instanceid"`
	AppID          uint64String    `json:"appid"`
	MarketFeeApp   uint64String    `json:"market_fee_app"`
	MarketHashName string          `json:"market_hash_name"`
	Marketable     numericBool     `json:"marketable"`
	Tradable       numericBool     `json:"tradable"`
	Tags           []inventory.Tag `json:"tags"`
}

type inventoryPage struct {
	Assets       []inventoryWireAsset       `json:"assets"`
	Descriptions []inventoryWireDescription `json:"descriptions"`
	MoreItems    numericBool                `json:"more_items"`
	LastAssetID  uint64String               `json:"last_assetid"`
	Success      numericBool                `json:"success"`
}

// GetInventory fetches a full paginated inventory. A process-wide semaphore
// serialises inventory reads across all accounts; the slot is released after
// the configured limiter delay.
func (c *Client) GetInventory(ctx context.Context, steamID, appID, contextID uint64, filter *InventoryFilter) ([]*inventory.Asset, error) {
	if steamID == 0 || appID == 0 || contextID == 0 {
		slog.Error("invalid inventory request, please report this",
			"steamID", steamID, "appID", appID, "contextID", contextID)
		return nil, ErrInvalidInput
	}

	if err := c.inventorySem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("inventory semaphore: %w", err)
	}
	defer func() {
		if delay := c.cfg.InventoryLimiterDelay; delay > 0 {
			time.AfterFunc(delay, func() { c.inventorySem.Release(1) })
		} else {
			c.inventorySem.Release(1)
		}
	}()

	var (
		result       []*inventory.Asset
		startAssetID uint64
		descriptions = make(map[uint64]*inventoryWireDescription)
	)

	for {
		path := fmt.Sprintf("/inventory/%d/%d/%d?count=%d&l=english",
			steamID, appID, contextID, MaxItemsInSingleInventoryRequest)
		if startAssetID != 0 {
			path += fmt.Sprintf("&start_assetid=%d", startAssetID)
		}

		var page inventoryPage
		if err := c.GetJSON(ctx, HostCommunity, path, &page); err != nil {
			return nil, fmt.Errorf("inventory page: %w", err)
		}
		if !bool(page.Success) {
			return nil, fmt.Errorf("inventory page reported failure")
		}

		for i := range page.Descriptions {
			desc := &page.Descriptions[i]
			descriptions[uint64(desc.ClassID)] = desc
		}

		for _, wa := range page.Assets {
			desc, ok := descriptions[uint64(wa.ClassID)]
			if !ok {
				slog.Error("asset without description, please report this",
					"classID", uint64(wa.ClassID), "assetID", uint64(wa.AssetID))
				continue
			}

			asset := &inventory.Asset{
				AssetID:    uint64(wa.AssetID),
				ClassID:    uint64(wa.ClassID),
				InstanceID: uint64(wa.InstanceID),
				ContextID:  uint64(wa.ContextID),
				AppID:      uint32(wa.AppID),
				Amount:     uint32(wa.Amount),
				RealAppID:  inventory.RealAppID(uint32(desc.MarketFeeApp), desc.MarketHashName),
				Type:       inventory.TypeFromTags(desc.Tags),
				Rarity:     inventory.RarityFromTags(desc.Tags),
				Marketable: bool(desc.Marketable),
				Tradable:   bool(desc.Tradable),
			}
			if asset.Amount == 0 {
				asset.Amount = 1
			}

			if filter.match(asset) {
				result = append(result, asset)
			}
		}

		if !bool(page.MoreItems) {
			break
		}
		if uint64(page.LastAssetID) == 0 {
			return nil, fmt.Errorf("inventory paging: more items with zero last asset id")
		}
		startAssetID = uint64(page.LastAssetID)
	}

	return result, nil
}
