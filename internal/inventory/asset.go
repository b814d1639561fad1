package inventory

import (
	"strconv"
	"strings"
)

// Community inventory coordinates. Every matchable item lives here.
const (
	CommunityAppID     = 753
	CommunityContextID = 6
)

// ItemType is the community item class. Values are wire IDs used by both the
// platform and the matching directory, so the order is load-bearing.
type ItemType uint8

const (
	TypeUnknown ItemType = iota
	TypeBoosterPack
	TypeEmoticon
	TypeFoilTradingCard
	TypeProfileBackground
	TypeTradingCard
	TypeSteamGems
	TypeSaleItem
	TypeConsumable
	TypeProfileModifier
	TypeSticker
	TypeChatEffect
	TypeMiniProfileBackground
	TypeAvatarProfileFrame
	TypeAnimatedAvatar
	TypeKeyboardSkin
)

// Rarity is the community drop rate class.
type Rarity uint8

const (
	RarityUnknown Rarity = iota
	RarityCommon
	RarityUncommon
	RarityRare
)

// AcceptedMatchableTypes are the item types the matching directory accepts.
var AcceptedMatchableTypes = map[ItemType]bool{
	TypeEmoticon:          true,
	TypeFoilTradingCard:   true,
	TypeProfileBackground: true,
	TypeTradingCard:       true,
}

// SetKey identifies one matching domain. All matching decisions happen
// within a single set key.
type SetKey struct {
	RealAppID uint32
	Type      ItemType
	Rarity    Rarity
}

// Asset is one platform inventory item. Assets with equal ClassID are
// interchangeable for matching.
type Asset struct {
	AssetID    uint64
	ClassID    uint64
	InstanceID uint64
	ContextID  uint64
	AppID      uint32
	RealAppID  uint32
	Amount     uint32
	Type       ItemType
	Rarity     Rarity
	Marketable bool
	Tradable   bool
}

func (a *Asset) SetKey() SetKey {
	return SetKey{RealAppID: a.RealAppID, Type: a.Type, Rarity: a.Rarity}
}

// Tag is one description tag from the platform inventory payload.
type Tag struct {
	Category     string `json:"category"`
	InternalName string `json:"internal_name"`
}

var itemClassTypes = map[string]ItemType{
	"item_class_2":  TypeTradingCard,
	"item_class_3":  TypeProfileBackground,
	"item_class_4":  TypeEmoticon,
	"item_class_5":  TypeBoosterPack,
	"item_class_6":  TypeConsumable,
	"item_class_7":  TypeSteamGems,
	"item_class_8":  TypeProfileModifier,
	"item_class_10": TypeSaleItem,
	"item_class_11": TypeSticker,
	"item_class_12": TypeChatEffect,
	"item_class_13": TypeMiniProfileBackground,
	"item_class_14": TypeAvatarProfileFrame,
	"item_class_15": TypeAnimatedAvatar,
	"item_class_16": TypeKeyboardSkin,
}

// TypeFromTags derives the item type from description tags. A trading card
// with a foil card border is reported as a foil card.
func TypeFromTags(tags []Tag) ItemType {
	itemType := TypeUnknown
	foil := false
	for _, tag := range tags {
		switch tag.Category {
		case "item_class":
			if t, ok := itemClassTypes[tag.InternalName]; ok {
				itemType = t
			}
		case "cardborder":
			if tag.InternalName == "cardborder_1" {
				foil = true
			}
		}
	}
	if itemType == TypeTradingCard && foil {
		return TypeFoilTradingCard
	}
	return itemType
}

// RarityFromTags derives the rarity from the droprate tag.
func RarityFromTags(tags []Tag) Rarity {
	for _, tag := range tags {
		if tag.Category != "droprate" {
			continue
		}
		switch tag.InternalName {
		case "droprate_0":
			return RarityCommon
		case "droprate_1":
			return RarityUncommon
		case "droprate_2":
			return RarityRare
		}
	}
	return RarityUnknown
}

// RealAppID extracts the real application ID, preferring the market fee app
// and falling back to the numeric prefix of the market hash name
// ("440-Strange Part" → 440).
func RealAppID(marketFeeApp uint32, marketHashName string) uint32 {
	if marketFeeApp != 0 {
		return marketFeeApp
	}
	if idx := strings.IndexByte(marketHashName, '-'); idx > 0 {
		if n, err := strconv.ParseUint(marketHashName[:idx], 10, 32); err == nil {
			return uint32(n)
		}
	}
	return 0
}
