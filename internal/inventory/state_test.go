package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func card(assetID, classID uint64, tradable bool) *Asset {
	return &Asset{
		AssetID:    assetID,
		ClassID:    classID,
		ContextID:  CommunityContextID,
		AppID:      CommunityAppID,
		RealAppID:  440,
		Amount:     1,
		Type:       TypeTradingCard,
		Rarity:     RarityCommon,
		Tradable:   tradable,
	}
}

func TestPartition(t *testing.T) {
	assets := []*Asset{
		card(1, 100, true),
		card(2, 100, true),
		card(3, 100, false),
		card(4, 200, false),
	}

	full, tradable := Partition(assets)
	key := assets[0].SetKey()

	assert.EqualValues(t, 3, full[key][100])
	assert.EqualValues(t, 1, full[key][200])
	assert.EqualValues(t, 2, tradable[key][100])
	assert.EqualValues(t, 0, tradable[key][200])

	assert.True(t, tradable.Within(full), "tradable counts never exceed full counts")
}

func TestHasDupes(t *testing.T) {
	_, tradable := Partition([]*Asset{card(1, 100, true), card(2, 200, true)})
	assert.False(t, tradable.HasDupes(), "singletons are not dupes")

	_, tradable = Partition([]*Asset{card(1, 100, true), card(2, 100, true)})
	assert.True(t, tradable.HasDupes())

	key := card(1, 100, true).SetKey()
	assert.True(t, tradable.SetHasDupes(key))
	assert.False(t, tradable.SetHasDupes(SetKey{RealAppID: 570, Type: TypeTradingCard, Rarity: RarityCommon}))
}

func TestCloneIsIndependent(t *testing.T) {
	full, _ := Partition([]*Asset{card(1, 100, true), card(2, 100, true)})
	key := card(1, 100, true).SetKey()

	clone := full.Clone()
	clone[key][100] = 99
	assert.EqualValues(t, 2, full[key][100], "mutating the clone must not touch the original")

	setCopy := full.CloneSet(key)
	setCopy[100] = 0
	assert.EqualValues(t, 2, full[key][100])
}

func TestWithin(t *testing.T) {
	outer := NewState()
	key := SetKey{RealAppID: 440, Type: TypeTradingCard, Rarity: RarityCommon}
	outer.Add(key, 100, 2)

	inner := NewState()
	inner.Add(key, 100, 2)
	require.True(t, inner.Within(outer))

	inner.Add(key, 100, 1)
	assert.False(t, inner.Within(outer))

	other := NewState()
	other.Add(key, 300, 1)
	assert.False(t, other.Within(outer), "class absent from outer is not within")
}
