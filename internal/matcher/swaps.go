package matcher

import (
	"fmt"
	"sort"

	"github.com/okatkov/tradematch/internal/inventory"
)

// assetPool groups concrete tradable assets by set and class so swaps can be
// realised as actual asset IDs.
type assetPool map[inventory.SetKey]map[uint64][]*inventory.Asset

func buildPool(assets []*inventory.Asset) assetPool {
	pool := make(assetPool)
	for _, a := range assets {
		key := a.SetKey()
		byClass, ok := pool[key]
		if !ok {
			byClass = make(map[uint64][]*inventory.Asset)
			pool[key] = byClass
		}
		byClass[a.ClassID] = append(byClass[a.ClassID], a)
	}
	return pool
}

func (p assetPool) pop(key inventory.SetKey, classID uint64) *inventory.Asset {
	list := p[key][classID]
	if len(list) == 0 {
		return nil
	}
	a := list[len(list)-1]
	p[key][classID] = list[:len(list)-1]
	return a
}

// swapPlan is the outcome of matching one partner: the concrete assets to
// exchange plus a commit that applies the virtual state changes after a
// successful dispatch.
type swapPlan struct {
	give    []*inventory.Asset
	receive []*inventory.Asset
	commit  func()
}

func (s *swapPlan) giveIDs() []uint64 {
	ids := make([]uint64, 0, len(s.give))
	for _, a := range s.give {
		ids = append(ids, a.AssetID)
	}
	return ids
}

func (s *swapPlan) receiveIDs() []uint64 {
	ids := make([]uint64, 0, len(s.receive))
	for _, a := range s.receive {
		ids = append(ids, a.AssetID)
	}
	return ids
}

// computeSwaps finds a neutral exchange against one partner. It works on set
// copies; nothing touches the real states until commit runs. Per set, each
// swap gives away one copy of a class we hold at least twice and takes one
// copy of a class we hold strictly fewer of, so our duplicate count only
// goes down. The exchange is capped one below the per-trade item limit so a
// dispatched offer never needs an unbalanced final item.
func computeSwaps(full, tradable inventory.State, ourPool assetPool, theirAssets []*inventory.Asset, wantedSets map[inventory.SetKey]bool, maxItemsPerTrade int) *swapPlan {
	theirPool := buildPool(theirAssets)

	plan := &swapPlan{}
	itemsInTrade := 0
	limit := maxItemsPerTrade - 1

	type setCommit struct {
		key         inventory.SetKey
		ourFull     map[uint64]uint32
		ourTradable map[uint64]uint32
		givenAssets []*inventory.Asset
	}
	var commits []setCommit

	// Tracks how many assets of each class were already planned away, so a
	// class swapped twice yields two distinct assets.
	type poolRef struct {
		key     inventory.SetKey
		classID uint64
	}
	taken := make(map[poolRef]int)
	peek := func(key inventory.SetKey, classID uint64) *inventory.Asset {
		list := ourPool[key][classID]
		ref := poolRef{key, classID}
		idx := len(list) - 1 - taken[ref]
		if idx < 0 {
			return nil
		}
		taken[ref]++
		return list[idx]
	}

	keys := make([]inventory.SetKey, 0, len(wantedSets))
	for key := range wantedSets {
		keys = append(keys, key)
	}
	// Deterministic set order keeps rounds reproducible.
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.RealAppID != b.RealAppID {
			return a.RealAppID < b.RealAppID
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Rarity < b.Rarity
	})

	for _, key := range keys {
		if itemsInTrade >= limit {
			break
		}

		ourFull := full.CloneSet(key)
		ourTradable := tradable.CloneSet(key)
		theirClasses := theirPool[key]
		if len(theirClasses) == 0 {
			continue
		}

		sc := setCommit{key: key, ourFull: ourFull, ourTradable: ourTradable}
		swapped := false

		for itemsInTrade < limit {
			giveClass, receiveClass := pickSwap(ourFull, ourTradable, theirClasses)
			if giveClass == 0 {
				break
			}

			giveAsset := peek(key, giveClass)
			receiveAsset := theirPool.pop(key, receiveClass)
			if giveAsset == nil || receiveAsset == nil {
				break
			}

			plan.give = append(plan.give, giveAsset)
			plan.receive = append(plan.receive, receiveAsset)
			sc.givenAssets = append(sc.givenAssets, giveAsset)

			ourFull[giveClass]--
			ourTradable[giveClass]--
			ourFull[receiveClass]++
			itemsInTrade += 2
			swapped = true
		}

		if swapped {
			commits = append(commits, sc)
		}
	}

	if len(plan.give) == 0 {
		return nil
	}

	plan.commit = func() {
		for _, sc := range commits {
			full[sc.key] = sc.ourFull
			tradable[sc.key] = sc.ourTradable
			for _, a := range sc.givenAssets {
				removeFromPool(ourPool, sc.key, a)
			}
		}
	}
	return plan
}

// pickSwap selects the next give/receive class pair within one set. Give
// candidates are our duplicated tradable classes, most-held first; the
// receive candidate is the partner class we hold fewest of. The swap only
// stands when giving reduces a surplus deeper than what receiving creates.
func pickSwap(ourFull, ourTradable map[uint64]uint32, theirClasses map[uint64][]*inventory.Asset) (giveClass, receiveClass uint64) {
	var giveCandidates []uint64
	for classID, amount := range ourTradable {
		if amount > 0 && ourFull[classID] >= 2 {
			giveCandidates = append(giveCandidates, classID)
		}
	}
	sort.Slice(giveCandidates, func(i, j int) bool {
		a, b := giveCandidates[i], giveCandidates[j]
		if ourFull[a] != ourFull[b] {
			return ourFull[a] > ourFull[b]
		}
		return a < b
	})

	for _, give := range giveCandidates {
		best := uint64(0)
		bestAmount := uint32(0)
		for classID, assets := range theirClasses {
			if classID == give || len(assets) == 0 {
				continue
			}
			if ourFull[give] <= ourFull[classID]+1 {
				continue
			}
			if best == 0 || ourFull[classID] < bestAmount ||
				(ourFull[classID] == bestAmount && classID < best) {
				best = classID
				bestAmount = ourFull[classID]
			}
		}
		if best != 0 {
			return give, best
		}
	}
	return 0, 0
}

func removeFromPool(pool assetPool, key inventory.SetKey, asset *inventory.Asset) {
	list := pool[key][asset.ClassID]
	for i, a := range list {
		if a.AssetID == asset.AssetID {
			pool[key][asset.ClassID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// checkFairExchange verifies the plan is item-neutral: equal totals overall
// and equal counts within every single set. A violation means the planner is
// broken and the whole round must abort before anything is dispatched.
func checkFairExchange(plan *swapPlan) error {
	if len(plan.give) != len(plan.receive) {
		return fmt.Errorf("unbalanced exchange: give %d, receive %d",
			len(plan.give), len(plan.receive))
	}

	perSet := make(map[inventory.SetKey]int)
	for _, a := range plan.give {
		perSet[a.SetKey()]++
	}
	for _, a := range plan.receive {
		perSet[a.SetKey()]--
	}
	for key, diff := range perSet {
		if diff != 0 {
			return fmt.Errorf("unbalanced exchange in set %v: off by %d", key, diff)
		}
	}
	return nil
}
