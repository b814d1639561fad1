// Package matcher implements active duplicate matching: the bot walks the
// directory listing and initiates item-neutral trades that reduce its own
// duplicate counts.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/directory"
	"github.com/okatkov/tradematch/internal/events"
	"github.com/okatkov/tradematch/internal/inventory"
	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
)

const (
	maxRounds             = 10
	delayBetweenRounds    = 5 * time.Minute
	maxCandidatesPerRound = 40
	// After this many consecutive candidates yield nothing, the listing is
	// unlikely to hold anything for us and the round gives up early.
	maxEmptyMatches = 20
)

// Account exposes the bot state the matcher consults before and during a run.
type Account interface {
	IsConnected() bool
	TradingPreferences() store.TradingPreferences
	MatchableTypes() []inventory.ItemType
}

// Eligibility is the announcement engine's listing verdict, re-used as the
// matching precondition.
type Eligibility interface {
	IsEligible(ctx context.Context) (bool, error)
}

// Confirmer accepts mobile confirmations for dispatched offers.
type Confirmer interface {
	ConfirmTrades(ctx context.Context, offerIDs []uint64) error
}

// LogConfirmer stands in where no mobile confirmation handler is wired. It
// records the offers that now await manual confirmation on the device.
type LogConfirmer struct{}

func (LogConfirmer) ConfirmTrades(_ context.Context, offerIDs []uint64) error {
	slog.Info("offers await mobile confirmation", "offerIDs", offerIDs)
	return nil
}

// Matcher drives active matching for one bot.
type Matcher struct {
	cfg       *config.Config
	client    *steam.Client
	dir       *directory.Client
	bus       *events.Bus
	st        *store.SQLiteStore
	account   Account
	eligible  Eligibility
	confirmer Confirmer

	// One run at a time; overlapping triggers are dropped, not queued.
	running *semaphore.Weighted

	// Guards the virtual inventory against concurrent trading paths.
	tradingMu sync.Mutex

	mu    sync.Mutex
	tried map[uint64]*TriedPartner
}

func New(cfg *config.Config, client *steam.Client, dir *directory.Client, bus *events.Bus, st *store.SQLiteStore, account Account, eligible Eligibility, confirmer Confirmer) *Matcher {
	return &Matcher{
		cfg:       cfg,
		client:    client,
		dir:       dir,
		bus:       bus,
		st:        st,
		account:   account,
		eligible:  eligible,
		confirmer: confirmer,
		running:   semaphore.NewWeighted(1),
		tried:     make(map[uint64]*TriedPartner),
	}
}

// ensureAttempt returns the partner's history, constructing it on first use.
func (m *Matcher) ensureAttempt(steamID uint64) *TriedPartner {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tried[steamID]
	if !ok {
		t = newTriedPartner()
		m.tried[steamID] = t
	}
	return t
}

// triesFor reads a partner's try count without creating history.
func (m *Matcher) triesFor(steamID uint64) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tried[steamID]; ok {
		return t.Tries
	}
	return 0
}

// MatchActively runs a full matching session of up to ten rounds. A session
// already in progress makes this call a no-op.
func (m *Matcher) MatchActively(ctx context.Context) error {
	if m.dir == nil {
		return nil
	}
	if !m.running.TryAcquire(1) {
		slog.Debug("active matching already in progress")
		return nil
	}
	defer m.running.Release(1)

	if !m.account.IsConnected() {
		return nil
	}
	prefs := m.account.TradingPreferences()
	if !prefs.Has(store.PrefMatchActively) || prefs.Has(store.PrefMatchEverything) {
		return nil
	}

	ok, err := m.eligible.IsEligible(ctx)
	if err != nil {
		return fmt.Errorf("eligibility: %w", err)
	}
	if !ok {
		return nil
	}

	m.publish(events.EventMatchStart, 0, "active matching started")
	defer m.publish(events.EventMatchDone, 0, "active matching finished")

	// Partner history is scoped to one pass; a later pass starts clean.
	defer func() {
		m.mu.Lock()
		m.tried = make(map[uint64]*TriedPartner)
		m.mu.Unlock()
	}()

	for round := 0; round < maxRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delayBetweenRounds):
			}

			ok, err := m.eligible.IsEligible(ctx)
			if err != nil || !ok {
				return err
			}
		}

		again, err := m.matchActivelyRound(ctx)
		if err != nil {
			return fmt.Errorf("round %d: %w", round+1, err)
		}
		if !again {
			break
		}
	}
	return nil
}

// matchActivelyRound walks the candidate list once. It reports whether
// another round could still make progress.
func (m *Matcher) matchActivelyRound(ctx context.Context) (bool, error) {
	m.tradingMu.Lock()
	defer m.tradingMu.Unlock()

	ourTypes := make(map[inventory.ItemType]bool)
	for _, t := range m.account.MatchableTypes() {
		if inventory.AcceptedMatchableTypes[t] {
			ourTypes[t] = true
		}
	}
	if len(ourTypes) == 0 {
		return false, nil
	}

	// The own fetch must see every copy, tradable or not: the swap guard
	// compares full ownership, and filtering here would collapse full onto
	// tradable and let swaps through that gain classes we already hold.
	ourAssets, err := m.client.GetInventory(ctx, m.client.SteamID(),
		inventory.CommunityAppID, inventory.CommunityContextID,
		&steam.InventoryFilter{Types: ourTypes})
	if err != nil {
		return false, fmt.Errorf("own inventory: %w", err)
	}

	full, tradable := inventory.Partition(ourAssets)
	if !tradable.HasDupes() {
		slog.Info("no duplicates left to match", "steamID", m.client.SteamID())
		return false, nil
	}

	// Only tradable copies may actually leave the account.
	var giveable []*inventory.Asset
	for _, a := range ourAssets {
		if a.Tradable {
			giveable = append(giveable, a)
		}
	}
	ourPool := buildPool(giveable)

	listed, err := m.dir.ListBots(ctx)
	if err != nil {
		return false, fmt.Errorf("directory listing: %w", err)
	}

	candidates, err := m.selectCandidates(ctx, listed, ourTypes)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	tradableOnly := true
	emptyMatches := 0
	matchedAny := false

	for _, user := range candidates {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !tradable.HasDupes() {
			break
		}

		wantedSets := m.wantedSets(tradable, user, ourTypes)
		if len(wantedSets) == 0 {
			continue
		}

		tried := m.ensureAttempt(user.SteamID)

		theirAssets, err := m.client.GetInventory(ctx, user.SteamID,
			inventory.CommunityAppID, inventory.CommunityContextID,
			&steam.InventoryFilter{Tradable: &tradableOnly, Sets: wantedSets})
		if err != nil {
			slog.Debug("partner inventory unavailable",
				"partner", user.SteamID, "error", err)
			tried.bumpTries()
			continue
		}

		// Up to the per-account offer cap against one partner. Each
		// committed plan feeds its inventory deltas into the next, and the
		// assets it received leave the partner's working pool.
		consumedSets := make(map[inventory.SetKey]bool)
		for trades := 0; trades < m.cfg.MaxTradesPerAccount; trades++ {
			plan := computeSwaps(full, tradable, ourPool, theirAssets, wantedSets, m.cfg.MaxItemsPerTrade)
			if plan == nil {
				break
			}

			if err := checkFairExchange(plan); err != nil {
				// Planner bug. Abort before anything goes out.
				return false, err
			}

			giveIDs, receiveIDs := plan.giveIDs(), plan.receiveIDs()
			if tried.isRepeat(giveIDs, receiveIDs) {
				tried.Tries = triesExhausted
				break
			}

			results, err := m.client.SendTradeOffer(ctx, user.SteamID,
				plan.give, plan.receive, user.TradeToken, false)
			tried.bumpTries()
			if err != nil {
				slog.Warn("trade offer failed", "partner", user.SteamID, "error", err)
				break
			}

			tried.recordOffer(giveIDs, receiveIDs)
			plan.commit()
			for _, a := range plan.give {
				consumedSets[a.SetKey()] = true
			}
			theirAssets = withoutAssets(theirAssets, receiveIDs)
			matchedAny = true

			m.confirmAndLog(ctx, user.SteamID, plan, results)
		}

		if len(consumedSets) == 0 {
			// A partner with nothing for us on a still-clean round will not
			// grow anything for us later in this pass either.
			if !matchedAny {
				tried.Tries = triesExhausted
			}
			emptyMatches++
			if emptyMatches >= maxEmptyMatches {
				break
			}
			continue
		}
		emptyMatches = 0

		// Sets traded with this partner are finished for the round; later
		// candidates work the remainder.
		for key := range consumedSets {
			delete(full, key)
			delete(tradable, key)
		}
	}

	return matchedAny, nil
}

// withoutAssets removes dispatched receive assets from the partner's
// remaining inventory.
func withoutAssets(assets []*inventory.Asset, ids []uint64) []*inventory.Asset {
	gone := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	kept := assets[:0]
	for _, a := range assets {
		if !gone[a.AssetID] {
			kept = append(kept, a)
		}
	}
	return kept
}

// selectCandidates filters and orders the directory listing: never ourselves,
// never a blacklisted or exhausted partner, only partners overlapping our
// matchable types. Least-tried first, most promising score within equal
// tries, capped per round.
func (m *Matcher) selectCandidates(ctx context.Context, listed []*directory.ListedUser, ourTypes map[inventory.ItemType]bool) ([]*directory.ListedUser, error) {
	var candidates []*directory.ListedUser
	for _, user := range listed {
		if user.SteamID == m.client.SteamID() {
			continue
		}
		if m.triesFor(user.SteamID) >= triesExhausted {
			continue
		}
		if !typesOverlap(user, ourTypes) {
			continue
		}
		if m.st != nil {
			blocked, err := m.st.IsBlacklisted(ctx, m.client.SteamID(), user.SteamID)
			if err != nil {
				return nil, fmt.Errorf("blacklist: %w", err)
			}
			if blocked {
				continue
			}
		}
		candidates = append(candidates, user)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := m.triesFor(candidates[i].SteamID), m.triesFor(candidates[j].SteamID)
		if ti != tj {
			return ti < tj
		}
		return candidates[i].Score() > candidates[j].Score()
	})

	if len(candidates) > maxCandidatesPerRound {
		candidates = candidates[:maxCandidatesPerRound]
	}
	return candidates, nil
}

func typesOverlap(user *directory.ListedUser, ourTypes map[inventory.ItemType]bool) bool {
	if user.MatchEverything {
		return true
	}
	for t := range user.MatchableTypes() {
		if ourTypes[t] {
			return true
		}
	}
	return false
}

// wantedSets are the sets where we still hold duplicates and the partner
// matches the set's item type.
func (m *Matcher) wantedSets(tradable inventory.State, user *directory.ListedUser, ourTypes map[inventory.ItemType]bool) map[inventory.SetKey]bool {
	theirTypes := user.MatchableTypes()
	wanted := make(map[inventory.SetKey]bool)
	for key := range tradable {
		if !ourTypes[key.Type] {
			continue
		}
		if !user.MatchEverything && !theirTypes[key.Type] {
			continue
		}
		if tradable.SetHasDupes(key) {
			wanted[key] = true
		}
	}
	return wanted
}

func (m *Matcher) confirmAndLog(ctx context.Context, partner uint64, plan *swapPlan, results []steam.TradeOfferResult) {
	var needConfirm []uint64
	for _, r := range results {
		if r.RequiresMobileConfirmation {
			needConfirm = append(needConfirm, r.OfferID)
		}

		if m.st == nil {
			continue
		}
		if err := m.st.InsertTrade(ctx, &store.TradeRecord{
			BotSteamID:     m.client.SteamID(),
			PartnerSteamID: partner,
			OfferID:        r.OfferID,
			ItemsGiven:     len(plan.give),
			ItemsReceived:  len(plan.receive),
		}); err != nil {
			slog.Warn("recording trade failed", "offerID", r.OfferID, "error", err)
		}
	}

	if len(needConfirm) > 0 && m.confirmer != nil {
		if err := m.confirmer.ConfirmTrades(ctx, needConfirm); err != nil {
			slog.Warn("confirming trades failed", "error", err)
		}
	}

	m.publish(events.EventTradeSent, partner,
		fmt.Sprintf("sent %d offer(s), %d items each way", len(results), len(plan.give)))
}

func (m *Matcher) publish(t events.EventType, partner uint64, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:    t,
		SteamID: m.client.SteamID(),
		Partner: partner,
		Message: msg,
	})
}
