// Package announce keeps a bot listed on the matching directory: one
// announcement when the inventory is worth listing, heartbeats to keep the
// listing alive afterwards.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okatkov/tradematch/internal/directory"
	"github.com/okatkov/tradematch/internal/events"
	"github.com/okatkov/tradematch/internal/inventory"
	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
)

const (
	// A fresh announcement is valid this long; within it, heartbeats suffice.
	announcementTTL = 6 * time.Hour

	// Minimum spacing between heartbeats.
	heartBeatTTL = 10 * time.Minute

	// How often we ask the platform for a fresh persona state while unlisted.
	personaStateTTL = 8 * time.Hour

	// Inventories below this are not worth listing.
	MinItemsForListing = 100

	// Community group of the matching directory, joined on logon.
	matchingGroupID = 103582791440160998
)

// Account exposes the bot metadata the engine needs. Implemented by the bot
// harness.
type Account interface {
	Nickname() string
	AvatarHash() string
	HasMobileAuthenticator() bool
	TradingPreferences() store.TradingPreferences
	MatchableTypes() []inventory.ItemType

	// RequestPersonaState asks the platform to push a fresh persona state,
	// which re-enters the engine through OnPersonaState.
	RequestPersonaState()
}

// Engine drives announcements and heartbeats for one bot.
type Engine struct {
	client  *steam.Client
	dir     *directory.Client
	bus     *events.Bus
	st      *store.SQLiteStore
	account Account
	guid    string

	// Serialises directory requests; concurrent triggers are dropped.
	requestMu sync.Mutex

	stateMu sync.Mutex
	// Last time we reached a verdict about the listing, successful or not.
	lastAnnouncement   time.Time
	lastHeartBeat      time.Time
	lastPersonaRequest time.Time
	// While false, heartbeats stop and the next persona state re-evaluates.
	shouldSendHeartBeats bool
}

func NewEngine(client *steam.Client, dir *directory.Client, bus *events.Bus, st *store.SQLiteStore, account Account, guid string) *Engine {
	return &Engine{
		client:  client,
		dir:     dir,
		bus:     bus,
		st:      st,
		account: account,
		guid:    guid,
	}
}

// SeedTimes restores persisted engine timestamps across restarts.
func (e *Engine) SeedTimes(lastAnnounce, lastHeartBeat time.Time) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastAnnouncement = lastAnnounce
	e.lastHeartBeat = lastHeartBeat
	e.shouldSendHeartBeats = !lastHeartBeat.IsZero() &&
		time.Since(lastAnnounce) < announcementTTL
}

// ShouldSendHeartBeats reports whether the listing is currently alive.
func (e *Engine) ShouldSendHeartBeats() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.shouldSendHeartBeats
}

// OnLoggedOn joins the directory's community group, best-effort.
func (e *Engine) OnLoggedOn(ctx context.Context) {
	if e.dir == nil {
		return
	}
	if err := e.client.JoinGroup(ctx, matchingGroupID); err != nil {
		slog.Warn("joining matching group failed", "error", err)
	}
}

// OnPersonaState re-evaluates the listing. It runs at most once at a time;
// concurrent triggers are dropped.
func (e *Engine) OnPersonaState(ctx context.Context) error {
	if e.dir == nil {
		return nil
	}
	if !e.requestMu.TryLock() {
		return nil
	}
	defer e.requestMu.Unlock()

	e.stateMu.Lock()
	covered := time.Since(e.lastAnnouncement) < announcementTTL && e.shouldSendHeartBeats
	e.stateMu.Unlock()
	if covered {
		return nil
	}

	eligible, err := e.IsEligible(ctx)
	if err != nil {
		// Transient failure. Stop heartbeats but leave the verdict
		// unrecorded so the next persona state retries promptly.
		e.stopHeartBeats(false)
		return fmt.Errorf("eligibility: %w", err)
	}
	if !eligible {
		e.stopHeartBeats(true)
		return nil
	}

	tradeToken, ok := e.client.TradeToken(ctx)
	if !ok || tradeToken == "" {
		e.stopHeartBeats(false)
		return fmt.Errorf("trade token unavailable")
	}

	assets, err := e.tradableMatchableInventory(ctx)
	if err != nil {
		e.stopHeartBeats(false)
		return fmt.Errorf("inventory: %w", err)
	}
	if len(assets) < MinItemsForListing {
		slog.Info("inventory too small to list",
			"steamID", e.client.SteamID(), "items", len(assets))
		e.stopHeartBeats(true)
		return nil
	}

	ann := &directory.Announcement{
		SteamID:         e.client.SteamID(),
		Guid:            e.guid,
		Nickname:        e.account.Nickname(),
		AvatarHash:      e.account.AvatarHash(),
		TradeToken:      tradeToken,
		GamesCount:      distinctGames(assets),
		ItemsCount:      len(assets),
		MatchableTypes:  e.acceptedTypes(),
		MatchEverything: e.account.TradingPreferences().Has(store.PrefMatchEverything),
	}

	if err := e.dir.Announce(ctx, ann); err != nil {
		if errors.Is(err, directory.ErrRejected) {
			// Terminal for this announcement cycle.
			e.stopHeartBeats(true)
			return err
		}
		e.stopHeartBeats(false)
		return err
	}

	now := time.Now()
	e.stateMu.Lock()
	e.lastAnnouncement = now
	e.lastHeartBeat = now
	e.shouldSendHeartBeats = true
	e.stateMu.Unlock()

	e.persistTimes(ctx)
	e.publish(events.EventAnnounce, fmt.Sprintf("announced %d items across %d games",
		ann.ItemsCount, ann.GamesCount))
	return nil
}

// OnHeartBeat runs on the bot's ticker. It keeps an alive listing warm and
// requests a persona refresh once both TTLs lapsed.
func (e *Engine) OnHeartBeat(ctx context.Context) error {
	if e.dir == nil {
		return nil
	}

	e.stateMu.Lock()
	beating := e.shouldSendHeartBeats
	sinceBeat := time.Since(e.lastHeartBeat)
	sinceAnnounce := time.Since(e.lastAnnouncement)
	sincePersona := time.Since(e.lastPersonaRequest)
	e.stateMu.Unlock()

	// A lapsed announcement needs a fresh persona state to re-announce,
	// whether the old listing still beats or already died.
	if sincePersona >= personaStateTTL && sinceAnnounce >= announcementTTL {
		e.stateMu.Lock()
		e.lastPersonaRequest = time.Now()
		e.stateMu.Unlock()
		e.account.RequestPersonaState()
	}

	if !beating {
		return nil
	}

	if sinceBeat < heartBeatTTL {
		return nil
	}
	if !e.requestMu.TryLock() {
		return nil
	}
	defer e.requestMu.Unlock()

	if err := e.dir.HeartBeat(ctx, e.client.SteamID(), e.guid); err != nil {
		if errors.Is(err, directory.ErrRejected) {
			e.stopHeartBeats(false)
			e.publish(events.EventHeartBeatStop, "listing rejected, heartbeats stopped")
			return err
		}
		// Transient; next tick retries.
		return err
	}

	e.stateMu.Lock()
	e.lastHeartBeat = time.Now()
	e.stateMu.Unlock()

	e.persistTimes(ctx)
	e.publish(events.EventHeartBeat, "heartbeat")
	return nil
}

// IsEligible reports whether the bot may be listed at all. A nil error means
// the verdict is definitive; an error means it could not be reached.
func (e *Engine) IsEligible(ctx context.Context) (bool, error) {
	if !e.account.HasMobileAuthenticator() {
		return false, nil
	}
	if !e.account.TradingPreferences().Has(store.PrefSteamTradeMatcher) {
		return false, nil
	}
	if len(e.acceptedTypes()) == 0 {
		return false, nil
	}

	apiKey, ok := e.client.WebAPIKey(ctx)
	if !ok {
		return false, fmt.Errorf("web api key unavailable")
	}
	if apiKey == "" {
		return false, nil
	}

	public, err := e.client.HasPublicInventory(ctx, e.client.SteamID())
	if err != nil {
		return false, err
	}
	return public, nil
}

// acceptedTypes intersects the bot's configured types with what the
// directory accepts.
func (e *Engine) acceptedTypes() []inventory.ItemType {
	var types []inventory.ItemType
	for _, t := range e.account.MatchableTypes() {
		if inventory.AcceptedMatchableTypes[t] {
			types = append(types, t)
		}
	}
	return types
}

func (e *Engine) tradableMatchableInventory(ctx context.Context) ([]*inventory.Asset, error) {
	tradable := true
	typeSet := make(map[inventory.ItemType]bool)
	for _, t := range e.acceptedTypes() {
		typeSet[t] = true
	}
	filter := &steam.InventoryFilter{Tradable: &tradable, Types: typeSet}
	return e.client.GetInventory(ctx, e.client.SteamID(),
		inventory.CommunityAppID, inventory.CommunityContextID, filter)
}

// stopHeartBeats disables the listing. When the verdict is definitive the
// check time is recorded so re-evaluation waits out the TTL; transient
// failures leave it unrecorded for a prompt retry.
func (e *Engine) stopHeartBeats(definitive bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.shouldSendHeartBeats = false
	e.lastHeartBeat = time.Time{}
	if definitive {
		e.lastAnnouncement = time.Now()
	}
}

func (e *Engine) persistTimes(ctx context.Context) {
	if e.st == nil {
		return
	}
	e.stateMu.Lock()
	lastAnnounce, lastBeat := e.lastAnnouncement, e.lastHeartBeat
	e.stateMu.Unlock()
	if err := e.st.SetBotAnnounceTimes(ctx, e.client.SteamID(), lastAnnounce, lastBeat); err != nil {
		slog.Warn("persisting announce times failed", "error", err)
	}
}

func (e *Engine) publish(t events.EventType, msg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, SteamID: e.client.SteamID(), Message: msg})
}

func distinctGames(assets []*inventory.Asset) int {
	apps := make(map[uint32]bool)
	for _, a := range assets {
		apps[a.RealAppID] = true
	}
	return len(apps)
}
