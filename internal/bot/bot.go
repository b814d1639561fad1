// Package bot runs one account: it owns the web client session, feeds the
// announcement engine, and schedules active matching.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okatkov/tradematch/internal/announce"
	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/events"
	"github.com/okatkov/tradematch/internal/inventory"
	"github.com/okatkov/tradematch/internal/matcher"
	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
)

const (
	heartBeatTick = time.Minute

	// Active matching baseline: first run after an hour, then every eight.
	// The load balancing delay staggers multi-account setups on top.
	activeMatchInitialDelay = time.Hour
	activeMatchPeriod       = 8 * time.Hour
)

// SessionRenewer renegotiates platform credentials and re-initialises the
// web session. Plugged in by whatever owns the platform connection.
type SessionRenewer interface {
	RenewWebSession(ctx context.Context, client *steam.Client) error
}

// Bot is the per-account harness.
type Bot struct {
	cfg     *config.Config
	record  *store.BotRecord
	client  *steam.Client
	engine  *announce.Engine
	matcher *matcher.Matcher
	bus     *events.Bus
	renewer SessionRenewer

	// Position among configured accounts, used to stagger matching.
	accountCount int

	mu            sync.RWMutex
	connected     bool
	loggedOn      bool
	nickname      string
	avatarHash    string
	hasMobileAuth bool

	personaCh chan struct{}
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg *config.Config, record *store.BotRecord, bus *events.Bus, renewer SessionRenewer, accountCount int) *Bot {
	return &Bot{
		cfg:          cfg,
		record:       record,
		bus:          bus,
		renewer:      renewer,
		accountCount: accountCount,
		nickname:     record.Nickname,
		personaCh:    make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// SetClient installs the web client. The client needs the bot as its session
// host, so it cannot exist before the bot does.
func (b *Bot) SetClient(client *steam.Client) { b.client = client }

// Attach wires the announcement engine and matcher after construction; both
// need the bot as their account callback, so they cannot exist first.
func (b *Bot) Attach(engine *announce.Engine, m *matcher.Matcher) {
	b.engine = engine
	b.matcher = m
}

// ---------------------------------------------------------------------------
// steam.SessionHost
// ---------------------------------------------------------------------------

func (b *Bot) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bot) LoggedOn() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loggedOn
}

func (b *Bot) RenewWebSession(ctx context.Context) error {
	if b.renewer == nil {
		return fmt.Errorf("no session renewer configured")
	}
	if err := b.renewer.RenewWebSession(ctx, b.client); err != nil {
		return err
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:    events.EventSessionReset,
			SteamID: b.record.SteamID,
			Message: "web session renewed",
		})
	}
	return nil
}

// ---------------------------------------------------------------------------
// announce.Account / matcher.Account
// ---------------------------------------------------------------------------

func (b *Bot) IsConnected() bool { return b.Connected() }

func (b *Bot) Nickname() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.nickname != "" {
		return b.nickname
	}
	return b.record.Nickname
}

func (b *Bot) AvatarHash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.avatarHash
}

func (b *Bot) HasMobileAuthenticator() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasMobileAuth
}

func (b *Bot) TradingPreferences() store.TradingPreferences {
	return b.record.TradingPreferences
}

func (b *Bot) MatchableTypes() []inventory.ItemType {
	types := make([]inventory.ItemType, 0, len(b.record.MatchableTypes))
	for _, t := range b.record.MatchableTypes {
		types = append(types, inventory.ItemType(t))
	}
	return types
}

// RequestPersonaState nudges the persona loop; coalesces while one is
// pending.
func (b *Bot) RequestPersonaState() {
	select {
	case b.personaCh <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Lifecycle callbacks
// ---------------------------------------------------------------------------

// OnConnected marks the platform link up or down.
func (b *Bot) OnConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	if !connected {
		b.loggedOn = false
	}
	b.mu.Unlock()
}

// OnLoggedOn records a completed logon and lets the engine join the group.
func (b *Bot) OnLoggedOn(ctx context.Context, hasMobileAuth bool) {
	b.mu.Lock()
	b.loggedOn = true
	b.hasMobileAuth = hasMobileAuth
	b.mu.Unlock()

	if b.engine != nil {
		b.engine.OnLoggedOn(ctx)
	}
	b.RequestPersonaState()
}

// OnPersonaState records fresh persona data and triggers a listing
// re-evaluation.
func (b *Bot) OnPersonaState(nickname, avatarHash string) {
	b.mu.Lock()
	if nickname != "" {
		b.nickname = nickname
	}
	b.avatarHash = avatarHash
	b.mu.Unlock()
	b.RequestPersonaState()
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Start launches the heartbeat and matching loops.
func (b *Bot) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bot) run(ctx context.Context) {
	defer b.wg.Done()

	heartBeat := time.NewTicker(heartBeatTick)
	defer heartBeat.Stop()

	matchDelay := activeMatchInitialDelay +
		b.cfg.LoadBalancingDelay*time.Duration(b.accountCount)
	match := time.NewTimer(matchDelay)
	defer match.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return

		case <-b.personaCh:
			if b.engine == nil {
				continue
			}
			if err := b.engine.OnPersonaState(ctx); err != nil {
				slog.Debug("announcement attempt failed",
					"steamID", b.record.SteamID, "error", err)
			}

		case <-heartBeat.C:
			if b.engine == nil {
				continue
			}
			if err := b.engine.OnHeartBeat(ctx); err != nil {
				slog.Debug("heartbeat failed",
					"steamID", b.record.SteamID, "error", err)
			}

		case <-match.C:
			match.Reset(activeMatchPeriod)
			if b.matcher == nil {
				continue
			}
			if err := b.matcher.MatchActively(ctx); err != nil {
				slog.Warn("active matching failed",
					"steamID", b.record.SteamID, "error", err)
			}
		}
	}
}
