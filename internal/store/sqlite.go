package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	saltTradeToken   = "trade_token"
	saltAPIKey       = "api_key"
	saltParentalCode = "parental_code"
)

// BotRecord is one configured account. Secrets are decrypted on read and
// encrypted on write; the struct always carries plaintext.
type BotRecord struct {
	SteamID            uint64
	Nickname           string
	Enabled            bool
	Limited            bool
	TradingPreferences TradingPreferences
	MatchableTypes     []uint8
	TradeToken         string
	APIKey             string
	ParentalCode       string
	LastAnnounceAt     time.Time
	LastHeartBeatAt    time.Time
	CreatedAt          time.Time
}

// TradeRecord is one dispatched trade offer.
type TradeRecord struct {
	BotSteamID     uint64
	PartnerSteamID uint64
	OfferID        uint64
	ItemsGiven     int
	ItemsReceived  int
	CreatedAt      time.Time
}

// SQLiteStore persists bot records, the partner blacklist, the trade log and
// process metadata in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	crypto *Crypto
}

// New opens the database, applies pragmas and creates the schema.
func New(dbPath string, crypto *Crypto) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, crypto: crypto}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ---------------------------------------------------------------------------
// Bots
// ---------------------------------------------------------------------------

const botColumns = `steam_id, nickname, enabled, limited, trading_preferences,
	matchable_types, trade_token_enc, api_key_enc, parental_code_enc,
	last_announce_at, last_heartbeat_at, created_at`

func (s *SQLiteStore) GetBot(ctx context.Context, steamID uint64) (*BotRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE steam_id = ?`, int64(steamID))
	b, err := s.scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) ListBots(ctx context.Context) ([]*BotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots ORDER BY steam_id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var result []*BotRecord
	for rows.Next() {
		b, err := s.scanBot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpsertBot(ctx context.Context, b *BotRecord) error {
	if b.SteamID == 0 {
		return fmt.Errorf("upsert bot: zero steam id")
	}

	tokenEnc, err := s.crypto.Encrypt(b.TradeToken, saltTradeToken)
	if err != nil {
		return fmt.Errorf("encrypt trade token: %w", err)
	}
	keyEnc, err := s.crypto.Encrypt(b.APIKey, saltAPIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	codeEnc, err := s.crypto.Encrypt(b.ParentalCode, saltParentalCode)
	if err != nil {
		return fmt.Errorf("encrypt parental code: %w", err)
	}

	types, err := json.Marshal(b.MatchableTypes)
	if err != nil {
		return fmt.Errorf("marshal matchable types: %w", err)
	}

	created := b.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(steam_id) DO UPDATE SET
			nickname = excluded.nickname,
			enabled = excluded.enabled,
			limited = excluded.limited,
			trading_preferences = excluded.trading_preferences,
			matchable_types = excluded.matchable_types,
			trade_token_enc = excluded.trade_token_enc,
			api_key_enc = excluded.api_key_enc,
			parental_code_enc = excluded.parental_code_enc,
			last_announce_at = excluded.last_announce_at,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		int64(b.SteamID), b.Nickname, boolInt(b.Enabled), boolInt(b.Limited),
		int(b.TradingPreferences), string(types), tokenEnc, keyEnc, codeEnc,
		unixOrZero(b.LastAnnounceAt), unixOrZero(b.LastHeartBeatAt), created.Unix())
	if err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

// SetBotTradeToken stores a freshly resolved trade token.
func (s *SQLiteStore) SetBotTradeToken(ctx context.Context, steamID uint64, token string) error {
	enc, err := s.crypto.Encrypt(token, saltTradeToken)
	if err != nil {
		return fmt.Errorf("encrypt trade token: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE bots SET trade_token_enc = ? WHERE steam_id = ?`, enc, int64(steamID))
	return err
}

// SetBotAPIKey stores a freshly resolved web API key.
func (s *SQLiteStore) SetBotAPIKey(ctx context.Context, steamID uint64, key string) error {
	enc, err := s.crypto.Encrypt(key, saltAPIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE bots SET api_key_enc = ? WHERE steam_id = ?`, enc, int64(steamID))
	return err
}

// SetBotAnnounceTimes persists the announcement engine timestamps
// (best-effort; the in-memory state is authoritative).
func (s *SQLiteStore) SetBotAnnounceTimes(ctx context.Context, steamID uint64, lastAnnounce, lastHeartBeat time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_announce_at = ?, last_heartbeat_at = ? WHERE steam_id = ?`,
		unixOrZero(lastAnnounce), unixOrZero(lastHeartBeat), int64(steamID))
	return err
}

func (s *SQLiteStore) scanBot(row interface{ Scan(...any) error }) (*BotRecord, error) {
	var (
		steamID, prefs, announceAt, heartbeatAt, createdAt int64
		enabled, limited                                   int
		nickname, types, tokenEnc, keyEnc, codeEnc         string
	)
	if err := row.Scan(&steamID, &nickname, &enabled, &limited, &prefs,
		&types, &tokenEnc, &keyEnc, &codeEnc, &announceAt, &heartbeatAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}

	token, err := s.crypto.Decrypt(tokenEnc, saltTradeToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt trade token: %w", err)
	}
	key, err := s.crypto.Decrypt(keyEnc, saltAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	code, err := s.crypto.Decrypt(codeEnc, saltParentalCode)
	if err != nil {
		return nil, fmt.Errorf("decrypt parental code: %w", err)
	}

	b := &BotRecord{
		SteamID:            uint64(steamID),
		Nickname:           nickname,
		Enabled:            enabled != 0,
		Limited:            limited != 0,
		TradingPreferences: TradingPreferences(prefs),
		TradeToken:         token,
		APIKey:             key,
		ParentalCode:       code,
		LastAnnounceAt:     timeOrZero(announceAt),
		LastHeartBeatAt:    timeOrZero(heartbeatAt),
		CreatedAt:          time.Unix(createdAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(types), &b.MatchableTypes); err != nil {
		return nil, fmt.Errorf("unmarshal matchable types: %w", err)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Blacklist
// ---------------------------------------------------------------------------

func (s *SQLiteStore) IsBlacklisted(ctx context.Context, botSteamID, partnerSteamID uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blacklist WHERE bot_steam_id = ? AND partner_steam_id = ?`,
		int64(botSteamID), int64(partnerSteamID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) AddBlacklist(ctx context.Context, botSteamID, partnerSteamID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blacklist (bot_steam_id, partner_steam_id, created_at) VALUES (?, ?, ?)`,
		int64(botSteamID), int64(partnerSteamID), time.Now().Unix())
	return err
}

func (s *SQLiteStore) RemoveBlacklist(ctx context.Context, botSteamID, partnerSteamID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blacklist WHERE bot_steam_id = ? AND partner_steam_id = ?`,
		int64(botSteamID), int64(partnerSteamID))
	return err
}

// ---------------------------------------------------------------------------
// Trade log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *TradeRecord) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_log (bot_steam_id, partner_steam_id, offer_id, items_given, items_received, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(t.BotSteamID), int64(t.PartnerSteamID), int64(t.OfferID),
		t.ItemsGiven, t.ItemsReceived, created.Unix())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTrades(ctx context.Context, botSteamID uint64, limit int) ([]*TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_steam_id, partner_steam_id, offer_id, items_given, items_received, created_at
		FROM trade_log WHERE bot_steam_id = ? ORDER BY created_at DESC LIMIT ?`,
		int64(botSteamID), limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var result []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		var bot, partner, offer, created int64
		if err := rows.Scan(&bot, &partner, &offer, &t.ItemsGiven, &t.ItemsReceived, &created); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.BotSteamID = uint64(bot)
		t.PartnerSteamID = uint64(partner)
		t.OfferID = uint64(offer)
		t.CreatedAt = time.Unix(created, 0).UTC()
		result = append(result, &t)
	}
	return result, rows.Err()
}

// ---------------------------------------------------------------------------
// Meta
// ---------------------------------------------------------------------------

// Identifier returns the process GUID used against the matching directory,
// creating and persisting it on first use.
func (s *SQLiteStore) Identifier(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'identifier'`).Scan(&v)
	if err == nil {
		return v, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read identifier: %w", err)
	}

	v = uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('identifier', ?)`, v); err != nil {
		return "", fmt.Errorf("persist identifier: %w", err)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
