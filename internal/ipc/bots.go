package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
)

// MatchTrigger starts an active matching session for one bot.
type MatchTrigger interface {
	MatchActively(ctx context.Context) error
}

// WalletRedeemer redeems wallet codes on a running bot's account.
type WalletRedeemer interface {
	RedeemWalletCode(ctx context.Context, code string) (steam.WalletResult, error)
}

// BotController exposes bot configuration, the blacklist and the trade log.
type BotController struct {
	st       *store.SQLiteStore
	triggers map[uint64]MatchTrigger
	wallets  map[uint64]WalletRedeemer
}

func NewBotController(st *store.SQLiteStore, triggers map[uint64]MatchTrigger, wallets map[uint64]WalletRedeemer) *BotController {
	return &BotController{st: st, triggers: triggers, wallets: wallets}
}

func (c *BotController) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/bots", auth(http.HandlerFunc(c.listBots)))
	mux.Handle("GET /api/bots/{id}", auth(http.HandlerFunc(c.getBot)))
	mux.Handle("POST /api/bots", auth(http.HandlerFunc(c.upsertBot)))
	mux.Handle("POST /api/bots/{id}/match", auth(http.HandlerFunc(c.triggerMatch)))
	mux.Handle("POST /api/bots/{id}/wallet", auth(http.HandlerFunc(c.redeemWallet)))
	mux.Handle("GET /api/bots/{id}/trades", auth(http.HandlerFunc(c.listTrades)))
	mux.Handle("PUT /api/bots/{id}/blacklist/{partner}", auth(http.HandlerFunc(c.addBlacklist)))
	mux.Handle("DELETE /api/bots/{id}/blacklist/{partner}", auth(http.HandlerFunc(c.removeBlacklist)))
}

// botView is a BotRecord without its secrets.
type botView struct {
	SteamID            uint64                   `json:"steam_id,string"`
	Nickname           string                   `json:"nickname"`
	Enabled            bool                     `json:"enabled"`
	Limited            bool                     `json:"limited"`
	TradingPreferences store.TradingPreferences `json:"trading_preferences"`
	MatchableTypes     []uint8                  `json:"matchable_types"`
	HasTradeToken      bool                     `json:"has_trade_token"`
	HasAPIKey          bool                     `json:"has_api_key"`
	LastAnnounceAt     time.Time                `json:"last_announce_at"`
	LastHeartBeatAt    time.Time                `json:"last_heartbeat_at"`
}

func viewOf(b *store.BotRecord) botView {
	return botView{
		SteamID:            b.SteamID,
		Nickname:           b.Nickname,
		Enabled:            b.Enabled,
		Limited:            b.Limited,
		TradingPreferences: b.TradingPreferences,
		MatchableTypes:     b.MatchableTypes,
		HasTradeToken:      b.TradeToken != "",
		HasAPIKey:          b.APIKey != "",
		LastAnnounceAt:     b.LastAnnounceAt,
		LastHeartBeatAt:    b.LastHeartBeatAt,
	}
}

func (c *BotController) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := c.st.ListBots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]botView, 0, len(bots))
	for _, b := range bots {
		views = append(views, viewOf(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func (c *BotController) getBot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := c.st.GetBot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(b))
}

func (c *BotController) upsertBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SteamID            uint64                   `json:"steam_id,string"`
		Nickname           string                   `json:"nickname"`
		Enabled            bool                     `json:"enabled"`
		Limited            bool                     `json:"limited"`
		TradingPreferences store.TradingPreferences `json:"trading_preferences"`
		MatchableTypes     []uint8                  `json:"matchable_types"`
		TradeToken         string                   `json:"trade_token"`
		APIKey             string                   `json:"api_key"`
		ParentalCode       string                   `json:"parental_code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.SteamID == 0 {
		writeError(w, http.StatusBadRequest, "steam_id is required")
		return
	}

	existing, err := c.st.GetBot(r.Context(), req.SteamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	record := &store.BotRecord{
		SteamID:            req.SteamID,
		Nickname:           req.Nickname,
		Enabled:            req.Enabled,
		Limited:            req.Limited,
		TradingPreferences: req.TradingPreferences,
		MatchableTypes:     req.MatchableTypes,
		TradeToken:         req.TradeToken,
		APIKey:             req.APIKey,
		ParentalCode:       req.ParentalCode,
	}
	// Absent secrets keep their stored values.
	if existing != nil {
		if record.TradeToken == "" {
			record.TradeToken = existing.TradeToken
		}
		if record.APIKey == "" {
			record.APIKey = existing.APIKey
		}
		if record.ParentalCode == "" {
			record.ParentalCode = existing.ParentalCode
		}
		record.LastAnnounceAt = existing.LastAnnounceAt
		record.LastHeartBeatAt = existing.LastHeartBeatAt
		record.CreatedAt = existing.CreatedAt
	}

	if err := c.st.UpsertBot(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(record))
}

func (c *BotController) triggerMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trigger, ok := c.triggers[id]
	if !ok {
		writeError(w, http.StatusNotFound, "bot is not running")
		return
	}

	go func() {
		if err := trigger.MatchActively(context.Background()); err != nil {
			slog.Warn("triggered matching failed", "steamID", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "matching started"})
}

func (c *BotController) redeemWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	redeemer, ok := c.wallets[id]
	if !ok {
		writeError(w, http.StatusNotFound, "bot is not running")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := redeemer.RedeemWalletCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (c *BotController) listTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trades, err := c.st.RecentTrades(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (c *BotController) addBlacklist(w http.ResponseWriter, r *http.Request) {
	c.editBlacklist(w, r, c.st.AddBlacklist)
}

func (c *BotController) removeBlacklist(w http.ResponseWriter, r *http.Request) {
	c.editBlacklist(w, r, c.st.RemoveBlacklist)
}

func (c *BotController) editBlacklist(w http.ResponseWriter, r *http.Request, op func(context.Context, uint64, uint64) error) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	partner, ok := pathID(w, r, "partner")
	if !ok {
		return
	}
	if err := op(r.Context(), id, partner); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return err
	}
	return nil
}
