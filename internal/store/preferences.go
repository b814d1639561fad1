package store

// TradingPreferences is the per-bot matching behaviour bitmask.
type TradingPreferences uint8

const (
	PrefNone TradingPreferences = 0

	// PrefSteamTradeMatcher opts the bot into the passive matcher: it
	// announces itself to the directory and accepts incoming dupe trades.
	PrefSteamTradeMatcher TradingPreferences = 1 << 0

	// PrefMatchActively makes the bot periodically initiate trades against
	// listed partners.
	PrefMatchActively TradingPreferences = 1 << 1

	// PrefMatchEverything accepts any neutral trade, not only ones improving
	// set progress.
	PrefMatchEverything TradingPreferences = 1 << 2
)

func (p TradingPreferences) Has(flag TradingPreferences) bool { return p&flag != 0 }
