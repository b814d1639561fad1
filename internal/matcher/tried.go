package matcher

// triesExhausted permanently excludes a partner from candidate lists.
const triesExhausted uint8 = 255

// TriedPartner accumulates our matching history against one partner across
// rounds: how many attempts were made and which exact assets were already
// offered either way.
type TriedPartner struct {
	Tries    uint8
	Given    map[uint64]bool
	Received map[uint64]bool
}

func newTriedPartner() *TriedPartner {
	return &TriedPartner{
		Given:    make(map[uint64]bool),
		Received: make(map[uint64]bool),
	}
}

func (t *TriedPartner) bumpTries() {
	if t.Tries < triesExhausted {
		t.Tries++
	}
}

// recordOffer remembers the assets of a dispatched offer so an identical
// repeat can be detected later.
func (t *TriedPartner) recordOffer(givenIDs, receivedIDs []uint64) {
	for _, id := range givenIDs {
		t.Given[id] = true
	}
	for _, id := range receivedIDs {
		t.Received[id] = true
	}
}

// isRepeat reports whether every asset of a prospective offer was already
// part of an earlier one. Such an offer cannot make new progress.
func (t *TriedPartner) isRepeat(givenIDs, receivedIDs []uint64) bool {
	if len(t.Given) == 0 && len(t.Received) == 0 {
		return false
	}
	for _, id := range givenIDs {
		if !t.Given[id] {
			return false
		}
	}
	for _, id := range receivedIDs {
		if !t.Received[id] {
			return false
		}
	}
	return true
}
