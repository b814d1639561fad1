package inventory

// State maps a set key to per-class copy counts.
type State map[SetKey]map[uint64]uint32

func NewState() State {
	return make(State)
}

func (s State) Add(key SetKey, classID uint64, amount uint32) {
	inner, ok := s[key]
	if !ok {
		inner = make(map[uint64]uint32)
		s[key] = inner
	}
	inner[classID] += amount
}

// HasDupes reports whether any set contains a class with two or more copies.
func (s State) HasDupes() bool {
	for _, inner := range s {
		for _, count := range inner {
			if count > 1 {
				return true
			}
		}
	}
	return false
}

// SetHasDupes reports whether one specific set contains a dupe.
func (s State) SetHasDupes(key SetKey) bool {
	for _, count := range s[key] {
		if count > 1 {
			return true
		}
	}
	return false
}

func (s State) Clone() State {
	clone := make(State, len(s))
	for key, inner := range s {
		m := make(map[uint64]uint32, len(inner))
		for classID, count := range inner {
			m[classID] = count
		}
		clone[key] = m
	}
	return clone
}

// CloneSet returns a mutable copy of one set's counts.
func (s State) CloneSet(key SetKey) map[uint64]uint32 {
	m := make(map[uint64]uint32, len(s[key]))
	for classID, count := range s[key] {
		m[classID] = count
	}
	return m
}

// Within reports whether every count in s is bounded by the matching count
// in outer. Used to verify tradable ≤ full.
func (s State) Within(outer State) bool {
	for key, inner := range s {
		outerInner := outer[key]
		for classID, count := range inner {
			if count > outerInner[classID] {
				return false
			}
		}
	}
	return true
}

// Partition builds the full and tradable states from a fetched inventory.
func Partition(assets []*Asset) (full, tradable State) {
	full = NewState()
	tradable = NewState()
	for _, a := range assets {
		key := a.SetKey()
		full.Add(key, a.ClassID, a.Amount)
		if a.Tradable {
			tradable.Add(key, a.ClassID, a.Amount)
		}
	}
	return full, tradable
}
