package ledger

// Warning is a single moderation warning issued to a member. Sequence ids
// are per-member and 1-based; the next id is always one above the highest
// id currently on record.
type Warning struct {
	SequenceID      int64  `json:"id"`
	Reason          string `json:"reason"`
	IssuerID        string `json:"moderator"`
	IssuedAtSeconds int64  `json:"timestamp_s"`
}

// LevelProgress tracks a member's message-driven experience. Experience is
// always strictly below ExperienceThreshold(Level).
type LevelProgress struct {
	Experience              int64 `json:"xp"`
	Level                   int64 `json:"level"`
	MessageCount            int64 `json:"messages"`
	LastExperienceAtSeconds int64 `json:"last_xp_s"`
}

// Wallet tracks a member's currency split between the on-hand pool and the
// bank. Both pools are always non-negative. A zero LastDailyClaimAtSeconds
// means the member has never claimed a daily reward.
type Wallet struct {
	OnHand                  int64 `json:"coins"`
	Banked                  int64 `json:"bank"`
	LastDailyClaimAtSeconds int64 `json:"last_daily_s,omitempty"`
}

// Total returns the member's combined wealth.
func (w Wallet) Total() int64 {
	return w.OnHand + w.Banked
}

// Reputation tracks a member's score and, for the cooldown gate, when the
// member last *gave* a point. The gate belongs to the giver, not the
// receiver.
type Reputation struct {
	Score              int64 `json:"rep"`
	LastGivenAtSeconds int64 `json:"last_rep_s,omitempty"`
}

// Tables holds the four member-keyed ledger tables. The Service is the sole
// owner of the live instance; everything else sees copies.
type Tables struct {
	Warnings   map[string][]Warning
	Levels     map[string]LevelProgress
	Economy    map[string]Wallet
	Reputation map[string]Reputation
}

// NewTables returns an empty set of ledger tables.
func NewTables() Tables {
	return Tables{
		Warnings:   make(map[string][]Warning),
		Levels:     make(map[string]LevelProgress),
		Economy:    make(map[string]Wallet),
		Reputation: make(map[string]Reputation),
	}
}

func (t Tables) clone() Tables {
	copied := Tables{
		Warnings:   make(map[string][]Warning, len(t.Warnings)),
		Levels:     make(map[string]LevelProgress, len(t.Levels)),
		Economy:    make(map[string]Wallet, len(t.Economy)),
		Reputation: make(map[string]Reputation, len(t.Reputation)),
	}
	for memberID, warnings := range t.Warnings {
		copied.Warnings[memberID] = append([]Warning(nil), warnings...)
	}
	for memberID, progress := range t.Levels {
		copied.Levels[memberID] = progress
	}
	for memberID, wallet := range t.Economy {
		copied.Economy[memberID] = wallet
	}
	for memberID, reputation := range t.Reputation {
		copied.Reputation[memberID] = reputation
	}
	return copied
}

// ExperienceThreshold returns the experience required to advance past the
// given level.
func ExperienceThreshold(level int64) int64 {
	return level*150 + level*50
}
