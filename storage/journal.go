package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClaimExists indicates a settlement for the trade is already in flight
	// or awaiting reconciliation.
	ErrClaimExists = errors.New("journal: settlement already claimed")
	// ErrEntryNotFound indicates no journal entry exists for the trade.
	ErrEntryNotFound = errors.New("journal: entry not found")
)

// EntryStatus tracks where a settlement stands relative to the ledger.
type EntryStatus string

const (
	// StatusClaimed is written before the transfer is requested.
	StatusClaimed EntryStatus = "claimed"
	// StatusUnrecorded means the transfer was broadcast but the database
	// could not record it.
	StatusUnrecorded EntryStatus = "unrecorded"
)

const journalPrefix = "settlement/"

// JournalEntry is the durable record of a settlement outside the database.
type JournalEntry struct {
	TradeID     string      `json:"trade_id"`
	Action      string      `json:"action"`
	Status      EntryStatus `json:"status"`
	Destination string      `json:"destination"`
	Resolution  bool        `json:"resolution,omitempty"`
	ActorID     string      `json:"actor_id,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
	OutAmount   uint64      `json:"out_amount"`
	FeeAmount   uint64      `json:"fee_amount"`
	Reason      string      `json:"reason,omitempty"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Journal records settlement claims and broadcasts that still need the
// database to catch up. Claims are exclusive per trade within one process.
type Journal struct {
	mu  sync.Mutex
	db  Database
	now func() time.Time
}

// NewJournal wraps a key-value store.
func NewJournal(db Database, now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{db: db, now: now}
}

func journalKey(tradeID string) []byte {
	return []byte(journalPrefix + strings.ToLower(strings.TrimSpace(tradeID)))
}

// Claim records intent to settle. It fails with ErrClaimExists when any
// entry for the trade is outstanding.
func (j *Journal) Claim(entry JournalEntry) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := journalKey(entry.TradeID)
	if _, err := j.db.Get(key); err == nil {
		return JournalEntry{}, ErrClaimExists
	} else if !errors.Is(err, ErrNotFound) {
		return JournalEntry{}, fmt.Errorf("journal: read claim: %w", err)
	}
	now := j.now().UTC()
	entry.Status = StatusClaimed
	entry.ClaimedAt = now
	entry.UpdatedAt = now
	if err := j.put(key, entry); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// MarkUnrecorded upgrades a claim after the ledger accepted the transfer but
// the database write failed.
func (j *Journal) MarkUnrecorded(tradeID, txHash string, outAmount, feeAmount uint64, reason string) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := journalKey(tradeID)
	entry, err := j.get(key)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Status = StatusUnrecorded
	entry.TxHash = txHash
	entry.OutAmount = outAmount
	entry.FeeAmount = feeAmount
	entry.Reason = reason
	entry.UpdatedAt = j.now().UTC()
	if err := j.put(key, entry); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// Get returns the entry for a trade.
func (j *Journal) Get(tradeID string) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.get(journalKey(tradeID))
}

// Release removes the entry for a trade.
func (j *Journal) Release(tradeID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Delete(journalKey(tradeID)); err != nil {
		return fmt.Errorf("journal: release: %w", err)
	}
	return nil
}

// List returns every outstanding entry.
func (j *Journal) List() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var (
		entries []JournalEntry
		decErr  error
	)
	err := j.db.Scan([]byte(journalPrefix), func(_, value []byte) bool {
		var entry JournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			decErr = fmt.Errorf("journal: decode entry: %w", err)
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return entries, decErr
}

// Counts tallies outstanding entries by status.
func (j *Journal) Counts() (map[EntryStatus]int, error) {
	entries, err := j.List()
	if err != nil {
		return nil, err
	}
	counts := map[EntryStatus]int{StatusClaimed: 0, StatusUnrecorded: 0}
	for _, entry := range entries {
		counts[entry.Status]++
	}
	return counts, nil
}

func (j *Journal) get(key []byte) (JournalEntry, error) {
	raw, err := j.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return JournalEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return JournalEntry{}, fmt.Errorf("journal: read: %w", err)
	}
	var entry JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return JournalEntry{}, fmt.Errorf("journal: decode entry: %w", err)
	}
	return entry, nil
}

func (j *Journal) put(key []byte, entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	if err := j.db.Put(key, raw); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}
