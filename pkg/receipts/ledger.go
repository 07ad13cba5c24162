package receipts

import (
	"fmt"
	"sync"
	"time"

	"github.com/choiros/director/pkg/canonicalize"
)

var nowMS = func() int64 { return time.Now().UnixMilli() }

// Entry is one link in the run-local evidence ledger.
type Entry struct {
	Index      int      `json:"index"`
	ReceiptID  string   `json:"receipt_id"`
	Kind       string   `json:"kind"`
	RunID      string   `json:"run_id,omitempty"`
	LeaseID    string   `json:"lease_id,omitempty"`
	References []string `json:"references,omitempty"`
	PrevHash   string   `json:"prev_hash"`
	Hash       string   `json:"hash"`
}

// Ledger is a hash-chained, in-memory trail of receipts for a single run.
// The commit gate walks it to confirm every capability use left evidence;
// the API serves receipt lookups from it between projection refreshes.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	head    string
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]int), head: "genesis"}
}

// Record appends a receipt to the chain.
func (l *Ledger) Record(r Receipt) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Index:      len(l.entries),
		ReceiptID:  r.ReceiptID,
		Kind:       r.Kind,
		RunID:      r.RunID,
		LeaseID:    r.LeaseID,
		References: r.References,
		PrevHash:   l.head,
	}
	e.Hash = entryHash(e)
	l.entries = append(l.entries, e)
	l.byID[e.ReceiptID] = e.Index
	l.head = e.Hash
	return e
}

func entryHash(e Entry) string {
	h, err := canonicalize.Hash(map[string]any{
		"index":      e.Index,
		"receipt_id": e.ReceiptID,
		"kind":       e.Kind,
		"run_id":     e.RunID,
		"lease_id":   e.LeaseID,
		"references": e.References,
		"prev_hash":  e.PrevHash,
	})
	if err != nil {
		// Fixed-shape scalar map; canonicalization cannot fail on it.
		panic("receipts: entry hash: " + err.Error())
	}
	return h
}

// Get returns the entry for a receipt ID.
func (l *Ledger) Get(receiptID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[receiptID]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Entries returns a copy of the chain in order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByKind returns entries of one receipt kind in chain order.
func (l *Ledger) ByKind(kind string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the chain and returns an error at the first broken link.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prev := "genesis"
	for _, e := range l.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("receipts: broken chain at index %d", e.Index)
		}
		if entryHash(e) != e.Hash {
			return fmt.Errorf("receipts: hash mismatch at index %d", e.Index)
		}
		prev = e.Hash
	}
	return nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}
