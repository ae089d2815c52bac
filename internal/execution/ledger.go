package execution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger is the process-lifetime, append-only record of outcomes. It is for
// observability; the exchange stays authoritative.
type Ledger struct {
	mu         sync.RWMutex
	successful []LedgerEntry
	failed     []LedgerEntry
	observers  []func(LedgerEntry)
}

// NewLedger creates an empty ledger. Observers run synchronously on every
// Record and must not block.
func NewLedger(observers ...func(LedgerEntry)) *Ledger {
	return &Ledger{observers: observers}
}

// Observe adds an observer.
func (l *Ledger) Observe(fn func(LedgerEntry)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// Record appends e to the successful or failed list.
func (l *Ledger) Record(e LedgerEntry) LedgerEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.mu.Lock()
	if e.Status.Successful() {
		l.successful = append(l.successful, e)
	} else {
		l.failed = append(l.failed, e)
	}
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
	return e
}

// Successful returns a copy of the successful entries.
func (l *Ledger) Successful() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]LedgerEntry(nil), l.successful...)
}

// Failed returns a copy of the failed entries.
func (l *Ledger) Failed() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]LedgerEntry(nil), l.failed...)
}

// Counts returns the list sizes.
func (l *Ledger) Counts() (successful, failed int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.successful), len(l.failed)
}
