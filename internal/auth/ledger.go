package auth

import "sync"

// AttemptLedger counts consecutive failed login attempts per (tenant, domain)
// for the duration of one job run. All URL tasks of a run share one ledger, so
// a login loop on one domain is bounded across sibling URLs too. A verified
// login resets the count.
type AttemptLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewAttemptLedger() *AttemptLedger {
	return &AttemptLedger{counts: make(map[string]int)}
}

func ledgerKey(tenantID, domain string) string { return tenantID + "\x00" + domain }

// Increment records a failed attempt and returns the new count.
func (l *AttemptLedger) Increment(tenantID, domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	k := ledgerKey(tenantID, domain)
	l.counts[k]++
	return l.counts[k]
}

// Count returns the failed attempts recorded since the last reset.
func (l *AttemptLedger) Count(tenantID, domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ledgerKey(tenantID, domain)]
}

// Reset clears the count after a verified login.
func (l *AttemptLedger) Reset(tenantID, domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, ledgerKey(tenantID, domain))
}
