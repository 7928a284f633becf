package gate

import (
	"sync"
	"time"
)

// auditCap bounds the in-memory audit ring. Oldest entries roll off first.
const auditCap = 10000

// Violation is one audited gate outcome: a denial, a confirmation request,
// or a dev-mode allowance.
type Violation struct {
	Time      time.Time `json:"time"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
}

// auditRing is a fixed-capacity ring of violations.
type auditRing struct {
	mu      sync.Mutex
	entries []Violation
	next    int
	full    bool
}

func newAuditRing(capacity int) *auditRing {
	return &auditRing{entries: make([]Violation, capacity)}
}

func (r *auditRing) record(v Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = v
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// recent returns up to limit entries, newest first.
func (r *auditRing) recent(limit int) []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Violation, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
