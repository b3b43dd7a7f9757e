package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BadgerOps/evidence/internal/ziparchive"
)

// CustodyEntry is one step of the chain-of-custody log. It serializes flat:
// {"action": ..., "at": ..., <context keys>...}.
type CustodyEntry struct {
	Action  string
	At      time.Time
	Context map[string]any
}

// MarshalJSON flattens Context next to action and at.
func (e CustodyEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Context)+2)
	for k, v := range e.Context {
		m[k] = v
	}
	m["action"] = e.Action
	m["at"] = e.At.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}

// UnmarshalJSON splits action and at back out of the flat object.
func (e *CustodyEntry) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	action, _ := m["action"].(string)
	e.Action = action
	if at, ok := m["at"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return fmt.Errorf("parsing custody timestamp: %w", err)
		}
		e.At = t
	}
	delete(m, "action")
	delete(m, "at")
	if len(m) > 0 {
		e.Context = m
	} else {
		e.Context = nil
	}
	return nil
}

// Ledger records custody steps and digests for a single export.
// It is owned by one export invocation; the mutex only guards against
// callers that fan work out internally.
type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	hash    HashFunc
	entries []CustodyEntry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for custody timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithHashFunc replaces the hashing function.
func WithHashFunc(h HashFunc) Option {
	return func(l *Ledger) { l.hash = h }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:  time.Now,
		hash: DefaultHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a custody step. attrs are alternating key/value pairs,
// the same convention slog uses; a dangling key is recorded with a nil value.
func (l *Ledger) Record(action string, attrs ...any) {
	var ctx map[string]any
	if len(attrs) > 0 {
		ctx = make(map[string]any, len(attrs)/2+1)
		for i := 0; i < len(attrs); i += 2 {
			key := fmt.Sprint(attrs[i])
			if i+1 < len(attrs) {
				ctx[key] = attrs[i+1]
			} else {
				ctx[key] = nil
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, CustodyEntry{Action: action, At: l.now().UTC(), Context: ctx})
}

// Entries returns a copy of the custody log in recording order.
func (l *Ledger) Entries() []CustodyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CustodyEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Hash digests one file. A hashing failure is logged as a hash_error step
// and yields a nil digest; it never aborts the caller.
func (l *Ledger) Hash(name string, data []byte) *string {
	l.Record("hash_start", "file", name, "bytes", len(data))
	sum, err := l.hash(name, data)
	if err != nil {
		l.Record("hash_error", "file", name, "error", err.Error())
		return nil
	}
	l.Record("hash_end", "file", name, "sha256", sum)
	return &sum
}

// HashAll digests every file in order and returns the name -> digest map.
// Every name gets a key; failed digests are nil.
func (l *Ledger) HashAll(files []ziparchive.File) map[string]*string {
	l.Record("hash_all_start", "files", len(files))
	sums := make(map[string]*string, len(files))
	failed := 0
	for _, f := range files {
		sum := l.Hash(f.Name, f.Data)
		if sum == nil {
			failed++
		}
		sums[f.Name] = sum
	}
	l.Record("hash_all_end", "files", len(files), "failed", failed)
	return sums
}

// Now returns the ledger's clock reading in UTC.
func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}
