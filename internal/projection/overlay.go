// Package projection overlays pending local transitions onto records fetched
// from the server so a transition is visible before the server confirms it.
// The overlay is never a source of truth: an entry lives until its request
// settles or its TTL passes.
package projection

import (
	"context"
	"sync"
	"time"

	"github.com/carehaven/medround/internal/domain/workflow"
)

const (
	DefaultMaxEntries = 512
	DefaultTTL        = 30 * time.Second
)

// Token identifies one pending transition
type Token struct {
	RecordID string
	seq      uint64
}

type entry struct {
	patch   workflow.Patch
	seq     uint64
	expires time.Time
}

// Overlay maps record ids to pending patches
type Overlay struct {
	mu      sync.Mutex
	entries map[string]*entry
	max     int
	ttl     time.Duration
	seq     uint64
	now     func() time.Time
}

// New creates an overlay holding at most maxEntries entries for at most ttl each
func New(maxEntries int, ttl time.Duration) *Overlay {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Overlay{entries: map[string]*entry{}, max: maxEntries, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source
func (o *Overlay) WithClock(now func() time.Time) *Overlay {
	o.now = now
	return o
}

// Begin records a pending patch. A second pending patch for the same record
// is merged over the first and supersedes its token.
func (o *Overlay) Begin(recordID string, p workflow.Patch) Token {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.expireLocked(now)
	o.seq++
	e, ok := o.entries[recordID]
	if ok {
		e.patch = merge(e.patch, p)
	} else {
		if len(o.entries) >= o.max {
			o.evictOldestLocked()
		}
		e = &entry{patch: p}
		o.entries[recordID] = e
	}
	e.seq = o.seq
	e.expires = now.Add(o.ttl)
	return Token{RecordID: recordID, seq: o.seq}
}

// Confirm clears the entry once the server has answered. Server data is
// authoritative from then on.
func (o *Overlay) Confirm(t Token) { o.settle(t) }

// Discard clears the entry after a failed request, reverting the view to
// the last server state
func (o *Overlay) Discard(t Token) { o.settle(t) }

func (o *Overlay) settle(t Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[t.RecordID]; ok && e.seq == t.seq {
		delete(o.entries, t.RecordID)
	}
}

// Pending reports whether a record has an unsettled transition
func (o *Overlay) Pending(recordID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.now())
	_, ok := o.entries[recordID]
	return ok
}

// Len returns the number of live entries
func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.now())
	return len(o.entries)
}

// Project returns copies of records with pending patches applied
func (o *Overlay) Project(records []*workflow.Record) []*workflow.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.now())

	out := make([]*workflow.Record, len(records))
	for i, r := range records {
		out[i] = o.projectLocked(r)
	}
	return out
}

// ProjectOne returns a copy of one record with its pending patch applied
func (o *Overlay) ProjectOne(r *workflow.Record) *workflow.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.now())
	return o.projectLocked(r)
}

func (o *Overlay) projectLocked(r *workflow.Record) *workflow.Record {
	c := r.Clone()
	if e, ok := o.entries[r.ID]; ok {
		e.patch.Apply(c, r.UpdatedAt)
	}
	return c
}

// Track shows p while call is in flight and settles the entry with the outcome
func (o *Overlay) Track(ctx context.Context, recordID string, p workflow.Patch, call func(context.Context) (*workflow.Record, error)) (*workflow.Record, error) {
	tok := o.Begin(recordID, p)
	rec, err := call(ctx)
	if err != nil {
		o.Discard(tok)
		return nil, err
	}
	o.Confirm(tok)
	return rec, nil
}

func (o *Overlay) expireLocked(now time.Time) {
	for id, e := range o.entries {
		if !now.Before(e.expires) {
			delete(o.entries, id)
		}
	}
}

func (o *Overlay) evictOldestLocked() {
	var oldest string
	var seq uint64
	for id, e := range o.entries {
		if oldest == "" || e.seq < seq {
			oldest, seq = id, e.seq
		}
	}
	delete(o.entries, oldest)
}

func merge(base, next workflow.Patch) workflow.Patch {
	if next.Preparation != nil {
		base.Preparation = next.Preparation
	}
	if next.Verification != nil {
		base.Verification = next.Verification
	}
	if next.Dispensing != nil {
		base.Dispensing = next.Dispensing
	}
	return base
}

// PredictDispense guesses the patch a dispense will produce. Episode and
// inspection outcomes are only known once the server answers.
func PredictDispense(staff string, out workflow.Outcome, at time.Time) workflow.Patch {
	st := workflow.StageState{Status: workflow.StatusCompleted, Staff: staff, At: &at}
	d := &workflow.DispensingPatch{State: st}
	if out.Kind == workflow.OutcomeFailure {
		d.State.Status = workflow.StatusFailed
		d.FailureReason = out.Reason
		d.CustomReason = out.Detail
	}
	if out.Notes != "" {
		d.Notes = &out.Notes
	}
	return workflow.Patch{Dispensing: d}
}
