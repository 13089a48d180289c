package transcript

import (
	"errors"
	"time"
)

var (
	// ErrMissingID is returned for updates without an id.
	ErrMissingID = errors.New("transcript: update has no id")

	// ErrFinalised is returned when a non-final update targets a final entry.
	ErrFinalised = errors.New("transcript: entry already final")
)

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLimit caps the number of retained entries; the oldest are evicted
// first. Zero means unbounded.
func WithLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

// Reconciler maintains the ordered transcript. It is not safe for concurrent
// use; the session loop owns it.
type Reconciler struct {
	entries []Entry
	index   map[string]int
	limit   int
	now     func() time.Time
}

// NewReconciler returns an empty Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		index: make(map[string]int),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply merges u into the transcript. Updates for a known id replace the
// entry's text and finality in place and keep the sender it was created with;
// unknown ids are appended. The returned error explains a [Rejected] outcome.
func (r *Reconciler) Apply(u Update) (Outcome, error) {
	if u.ID == "" {
		return Rejected, ErrMissingID
	}

	i, ok := r.index[u.ID]
	if !ok {
		r.entries = append(r.entries, Entry{
			ID:     u.ID,
			Sender: u.Sender,
			Text:   u.Text,
			Final:  u.Final,
			At:     r.now(),
		})
		r.index[u.ID] = len(r.entries) - 1
		r.evict()
		return Appended, nil
	}

	e := &r.entries[i]
	switch {
	case e.Final && !u.Final:
		return Rejected, ErrFinalised
	case e.Text == u.Text && e.Final == u.Final:
		return Unchanged, nil
	}
	e.Text = u.Text
	e.Final = u.Final
	e.At = r.now()
	return Replaced, nil
}

func (r *Reconciler) evict() {
	if r.limit == 0 || len(r.entries) <= r.limit {
		return
	}
	drop := len(r.entries) - r.limit
	for _, e := range r.entries[:drop] {
		delete(r.index, e.ID)
	}
	r.entries = append(r.entries[:0], r.entries[drop:]...)
	for i, e := range r.entries {
		r.index[e.ID] = i
	}
}

// Entries returns a copy of the transcript in order.
func (r *Reconciler) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
