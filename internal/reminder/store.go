package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/studymate/internal/metrics"
	"github.com/kalambet/studymate/internal/storage"
)

// StorageKey is the key-value key holding the JSON array of reminders.
const StorageKey = "reminders"

// KV is the storage port. Get returns storage.ErrNotFound for a missing key.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Store is the single owner of the reminder set. Every mutation, including
// ScanAndNotify, runs under one mutex and writes the whole set through to
// the KV before it becomes visible.
type Store struct {
	mu    sync.Mutex
	kv    KV
	items []Reminder

	notifier Notifier
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the notifier called for each settled reminder.
func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithClock overrides the clock used to validate new due times.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides uuid-based ids.
func WithIDGenerator(f func() string) Option { return func(s *Store) { s.newID = f } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// Open loads the persisted set from kv. A missing key is an empty set; an
// unreadable value is an error.
func Open(kv KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := kv.Get(StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading reminders: %w", err)
	case strings.TrimSpace(raw) != "":
		if err := json.Unmarshal([]byte(raw), &s.items); err != nil {
			return nil, fmt.Errorf("decoding reminders: %w", err)
		}
	}

	s.metrics.SetRemindersPending(countPending(s.items))
	return s, nil
}

// Create validates and stores one reminder.
func (s *Store) Create(subject string, dueAt time.Time) (Reminder, error) {
	created, rejected, err := s.CreateBatch([]Draft{{Subject: subject, DueAt: dueAt}})
	if err != nil {
		return Reminder{}, err
	}
	if len(rejected) > 0 {
		return Reminder{}, rejected[0].Err
	}
	return created[0], nil
}

// CreateBatch validates every draft and commits the valid ones with a single
// write. Invalid drafts are returned as rejected and never stored. When no
// draft is valid nothing is written.
func (s *Store) CreateBatch(drafts []Draft) ([]Reminder, []Rejected, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var created []Reminder
	var rejected []Rejected
	for _, d := range drafts {
		subject := strings.TrimSpace(d.Subject)
		switch {
		case subject == "":
			rejected = append(rejected, Rejected{Draft: d, Err: ErrEmptySubject})
			continue
		case !d.DueAt.After(now):
			rejected = append(rejected, Rejected{Draft: d, Err: ErrPastDue})
			continue
		}
		created = append(created, Reminder{
			ID:      s.newID(),
			Subject: subject,
			DueAt:   d.DueAt.Truncate(time.Millisecond),
			state:   Pending,
		})
	}
	if len(created) == 0 {
		return nil, rejected, nil
	}

	next := append(slices.Clone(s.items), created...)
	if err := s.commit(next); err != nil {
		return nil, nil, err
	}
	s.logger.Info("reminders created", "count", len(created), "rejected", len(rejected))
	return created, rejected, nil
}

// Get returns the reminder with id.
func (s *Store) Get(id string) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Reminder{}, ErrNotFound
	}
	return s.items[i], nil
}

// Update applies p to the reminder with id. A new DueAt must be in the
// future; a settled reminder stays settled.
func (s *Store) Update(id string, p Patch) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Reminder{}, ErrNotFound
	}

	r := s.items[i]
	if p.Subject != nil {
		subject := strings.TrimSpace(*p.Subject)
		if subject == "" {
			return Reminder{}, ErrEmptySubject
		}
		r.Subject = subject
	}
	if p.DueAt != nil {
		if !p.DueAt.After(s.now()) {
			return Reminder{}, ErrPastDue
		}
		r.DueAt = p.DueAt.Truncate(time.Millisecond)
	}

	next := slices.Clone(s.items)
	next[i] = r
	if err := s.commit(next); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// Delete removes the reminder with id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(s.items), i, i+1)
	return s.commit(next)
}

// List returns a snapshot of every reminder in insertion order.
func (s *Store) List() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Pending returns reminders that have not fired, in insertion order.
func (s *Store) Pending() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reminder
	for _, r := range s.items {
		if r.state == Pending {
			out = append(out, r)
		}
	}
	return out
}

// ScanAndNotify settles every pending reminder due at or before now,
// persists the result, then notifies once per settled reminder and returns
// them. A second call with the same now settles nothing.
func (s *Store) ScanAndNotify(ctx context.Context, now time.Time) ([]Reminder, error) {
	s.mu.Lock()
	var due []int
	for i, r := range s.items {
		if r.state == Pending && !r.DueAt.After(now) {
			due = append(due, i)
		}
	}
	if len(due) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	next := slices.Clone(s.items)
	settled := make([]Reminder, 0, len(due))
	for _, i := range due {
		next[i].state = Notified
		settled = append(settled, next[i])
	}
	if err := s.commit(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	notifier := s.notifier
	s.mu.Unlock()

	s.metrics.AddRemindersNotified(len(settled))

	// Settled state is already durable; a failed notification is logged only.
	if notifier != nil {
		for _, r := range settled {
			if err := notifier.Notify(ctx, r); err != nil {
				s.logger.Warn("reminder notification failed", "id", r.ID, "error", err)
			}
		}
	}
	return settled, nil
}

// commit writes next through the KV and swaps it in. Must hold s.mu.
func (s *Store) commit(next []Reminder) error {
	if next == nil {
		next = []Reminder{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrPersist, err)
	}
	if err := s.kv.Set(StorageKey, string(data)); err != nil {
		s.metrics.IncPersistFailure()
		s.logger.Error("reminder write failed", "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.items = next
	s.metrics.SetRemindersPending(countPending(next))
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.items, func(r Reminder) bool { return r.ID == id })
}

func countPending(items []Reminder) int {
	n := 0
	for _, r := range items {
		if r.state == Pending {
			n++
		}
	}
	return n
}
