package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/storage"
)

// KV is the storage port. Apply must be atomic.
type KV interface {
	Get(key string) (string, error)
	Apply(ops ...storage.Op) error
}

// Store holds every session and the current-session pointer. The session
// list and the pointer are written together in one transaction.
type Store struct {
	mu       sync.Mutex
	kv       KV
	sessions []Session // newest first
	current  string

	now   func() time.Time
	newID func() string
	loc   *time.Location
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithIDGenerator(f func() string) Option { return func(s *Store) { s.newID = f } }

// WithLocation sets the zone used for default titles.
func WithLocation(loc *time.Location) Option { return func(s *Store) { s.loc = loc } }

// Open loads persisted sessions from kv.
func Open(kv KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:    kv,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := kv.Get(SessionsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading sessions: %w", err)
	case strings.TrimSpace(raw) != "":
		if err := json.Unmarshal([]byte(raw), &s.sessions); err != nil {
			return nil, fmt.Errorf("decoding sessions: %w", err)
		}
	}

	current, err := kv.Get(CurrentKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading current session: %w", err)
	default:
		if s.indexOf(current) >= 0 {
			s.current = current
		}
	}
	return s, nil
}

// Create starts a session with the welcome message and makes it current.
// An empty title becomes "Chat DD/MM/YYYY".
func (s *Store) Create(title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Chat " + now.In(s.loc).Format("02/01/2006")
	}
	sess := Session{
		ID:    s.newID(),
		Title: title,
		Messages: []Message{{
			ID:        WelcomeMessageID,
			Role:      llm.RoleAssistant,
			Content:   WelcomeMessage,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	next := append([]Session{sess}, s.sessions...)
	if err := s.commit(next, sess.ID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// List returns every session, most recently updated first.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := slices.Clone(s.sessions)
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Session{}, ErrNotFound
	}
	return s.sessions[i], nil
}

// Rename sets the title of a session.
func (s *Store) Rename(id, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Session{}, ErrNotFound
	}
	next := slices.Clone(s.sessions)
	next[i].Title = strings.TrimSpace(title)
	next[i].UpdatedAt = s.now()
	if err := s.commit(next, s.current); err != nil {
		return Session{}, err
	}
	return next[i], nil
}

// Delete removes a session. If it was current, the first remaining session
// becomes current, or there is no current session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(s.sessions), i, i+1)
	current := s.current
	if current == id {
		current = ""
		if len(next) > 0 {
			current = next[0].ID
		}
	}
	return s.commit(next, current)
}

// AppendMessage adds a message to a session and returns it.
func (s *Store) AppendMessage(id string, role llm.Role, content string, attachments []Attachment) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Message{}, ErrNotFound
	}
	now := s.now()
	msg := Message{
		ID:          s.newID(),
		Role:        role,
		Content:     content,
		CreatedAt:   now,
		Attachments: attachments,
	}

	next := slices.Clone(s.sessions)
	next[i].Messages = append(slices.Clone(next[i].Messages), msg)
	next[i].UpdatedAt = now
	if err := s.commit(next, s.current); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// UpdateMessage replaces the content of one message.
func (s *Store) UpdateMessage(id, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	j := slices.IndexFunc(s.sessions[i].Messages, func(m Message) bool { return m.ID == messageID })
	if j < 0 {
		return ErrNotFound
	}

	next := slices.Clone(s.sessions)
	next[i].Messages = slices.Clone(next[i].Messages)
	next[i].Messages[j].Content = content
	next[i].UpdatedAt = s.now()
	return s.commit(next, s.current)
}

// Current returns the current session.
func (s *Store) Current() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == "" {
		return Session{}, ErrNoCurrent
	}
	return s.sessions[s.indexOf(s.current)], nil
}

// SetCurrent switches to an existing session.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) < 0 {
		return ErrNotFound
	}
	if s.current == id {
		return nil
	}
	return s.commit(s.sessions, id)
}

// commit writes sessions and the current pointer in one transaction and
// swaps them in on success. Must hold s.mu.
func (s *Store) commit(next []Session, current string) error {
	if next == nil {
		next = []Session{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrPersist, err)
	}

	ops := []storage.Op{storage.SetOp(SessionsKey, string(data))}
	if current == "" {
		ops = append(ops, storage.DeleteOp(CurrentKey))
	} else {
		ops = append(ops, storage.SetOp(CurrentKey, current))
	}
	if err := s.kv.Apply(ops...); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	s.sessions = next
	s.current = current
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.sessions, func(x Session) bool { return x.ID == id })
}
