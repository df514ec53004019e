// Package memstore provides a deterministic in-memory UserStore used by
// tests and as a reference implementation of the store contract.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/meridianmail/meridian/consts"
	"github.com/meridianmail/meridian/server/idgen"
	"github.com/meridianmail/meridian/store"
)

type message struct {
	id   string
	body []byte
}

// Store is an in-memory UserStore. The zero value is not usable; call New.
type Store struct {
	mu        sync.RWMutex
	passwords map[string]string
	mailboxes map[string][]message

	// DeliverErr, when set, makes Deliver fail. Tests use it to drive the
	// 451 path.
	DeliverErr error
}

var _ store.UserStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		passwords: make(map[string]string),
		mailboxes: make(map[string][]message),
	}
}

// AddUser registers a user with a plaintext password.
func (s *Store) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[username] = password
	if _, ok := s.mailboxes[username]; !ok {
		s.mailboxes[username] = nil
	}
}

// AddMessage appends a message to a user's mailbox and returns its id.
func (s *Store) AddMessage(username string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := idgen.New()
	s.mailboxes[username] = append(s.mailboxes[username], message{id: id, body: append([]byte(nil), body...)})
	return id
}

// SetDeliverErr injects (or clears) a delivery failure.
func (s *Store) SetDeliverErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeliverErr = err
}

// MessageCount returns the number of stored messages for a user.
func (s *Store) MessageCount(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mailboxes[username])
}

func (s *Store) Validate(_ context.Context, username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.passwords[username]
	return ok
}

func (s *Store) Authenticate(_ context.Context, username, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want, ok := s.passwords[username]
	return ok && want == password
}

func (s *Store) LoadMailbox(_ context.Context, username string) (*store.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.passwords[username]; !ok {
		return nil, consts.ErrUserNotFound
	}

	msgs := s.mailboxes[username]
	items := make([]*store.MailItem, 0, len(msgs))
	for _, m := range msgs {
		body := m.body
		items = append(items, store.NewMailItem(m.id, int64(len(body)), func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}))
	}

	return store.NewMailbox(username, items, func(_ context.Context, deleted []*store.MailItem) error {
		s.expunge(username, deleted)
		return nil
	}), nil
}

func (s *Store) expunge(username string, deleted []*store.MailItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gone := make(map[string]bool, len(deleted))
	for _, m := range deleted {
		gone[m.ID()] = true
	}
	kept := s.mailboxes[username][:0]
	for _, m := range s.mailboxes[username] {
		if !gone[m.id] {
			kept = append(kept, m)
		}
	}
	s.mailboxes[username] = kept
}

func (s *Store) Deliver(_ context.Context, body []byte, recipients []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeliverErr != nil {
		return s.DeliverErr
	}

	// All-or-error: verify every recipient before touching any mailbox.
	for _, rcpt := range recipients {
		if _, ok := s.passwords[rcpt]; !ok {
			return fmt.Errorf("deliver to %s: %w", rcpt, consts.ErrUserNotFound)
		}
	}
	for _, rcpt := range recipients {
		s.mailboxes[rcpt] = append(s.mailboxes[rcpt], message{
			id:   idgen.New(),
			body: append([]byte(nil), body...),
		})
	}
	return nil
}

func (s *Store) Close() error { return nil }
