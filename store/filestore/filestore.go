// Package filestore implements the UserStore on top of a plain directory
// tree: a credentials file listing users, and one subdirectory of stored
// messages per user.
//
// Layout:
//
//	<root>/<username>/<message-id>
//
// The credentials file holds one "username:secret" pair per line. A secret
// beginning with "$2" is treated as a bcrypt hash; anything else is compared
// in constant time as a plaintext password.
package filestore

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/meridianmail/meridian/consts"
	"github.com/meridianmail/meridian/logger"
	"github.com/meridianmail/meridian/server/idgen"
	"github.com/meridianmail/meridian/store"
)

// Store is a directory-backed UserStore.
type Store struct {
	root      string
	usersFile string

	mu    sync.RWMutex
	users map[string]string
}

var _ store.UserStore = (*Store)(nil)

// New opens a file-backed store rooted at root, reading credentials from
// usersFile. The root directory is created if missing.
func New(root, usersFile string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create mail root '%s': %w", root, err)
	}
	s := &Store{
		root:      root,
		usersFile: usersFile,
		users:     make(map[string]string),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file. Unknown lines are skipped with a
// warning so a typo does not lock every user out.
func (s *Store) Reload() error {
	f, err := os.Open(s.usersFile)
	if err != nil {
		return fmt.Errorf("failed to open users file '%s': %w", s.usersFile, err)
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, secret, ok := strings.Cut(line, ":")
		if !ok || name == "" || !validName(name) {
			logger.Warn("Filestore: skipping malformed users line", "file", s.usersFile, "line", lineno)
			continue
		}
		users[name] = secret
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read users file '%s': %w", s.usersFile, err)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	logger.Debug("Filestore: loaded users", "file", s.usersFile, "count", len(users))
	return nil
}

// validName rejects usernames that could escape the mail root.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func (s *Store) secret(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.users[username]
	return secret, ok
}

func (s *Store) Validate(_ context.Context, username string) bool {
	_, ok := s.secret(username)
	return ok
}

func (s *Store) Authenticate(_ context.Context, username, password string) bool {
	secret, ok := s.secret(username)
	if !ok {
		return false
	}
	if strings.HasPrefix(secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func (s *Store) userDir(username string) string {
	return filepath.Join(s.root, username)
}

func (s *Store) LoadMailbox(_ context.Context, username string) (*store.Mailbox, error) {
	if _, ok := s.secret(username); !ok {
		return nil, consts.ErrUserNotFound
	}

	dir := s.userDir(username)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// User exists but has never received mail.
			return store.NewMailbox(username, nil, s.commitFunc(username)), nil
		}
		return nil, fmt.Errorf("failed to read mailbox for %s: %w", username, err)
	}

	var items []*store.MailItem
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat message %s: %w", entry.Name(), err)
		}
		path := filepath.Join(dir, entry.Name())
		items = append(items, store.NewMailItem(entry.Name(), info.Size(), func() (io.ReadCloser, error) {
			return os.Open(path)
		}))
	}

	return store.NewMailbox(username, items, s.commitFunc(username)), nil
}

func (s *Store) commitFunc(username string) func(context.Context, []*store.MailItem) error {
	return func(_ context.Context, deleted []*store.MailItem) error {
		var firstErr error
		for _, m := range deleted {
			path := filepath.Join(s.userDir(username), m.ID())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("Filestore: failed to expunge message", "user", username, "id", m.ID(), "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}

// Deliver writes the body to a temporary file, then links or copies it into
// each recipient's directory. The temporary file is removed afterwards.
func (s *Store) Deliver(_ context.Context, body []byte, recipients []string) error {
	// All-or-error: refuse the whole transaction on any unknown recipient.
	for _, rcpt := range recipients {
		if _, ok := s.secret(rcpt); !ok {
			return fmt.Errorf("deliver to %s: %w", rcpt, consts.ErrUserNotFound)
		}
	}

	tmp, err := os.CreateTemp(s.root, "tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary message file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary message file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary message file: %w", err)
	}

	for _, rcpt := range recipients {
		dir := s.userDir(rcpt)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create mailbox for %s: %w", rcpt, err)
		}
		dst := filepath.Join(dir, idgen.New())
		if err := os.Link(tmpName, dst); err != nil {
			// Link can fail across filesystems; fall back to a copy.
			if err := copyFile(tmpName, dst); err != nil {
				return fmt.Errorf("failed to deliver to %s: %w", rcpt, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (s *Store) Close() error { return nil }
