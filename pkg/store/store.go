// Package store persists the server's durable state as flat files in one
// data directory: an append-only credential log (registration.txt), one
// pending-mailbox file per offline recipient (<username>.txt) and a pair of
// history files per communicating pair (<userA><userB>.txt, both orderings
// written symmetrically). Files are opened, appended and closed per
// operation; no handle is held across requests.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const credFileName = "registration.txt"

// maxLineSize bounds a single stored line; matches the protocol's maximum
// payload size so no deliverable message is ever truncated on read-back.
const maxLineSize = 1024 * 1024

var ErrAlreadyRegistered = errors.New("username already registered")

// Store is a line-oriented append log keyed by file name. The credential
// log is guarded by a reader/writer lock (many concurrent credential checks,
// one exclusive registration). Mailbox and history files share one mutex so
// an append can never race a drain.
type Store struct {
	dir    string
	credMu sync.RWMutex
	fileMu sync.Mutex
}

// Open prepares a store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) credPath() string {
	return filepath.Join(s.dir, credFileName)
}

func (s *Store) mailboxPath(username string) string {
	return filepath.Join(s.dir, username+".txt")
}

func (s *Store) historyPath(owner, other string) string {
	return filepath.Join(s.dir, owner+other+".txt")
}

// Register appends a username,password record to the credential log.
// Returns ErrAlreadyRegistered if the username is already present. The
// check and the append happen under one exclusive lock so two concurrent
// registrations of the same name cannot both succeed.
func (s *Store) Register(username, password string) error {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	_, found, err := s.lookupCredential(username)
	if err != nil {
		return err
	}
	if found {
		return ErrAlreadyRegistered
	}

	return appendLine(s.credPath(), username+","+password)
}

// Authenticate reports whether the username exists with exactly this
// password.
func (s *Store) Authenticate(username, password string) (bool, error) {
	s.credMu.RLock()
	defer s.credMu.RUnlock()

	stored, found, err := s.lookupCredential(username)
	if err != nil {
		return false, err
	}
	return found && stored == password, nil
}

// UserExists reports whether the username appears in the credential log.
func (s *Store) UserExists(username string) (bool, error) {
	s.credMu.RLock()
	defer s.credMu.RUnlock()

	_, found, err := s.lookupCredential(username)
	return found, err
}

// lookupCredential scans the credential log for username. Callers must hold
// credMu. A missing log file means no users are registered yet.
func (s *Store) lookupCredential(username string) (password string, found bool, err error) {
	f, err := os.Open(s.credPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to open credential log: %w", err)
	}
	defer f.Close()

	scanner := newLineScanner(f)
	for scanner.Scan() {
		user, pass, ok := strings.Cut(scanner.Text(), ",")
		if !ok {
			continue
		}
		if user == username {
			return pass, true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("failed to read credential log: %w", err)
	}
	return "", false, nil
}

// AppendHistory records one exchanged message for the (sender, recipient)
// pair, writing both ordered pair files.
func (s *Store) AppendHistory(sender, recipient, line string) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if err := appendLine(s.historyPath(sender, recipient), line); err != nil {
		return err
	}
	return appendLine(s.historyPath(recipient, sender), line)
}

// HistoryTail returns the last n history lines for owner's pair file with
// other, oldest line of that tail first. If fewer than n lines exist, all
// of them are returned; a pair with no history yields an empty slice.
func (s *Store) HistoryTail(owner, other string, n int) ([]string, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	lines, err := readLines(s.historyPath(owner, other))
	if err != nil {
		return nil, err
	}
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// QueueMailbox appends a message line to the recipient's pending mailbox.
func (s *Store) QueueMailbox(username, line string) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	return appendLine(s.mailboxPath(username), line)
}

// DrainMailbox feeds every queued line for the username to deliver, oldest
// first, and deletes the mailbox file only after all deliveries succeeded.
// If a delivery fails the file is kept untouched for the next login; lines
// delivered before the failure may be delivered again then. A missing
// mailbox is a no-op.
func (s *Store) DrainMailbox(username string, deliver func(line string) error) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	path := s.mailboxPath(username)
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if lines == nil {
		return nil
	}

	for _, line := range lines {
		if err := deliver(line); err != nil {
			return err
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove mailbox: %w", err)
	}
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines []string
	scanner := newLineScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return scanner
}
