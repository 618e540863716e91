// Package portstest provides in-memory collaborators for tests.
package portstest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"reportd/services/summarizer/internal/ports"
)

// Storage is an in-memory ports.RemoteStorage.
type Storage struct {
	mu        sync.Mutex
	Folders   map[string][]string
	Deleted   []string
	UploadErr error
	CreateErr error
	DeleteErr error
}

func NewStorage() *Storage {
	return &Storage{Folders: make(map[string][]string)}
}

func (s *Storage) FindOrCreateFolder(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	id := name + "/"
	if _, ok := s.Folders[id]; !ok {
		s.Folders[id] = nil
	}
	return id, nil
}

func (s *Storage) LookupFolder(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := name + "/"
	_, ok := s.Folders[id]
	return id, ok, nil
}

func (s *Storage) Upload(_ context.Context, localPath, folderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return "", s.UploadErr
	}
	if _, ok := s.Folders[folderID]; !ok {
		return "", fmt.Errorf("folder %s does not exist", folderID)
	}
	key := folderID + filepath.Base(localPath)
	s.Folders[folderID] = append(s.Folders[folderID], key)
	return "https://storage.test/" + key, nil
}

func (s *Storage) DeleteFolder(_ context.Context, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.Folders, folderID)
	s.Deleted = append(s.Deleted, folderID)
	return nil
}

// Uploads returns every uploaded key in no particular order.
func (s *Storage) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, k := range s.Folders {
		keys = append(keys, k...)
	}
	return keys
}

// DeletedFolders returns a copy of the deleted folder ids.
func (s *Storage) DeletedFolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Deleted...)
}

// Mailer records sent messages.
type Mailer struct {
	mu   sync.Mutex
	Sent []ports.Message
	Err  error
	// Attachments holds whether each message's attachment existed at send time.
	Attachments []bool
	exists      func(string) bool
}

func NewMailer(exists func(path string) bool) *Mailer {
	return &Mailer{exists: exists}
}

func (m *Mailer) Send(_ context.Context, msg ports.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	if m.exists != nil && msg.AttachmentPath != "" {
		m.Attachments = append(m.Attachments, m.exists(msg.AttachmentPath))
	}
	return nil
}

// Messages returns a copy of the sent messages.
func (m *Mailer) Messages() []ports.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.Message(nil), m.Sent...)
}

// Notifier records status updates and optionally signals each one on C.
// Like a network call, Post fails without recording when ctx is already done.
type Notifier struct {
	mu      sync.Mutex
	Updates []ports.StatusUpdate
	Err     error
	C       chan ports.StatusUpdate
}

func NewNotifier() *Notifier {
	return &Notifier{C: make(chan ports.StatusUpdate, 16)}
}

func (n *Notifier) Post(ctx context.Context, u ports.StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.Updates = append(n.Updates, u)
	err := n.Err
	n.mu.Unlock()
	if n.C != nil {
		select {
		case n.C <- u:
		default:
		}
	}
	return err
}

// Posted returns a copy of the recorded updates.
func (n *Notifier) Posted() []ports.StatusUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ports.StatusUpdate(nil), n.Updates...)
}

// Statuses returns the posted status values in order.
func (n *Notifier) Statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.Updates))
	for _, u := range n.Updates {
		out = append(out, u.Status)
	}
	return out
}

// Wait returns the next update with status, or an error after timeout.
func (n *Notifier) Wait(status string, timeout time.Duration) (ports.StatusUpdate, error) {
	deadline := time.After(timeout)
	for {
		select {
		case u := <-n.C:
			if u.Status == status {
				return u, nil
			}
		case <-deadline:
			return ports.StatusUpdate{}, errors.New("timed out waiting for status " + status)
		}
	}
}

// Fetcher serves content from a map keyed by URL.
type Fetcher struct {
	mu    sync.Mutex
	Files map[string][]byte
	Calls []string
}

func (f *Fetcher) Get(_ context.Context, url string, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, url)
	data, ok := f.Files[url]
	if !ok {
		return nil, fmt.Errorf("get %s: 404 Not Found", url)
	}
	return data, nil
}
