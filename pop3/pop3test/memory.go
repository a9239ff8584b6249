// Package pop3test provides an in-memory pop3.DataStore/pop3.Maildrop for
// exercising pop3server without a real storage backend.
package pop3test

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"quillbox.dev/quillbox/pop3"
)

type memoryMsg struct {
	uid     string
	content string // full RFC822 text, LF-separated
	deleted bool
}

type memoryUser struct {
	mu       sync.Mutex
	name     string
	password string
	messages []*memoryMsg
}

// Store is an in-memory pop3.DataStore. Zero value is ready to use.
type Store struct {
	mu    sync.Mutex
	users map[string]*memoryUser
}

func (s *Store) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]*memoryUser)
	}
	s.users[username] = &memoryUser{name: username, password: password}
}

// AddMessage appends a message (given as full RFC822 text) to username's
// maildrop, returning its UID.
func (s *Store) AddMessage(username, content string) string {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()

	u.mu.Lock()
	defer u.mu.Unlock()
	uid := fmt.Sprintf("%s-%d", username, len(u.messages)+1)
	u.messages = append(u.messages, &memoryMsg{uid: uid, content: content})
	return uid
}

func (s *Store) Login(remoteAddr, username string, password []byte) (pop3.Maildrop, error) {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	if u == nil || u.password != string(password) {
		return nil, fmt.Errorf("pop3test: bad credentials for %q", username)
	}
	return &maildrop{user: u}, nil
}

func (s *Store) LoginAPOP(remoteAddr, username string, digest []byte, greeting string) (pop3.Maildrop, error) {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	if u == nil {
		return nil, fmt.Errorf("pop3test: no such user %q", username)
	}
	sum := md5.Sum([]byte(greeting + u.password))
	want := hex.EncodeToString(sum[:])
	if want != strings.ToLower(string(digest)) {
		return nil, fmt.Errorf("pop3test: APOP digest mismatch for %q", username)
	}
	return &maildrop{user: u}, nil
}

// maildrop is a single session's view of a memoryUser: Num assignments and
// pending Delete marks are local to the session until Close(true).
type maildrop struct {
	user    *memoryUser
	deleted map[int]bool
}

func (m *maildrop) live() []*memoryMsg {
	m.user.mu.Lock()
	defer m.user.mu.Unlock()
	return append([]*memoryMsg(nil), m.user.messages...)
}

func (m *maildrop) isDeleted(num int) bool {
	return m.deleted != nil && m.deleted[num]
}

func (m *maildrop) Stat() (count int, octets int64, err error) {
	for i, msg := range m.live() {
		if m.isDeleted(i + 1) {
			continue
		}
		count++
		octets += int64(len(msg.content))
	}
	return count, octets, nil
}

func (m *maildrop) List() ([]pop3.MessageInfo, error) {
	var out []pop3.MessageInfo
	for i, msg := range m.live() {
		num := i + 1
		if m.isDeleted(num) {
			continue
		}
		out = append(out, pop3.MessageInfo{Num: num, Size: int64(len(msg.content)), UID: msg.uid})
	}
	return out, nil
}

func (m *maildrop) Info(num int) (pop3.MessageInfo, error) {
	msgs := m.live()
	if num < 1 || num > len(msgs) || m.isDeleted(num) {
		return pop3.MessageInfo{}, fmt.Errorf("pop3test: no such message %d", num)
	}
	msg := msgs[num-1]
	return pop3.MessageInfo{Num: num, Size: int64(len(msg.content)), UID: msg.uid}, nil
}

func (m *maildrop) Retrieve(num int) (io.ReadCloser, error) {
	msgs := m.live()
	if num < 1 || num > len(msgs) || m.isDeleted(num) {
		return nil, fmt.Errorf("pop3test: no such message %d", num)
	}
	return io.NopCloser(strings.NewReader(msgs[num-1].content)), nil
}

func (m *maildrop) Top(num int, n int) (io.ReadCloser, error) {
	msgs := m.live()
	if num < 1 || num > len(msgs) || m.isDeleted(num) {
		return nil, fmt.Errorf("pop3test: no such message %d", num)
	}
	content := msgs[num-1].content
	headers, body, found := strings.Cut(content, "\n\n")
	if !found {
		return io.NopCloser(strings.NewReader(content)), nil
	}
	lines := strings.SplitAfter(body, "\n")
	if n < len(lines) {
		lines = lines[:n]
	}
	return io.NopCloser(strings.NewReader(headers + "\n\n" + strings.Join(lines, ""))), nil
}

func (m *maildrop) Delete(num int) error {
	msgs := m.live()
	if num < 1 || num > len(msgs) {
		return fmt.Errorf("pop3test: no such message %d", num)
	}
	if m.deleted == nil {
		m.deleted = make(map[int]bool)
	}
	m.deleted[num] = true
	return nil
}

func (m *maildrop) Reset() {
	m.deleted = nil
}

func (m *maildrop) Close(commit bool) error {
	if !commit || m.deleted == nil {
		return nil
	}
	m.user.mu.Lock()
	defer m.user.mu.Unlock()
	var kept []*memoryMsg
	for i, msg := range m.user.messages {
		if !m.deleted[i+1] {
			kept = append(kept, msg)
		}
	}
	m.user.messages = kept
	return nil
}
