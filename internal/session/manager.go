package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message represents a single message in session
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a conversation session
type Session struct {
	Key      string
	Messages []*Message
	mu       sync.RWMutex
}

// AddMessage adds a message to the session and returns it so the caller can
// persist exactly what was recorded.
func (s *Session) AddMessage(role, content string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	return msg
}

// GetHistory returns the last n messages
func (s *Session) GetHistory(limit int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.Messages) {
		limit = len(s.Messages)
	}
	start := len(s.Messages) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*Message, limit)
	copy(result, s.Messages[start:])
	return result
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Manager manages sessions, persisted one JSONL file per session key.
type Manager struct {
	dir      string
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	dir := filepath.Join(baseDir, "sessions")
	os.MkdirAll(dir, 0755)
	return &Manager{
		dir:      dir,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate gets or creates a session
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[key]; ok {
		return sess
	}

	sess := &Session{Key: key}
	m.loadFromDisk(sess)
	m.sessions[key] = sess
	return sess
}

// Reset discards the session's history, in memory and on disk, and returns a
// fresh session under the same key.
func (m *Manager) Reset(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	os.Remove(m.sessionPath(key))
	sess := &Session{Key: key}
	m.sessions[key] = sess
	return sess
}

// List returns the keys of every session known on disk, sorted.
func (m *Manager) List() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(keys)
	return keys
}

// Append writes one message to the end of the session's file. History is
// append-only JSONL, so this is the whole persistence path.
func (m *Manager) Append(key string, msg *Message) error {
	f, err := os.OpenFile(m.sessionPath(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(msg)
}

func (m *Manager) loadFromDisk(sess *Session) {
	path := m.sessionPath(sess.Key)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil {
			sess.Messages = append(sess.Messages, &msg)
		}
	}
}

// FileKey maps a session key to the name its file (and List entry) uses.
func FileKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}

func (m *Manager) sessionPath(key string) string {
	return filepath.Join(m.dir, FileKey(key)+".jsonl")
}
