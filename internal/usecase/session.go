package usecase

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
)

// SessionInfo is the session metadata exposed over session.list.
type SessionInfo struct {
	ID           string    `json:"id"` // ULID, globally unique
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// SessionManager tracks conversation sessions. Transcript content
// lives in the store; the manager owns only identity and bookkeeping.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	entropy  *ulid.MonotonicEntropy
	entMu    sync.Mutex
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*SessionInfo),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (sm *SessionManager) newID(t time.Time) string {
	sm.entMu.Lock()
	defer sm.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), sm.entropy).String()
}

// Create registers a new empty session and returns its info.
func (sm *SessionManager) Create() SessionInfo {
	now := time.Now()
	info := SessionInfo{ID: sm.newID(now), CreatedAt: now, UpdatedAt: now}

	sm.mu.Lock()
	sm.sessions[info.ID] = &info
	sm.mu.Unlock()
	return info
}

// Get returns a copy of the session's info.
func (sm *SessionManager) Get(id string) (SessionInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// Touch records activity on a session. Unknown ids are adopted: a
// transcript restored from the store may predate this process.
func (sm *SessionManager) Touch(id string, messageCount int) {
	now := time.Now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	info, ok := sm.sessions[id]
	if !ok {
		info = &SessionInfo{ID: id, CreatedAt: now}
		sm.sessions[id] = info
	}
	info.UpdatedAt = now
	info.MessageCount = messageCount
}

// List returns sessions ordered most recently updated first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.RLock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, info := range sm.sessions {
		out = append(out, *info)
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Restore seeds the manager from transcripts already in the store.
func (sm *SessionManager) Restore(ctx context.Context, store domain.TranscriptStore) error {
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		msgs, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		sm.Touch(id, len(msgs))
	}
	return nil
}
