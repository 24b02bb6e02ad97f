package message

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an edit or delete targets a message that is
// not in the store. Callers should refetch the message and retry.
var ErrNotFound = errors.New("message not found")

// ScrollHint tells the view what to do after an insert.
type ScrollHint int

const (
	ScrollNone ScrollHint = iota
	// ScrollIfNearBottom follows the new message only if the view was
	// already at the bottom.
	ScrollIfNearBottom
	// ScrollToBottom always jumps to the new message, used for own sends.
	ScrollToBottom
)

// Store is the ordered message cache for the active room. Messages are kept
// sorted by creation time; each id appears at most once.
type Store struct {
	mu      sync.RWMutex
	msgs    []*Message
	index   map[string]*Message
	maxSize int

	loading bool
	hasMore bool
	scroll  ScrollHint
}

// NewStore creates a message store that retains up to maxSize messages.
// A maxSize of 0 keeps everything.
func NewStore(maxSize int) *Store {
	return &Store{
		index:   make(map[string]*Message),
		maxSize: maxSize,
		hasMore: true,
	}
}

// Insert adds msg in creation order. It is a no-op returning false if a
// message with the same id is already present.
func (s *Store) Insert(msg *Message, hint ScrollHint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[msg.ID]; ok {
		return false
	}
	m := msg.Clone()
	s.insertSorted(m)
	if hint > s.scroll {
		s.scroll = hint
	}

	if s.maxSize > 0 && len(s.msgs) > s.maxSize {
		s.evictOldest(m)
	}
	return true
}

// evictOldest trims the store to maxSize, dropping the oldest messages but
// never keep, so a refetched older message stays addressable.
// Must be called while holding mu.
func (s *Store) evictOldest(keep *Message) {
	drop := len(s.msgs) - s.maxSize
	kept := make([]*Message, 0, s.maxSize)
	for _, e := range s.msgs {
		if drop > 0 && e != keep {
			delete(s.index, e.ID)
			drop--
			continue
		}
		kept = append(kept, e)
	}
	s.msgs = kept
	s.hasMore = true
}

// Prepend merges an older page into the store, skipping ids already
// present. It returns the number of messages added.
func (s *Store) Prepend(page []*Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, msg := range page {
		if _, ok := s.index[msg.ID]; ok {
			continue
		}
		s.insertSorted(msg.Clone())
		added++
	}
	return added
}

// insertSorted places m after every message created at or before it.
// Must be called while holding mu.
func (s *Store) insertSorted(m *Message) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		o := s.msgs[i]
		if o.CreatedAt.Equal(m.CreatedAt) {
			return o.ID > m.ID
		}
		return o.CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.index[m.ID] = m
}

// ReplaceContent applies an edit. The edit lands only if updatedAt is
// after both the creation time and any earlier edit, so replays and
// out-of-order deliveries converge on the latest write. Edits to deleted
// messages are ignored.
func (s *Store) ReplaceContent(id, content string, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Deleted() || !updatedAt.After(m.CreatedAt) {
		return false, nil
	}
	if m.UpdatedAt != nil && !updatedAt.After(*m.UpdatedAt) {
		return false, nil
	}
	m.Content = content
	m.UpdatedAt = &updatedAt
	return true, nil
}

// SoftDelete marks a message deleted and drops its content and attachments
// from the cache. Deleting twice keeps the first deletion.
func (s *Store) SoftDelete(id, deletedByName string, deletedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Deleted() {
		return false, nil
	}
	m.DeletedAt = &deletedAt
	m.DeletedByName = deletedByName
	m.Content = ""
	m.Attachments = nil
	return true, nil
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns copies of all messages, oldest first.
func (s *Store) List() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// IDs returns the ids of all messages, oldest first.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		ids[i] = m.ID
	}
	return ids
}

// Count returns the number of stored messages.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Cursor returns the creation time of the oldest loaded message. The
// second value is false when the store is empty.
func (s *Store) Cursor() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return time.Time{}, false
	}
	return s.msgs[0].CreatedAt, true
}

// BeginLoad claims the older-page fetch. It returns false if a fetch is
// already in flight or the previous page was the last one, so rapid scroll
// events trigger one request at a time.
func (s *Store) BeginLoad() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading || !s.hasMore {
		return false
	}
	s.loading = true
	return true
}

// EndLoad releases the older-page fetch and records whether more pages
// remain.
func (s *Store) EndLoad(hasMore bool) {
	s.mu.Lock()
	s.loading = false
	s.hasMore = hasMore
	s.mu.Unlock()
}

// Loading reports whether an older-page fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// HasMore reports whether older pages may remain.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// TakeScrollHint returns the strongest hint recorded since the last call
// and resets it.
func (s *Store) TakeScrollHint() ScrollHint {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.scroll
	s.scroll = ScrollNone
	return h
}
