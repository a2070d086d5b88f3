package storage

import (
	"sort"
	"strings"
	"sync"

	"fair-chat/go-client/internal/securestore"
)

type conversationSnapshot struct {
	Version int              `json:"version"`
	IDs     map[string][]int `json:"ids"`
}

// ConversationStore remembers conversation ids created on this device, so a new
// conversation is listed before the index has picked up its start record.
type ConversationStore struct {
	mu   sync.RWMutex
	ids  map[string][]int
	file securestore.File
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{ids: make(map[string][]int)}
}

func OpenConversationStore(path, passphrase string) (*ConversationStore, error) {
	s := &ConversationStore{
		ids:  make(map[string][]int),
		file: securestore.NewFile(path, passphrase),
	}
	var snap conversationSnapshot
	found, err := s.file.ReadJSON(&snap)
	if err != nil {
		return nil, err
	}
	if found && snap.IDs != nil {
		s.ids = snap.IDs
	}
	return s, nil
}

func (s *ConversationStore) Remember(owner, solution string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conversationKey(owner, solution)
	for _, existing := range s.ids[key] {
		if existing == id {
			return nil
		}
	}
	next := make(map[string][]int, len(s.ids)+1)
	for k, v := range s.ids {
		next[k] = v
	}
	next[key] = append(append([]int(nil), s.ids[key]...), id)
	sort.Ints(next[key])
	if err := s.file.WriteJSON(conversationSnapshot{Version: 1, IDs: next}); err != nil {
		return err
	}
	s.ids = next
	return nil
}

// IDs returns the remembered ids in ascending order.
func (s *ConversationStore) IDs(owner, solution string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.ids[conversationKey(owner, solution)]...)
}

func conversationKey(owner, solution string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "|" + strings.TrimSpace(solution)
}
