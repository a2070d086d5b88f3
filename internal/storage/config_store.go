package storage

import (
	"sync"

	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/securestore"
)

// ConfigStore keeps the user's request settings per solution.
type ConfigStore struct {
	mu       sync.RWMutex
	settings map[string]protocol.Configuration
	defaults protocol.Configuration
	file     securestore.File
}

func NewConfigStore(defaults protocol.Configuration) *ConfigStore {
	return &ConfigStore{
		settings: make(map[string]protocol.Configuration),
		defaults: defaults,
	}
}

func OpenConfigStore(path, passphrase string, defaults protocol.Configuration) (*ConfigStore, error) {
	s := NewConfigStore(defaults)
	s.file = securestore.NewFile(path, passphrase)
	var snap map[string]protocol.Configuration
	found, err := s.file.ReadJSON(&snap)
	if err != nil {
		return nil, err
	}
	if found && snap != nil {
		s.settings = snap
	}
	return s, nil
}

// Current returns the stored settings for solutionID, or the defaults.
func (s *ConfigStore) Current(solutionID string) protocol.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.settings[solutionID]
	if !ok {
		cfg = s.defaults
	}
	return cloneConfiguration(cfg)
}

func (s *ConfigStore) Save(solutionID string, cfg protocol.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]protocol.Configuration, len(s.settings)+1)
	for k, v := range s.settings {
		next[k] = v
	}
	next[solutionID] = cloneConfiguration(cfg)
	if err := s.file.WriteJSON(next); err != nil {
		return err
	}
	s.settings = next
	return nil
}

func cloneConfiguration(cfg protocol.Configuration) protocol.Configuration {
	cfg.AssetNames = append([]string(nil), cfg.AssetNames...)
	cfg.CustomTags = append(cfg.CustomTags[:0:0], cfg.CustomTags...)
	return cfg
}
