package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

// ErrUnknownAPIKey is returned when selecting or removing a credential that does not exist
var ErrUnknownAPIKey = errors.New("unknown API key")

// Service holds how the next request should be made: credentials, model,
// default system prompt and default web-search configuration. Every
// mutation is written to the store before it becomes visible.
type Service struct {
	store  db.Store
	logger *utils.Logger

	mu            sync.RWMutex
	keys          []*db.APIKey
	currentKeyID  string
	selected      llm.AIModel
	systemMessage string
	webSearch     db.WebSearchSettings
}

// NewService creates a service with defaults; call Load to hydrate it
func NewService(store db.Store, logger *utils.Logger) *Service {
	return &Service{
		store:     store,
		logger:    logger,
		selected:  llm.DefaultModel(),
		webSearch: db.DefaultWebSearchSettings(),
	}
}

// Load hydrates the service from the store. Whatever loads successfully is
// applied; the first failure is returned.
func (s *Service) Load(ctx context.Context) error {
	var errs []error

	keys, err := s.store.APIKeys(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to load api keys: %w", err))
		keys = nil
	}

	cfg, err := db.EnsureConfig(ctx, s.store)
	if err != nil {
		errs = append(errs, err)
		cfg = db.DefaultConfig()
	}

	var systemMessage string
	if err := s.store.Setting(ctx, db.SettingSystemMessage, &systemMessage); err != nil && !errors.Is(err, db.ErrNotFound) {
		errs = append(errs, fmt.Errorf("failed to load system message: %w", err))
	}

	webSearch := db.DefaultWebSearchSettings()
	if err := s.store.Setting(ctx, db.SettingWebSearchConfig, &webSearch); err != nil && !errors.Is(err, db.ErrNotFound) {
		errs = append(errs, fmt.Errorf("failed to load web search config: %w", err))
		webSearch = db.DefaultWebSearchSettings()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = keys
	s.currentKeyID = ""
	if len(keys) > 0 {
		s.currentKeyID = keys[0].ID
		for _, k := range keys {
			if k.ID == cfg.CurrentAPIKeyID {
				s.currentKeyID = k.ID
				break
			}
		}
	}
	if model, ok := llm.FindModel(cfg.DefaultModelID); ok {
		s.selected = model
	}
	s.systemMessage = systemMessage
	s.webSearch = webSearch

	s.logger.Info("Settings loaded: %d api keys, model %s", len(keys), s.selected.ID)

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *Service) findKey(id string) *db.APIKey {
	for _, k := range s.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// CurrentAPIKey returns a copy of the current credential, or nil when none is configured
func (s *Service) CurrentAPIKey() *db.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := s.findKey(s.currentKeyID)
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

// APIKeys returns copies of all credentials in creation order
func (s *Service) APIKeys() []*db.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*db.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		c := *k
		out = append(out, &c)
	}
	return out
}

// AddAPIKey stores a new credential. The first credential added becomes current.
func (s *Service) AddAPIKey(ctx context.Context, name, key string, provider db.Provider, baseURL string) (*db.APIKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}
	if provider == "" {
		provider = db.ProviderOpenAI
	}
	if provider != db.ProviderOpenAI && provider != db.ProviderCustom {
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
	if provider == db.ProviderCustom && baseURL == "" {
		return nil, fmt.Errorf("custom provider requires a base URL")
	}

	apiKey := &db.APIKey{Name: name, Key: key, Provider: provider, BaseURL: baseURL}
	if _, err := s.store.SaveAPIKey(ctx, apiKey); err != nil {
		return nil, fmt.Errorf("failed to save api key: %w", err)
	}

	s.mu.Lock()
	s.keys = append(s.keys, apiKey)
	first := s.currentKeyID == ""
	if first {
		s.currentKeyID = apiKey.ID
	}
	s.mu.Unlock()

	if first {
		s.persistCurrentKey(ctx, apiKey.ID)
	}

	c := *apiKey
	return &c, nil
}

// RemoveAPIKey deletes a credential. Removing the current one selects the first remaining.
func (s *Service) RemoveAPIKey(ctx context.Context, id string) error {
	s.mu.RLock()
	exists := s.findKey(id) != nil
	s.mu.RUnlock()
	if !exists {
		return ErrUnknownAPIKey
	}

	if err := s.store.DeleteAPIKey(ctx, id); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}

	s.mu.Lock()
	kept := make([]*db.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		if k.ID != id {
			kept = append(kept, k)
		}
	}
	s.keys = kept

	changed := false
	if s.currentKeyID == id {
		s.currentKeyID = ""
		if len(kept) > 0 {
			s.currentKeyID = kept[0].ID
		}
		changed = true
	}
	current := s.currentKeyID
	s.mu.Unlock()

	if changed {
		s.persistCurrentKey(ctx, current)
	}
	return nil
}

// SetCurrentAPIKey selects the credential used for the next request
func (s *Service) SetCurrentAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.findKey(id) == nil {
		s.mu.Unlock()
		return ErrUnknownAPIKey
	}
	s.currentKeyID = id
	s.mu.Unlock()

	s.persistCurrentKey(ctx, id)
	return nil
}

// persistCurrentKey records the selection; the in-memory choice stands even if this fails
func (s *Service) persistCurrentKey(ctx context.Context, id string) {
	err := db.UpdateConfig(ctx, s.store, func(cfg *db.AppConfig) {
		cfg.CurrentAPIKeyID = id
	})
	if err != nil {
		s.logger.Warn("Failed to persist current api key: %v", err)
	}
}

// AvailableModels returns the static model registry
func (s *Service) AvailableModels() []llm.AIModel {
	return llm.Models()
}

// SelectedModel returns the model new conversations default to
func (s *Service) SelectedModel() llm.AIModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// SetSelectedModel changes the default model and stores it in the app config
func (s *Service) SetSelectedModel(ctx context.Context, modelID string) error {
	model, ok := llm.FindModel(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", llm.ErrUnknownModel, modelID)
	}

	err := db.UpdateConfig(ctx, s.store, func(cfg *db.AppConfig) {
		cfg.DefaultModelID = modelID
	})
	if err != nil {
		return fmt.Errorf("failed to save default model: %w", err)
	}

	s.mu.Lock()
	s.selected = model
	s.mu.Unlock()
	return nil
}

// SystemMessage returns the default system prompt for new conversations
func (s *Service) SystemMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemMessage
}

// SetSystemMessage changes the default system prompt; an empty prompt clears it
func (s *Service) SetSystemMessage(ctx context.Context, message string) error {
	var err error
	if message == "" {
		err = s.store.RemoveSetting(ctx, db.SettingSystemMessage)
	} else {
		err = s.store.SetSetting(ctx, db.SettingSystemMessage, message)
	}
	if err != nil {
		return fmt.Errorf("failed to save system message: %w", err)
	}

	s.mu.Lock()
	s.systemMessage = message
	s.mu.Unlock()
	return nil
}

// WebSearchConfig returns the default web-search settings
func (s *Service) WebSearchConfig() db.WebSearchSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webSearch
}

// SetWebSearchConfig changes the default web-search settings
func (s *Service) SetWebSearchConfig(ctx context.Context, ws db.WebSearchSettings) error {
	switch ws.ContextSize {
	case "":
		ws.ContextSize = "medium"
	case "low", "medium", "high":
	default:
		return fmt.Errorf("invalid search context size: %s", ws.ContextSize)
	}
	if ws.Location.Type == "" {
		ws.Location.Type = "approximate"
	}

	if err := s.store.SetSetting(ctx, db.SettingWebSearchConfig, ws); err != nil {
		return fmt.Errorf("failed to save web search config: %w", err)
	}

	s.mu.Lock()
	s.webSearch = ws
	s.mu.Unlock()
	return nil
}
