package memrepo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i2y/toolgate/internal/domain"
)

// ConsumerStore is an in-memory usecase.ConsumerStore keyed by API key hash.
type ConsumerStore struct {
	mu        sync.RWMutex
	consumers map[string]*domain.Consumer
	logger    *slog.Logger
}

// NewConsumerStore creates an empty consumer store.
func NewConsumerStore(logger *slog.Logger) *ConsumerStore {
	return &ConsumerStore{
		consumers: make(map[string]*domain.Consumer),
		logger:    logger.With("component", "mem_consumers"),
	}
}

// Save registers c under apiKey; only the key's hash is kept.
func (s *ConsumerStore) Save(ctx context.Context, c *domain.Consumer, apiKey string) error {
	if c.ID == "" || apiKey == "" {
		return fmt.Errorf("consumer needs an id and an api key")
	}
	stored := *c
	stored.APIKeyHash = domain.HashAPIKey(apiKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[stored.APIKeyHash] = &stored
	s.logger.Debug("Saved consumer", slog.String("consumer_id", c.ID), slog.String("project", c.ProjectSlug))
	return nil
}

// FindByAPIKeyHash returns the consumer holding the hashed key.
func (s *ConsumerStore) FindByAPIKeyHash(ctx context.Context, hash string) (*domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consumers[hash]
	if !ok {
		return nil, domain.ErrConsumerNotFound
	}
	out := *c
	return &out, nil
}
