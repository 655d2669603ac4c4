package gate

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// Store persists gate requests and results.
//
// Lookups that find nothing return nil and no error. Request and Result return
// [shared.ErrNotFound] for unknown ids.
type Store interface {
	// FindResult returns the newest successful result for key computed at or after notBefore.
	FindResult(ctx context.Context, key string, notBefore time.Time) (*models.AsyncResult, error)
	// FindInProgress returns the in-progress request for key.
	FindInProgress(ctx context.Context, key string) (*models.AsyncRequest, error)
	// CreateIfAbsent inserts req unless a request for the same key is in progress, in which case
	// the existing request is returned with created false.
	CreateIfAbsent(ctx context.Context, req *models.AsyncRequest) (existing *models.AsyncRequest, created bool, err error)
	// Complete stores result and clears the in-progress flag of its request as one unit.
	Complete(ctx context.Context, token string, result *models.AsyncResult) error
	Request(ctx context.Context, token string) (*models.AsyncRequest, error)
	Result(ctx context.Context, id string) (*models.AsyncResult, error)
	// ExpiredResults lists up to limit results computed before the cutoff, oldest first.
	ExpiredResults(ctx context.Context, before time.Time, limit int) ([]*models.AsyncResult, error)
	// DeleteResult removes a result's metadata. Requests pointing at it lose their result.
	DeleteResult(ctx context.Context, id string) error
	// AbandonInProgress completes every request in progress created before the cutoff with an
	// [models.AbandonedResult] computed at at, and returns their tokens.
	AbandonInProgress(ctx context.Context, before, at time.Time) ([]string, error)
}

// MemoryStore is a [Store] held in process memory. Requests are copied in and out, so callers
// never share state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.AsyncRequest
	results  map[string]*models.AsyncResult
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.AsyncRequest),
		results:  make(map[string]*models.AsyncResult),
	}
}

func (s *MemoryStore) FindResult(ctx context.Context, key string, notBefore time.Time) (*models.AsyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.AsyncResult
	for _, r := range s.results {
		if r.Key() != key || !r.OK() || r.ComputedOn().Before(notBefore) {
			continue
		}
		if best == nil || r.ComputedOn().After(best.ComputedOn()) {
			best = r
		}
	}
	return best, nil
}

func (s *MemoryStore) FindInProgress(ctx context.Context, key string) (*models.AsyncRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.inProgress(key); r != nil {
		return r.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) inProgress(key string) *models.AsyncRequest {
	for _, r := range s.requests {
		if r.InProgress() && r.Key() == key {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, req *models.AsyncRequest) (*models.AsyncRequest, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.inProgress(req.Key()); existing != nil {
		return existing.Clone(), false, nil
	}
	if _, dup := s.requests[req.Token()]; dup {
		return nil, false, fmt.Errorf("%w: duplicate token %s", shared.ErrInvalidInput, req.Token())
	}
	s.requests[req.Token()] = req.Clone()
	return req, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, token string, result *models.AsyncResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[token]
	if !ok {
		return fmt.Errorf("%w: request %s", shared.ErrNotFound, token)
	}
	s.results[result.ID()] = result
	req.Complete(result.ID())
	return nil
}

func (s *MemoryStore) Request(ctx context.Context, token string) (*models.AsyncRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[token]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", shared.ErrNotFound, token)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Result(ctx context.Context, id string) (*models.AsyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: result %s", shared.ErrNotFound, id)
	}
	return r, nil
}

func (s *MemoryStore) ExpiredResults(ctx context.Context, before time.Time, limit int) ([]*models.AsyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AsyncResult
	for _, r := range s.results {
		if r.ComputedOn().Before(before) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *models.AsyncResult) int { return a.ComputedOn().Compare(b.ComputedOn()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteResult(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return fmt.Errorf("%w: result %s", shared.ErrNotFound, id)
	}
	delete(s.results, id)
	for token, req := range s.requests {
		if req.ResultID() == id {
			delete(s.requests, token)
		}
	}
	return nil
}

func (s *MemoryStore) AbandonInProgress(ctx context.Context, before, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []string
	for token, req := range s.requests {
		if !req.InProgress() || !req.CreatedAt().Before(before) {
			continue
		}
		result := models.AbandonedResult(shared.GenerateID(), req, at)
		s.results[result.ID()] = result
		req.Complete(result.ID())
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens, nil
}
