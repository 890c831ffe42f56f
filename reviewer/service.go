// Package reviewer manages the pool of reviewers that review tasks are
// assigned to.
package reviewer

import (
	"context"
	"strings"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/db"
)

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Reviewer, error)
	List(ctx context.Context, limit int) ([]Reviewer, error)
	Loads(ctx context.Context, q db.Querier) ([]Load, error)
	Upsert(ctx context.Context, rv Reviewer) (Reviewer, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// Service exposes pool management operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, id string) (Reviewer, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]Reviewer, error) {
	return s.repo.List(ctx, limit)
}

// Loads returns the current load of every active reviewer.
func (s *Service) Loads(ctx context.Context) ([]Load, error) {
	return s.repo.Loads(ctx, nil)
}

// Register adds a reviewer or updates an existing one.
func (s *Service) Register(ctx context.Context, rv Reviewer) (Reviewer, error) {
	rv.ID = strings.TrimSpace(rv.ID)
	if rv.ID == "" {
		return Reviewer{}, apperr.Validation("reviewerId", "is required")
	}
	if rv.MaxConcurrentTasks <= 0 {
		return Reviewer{}, apperr.Validation("maxConcurrentTasks", "must be positive")
	}
	return s.repo.Upsert(ctx, rv)
}

func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if id == "" {
		return apperr.Validation("reviewerId", "is required")
	}
	return s.repo.SetActive(ctx, id, active)
}
